package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"blab/internal/agent"
	"blab/internal/app"
	"blab/internal/plan"
	"blab/internal/server"
	"blab/internal/verify"
	blabsdk "blab/sdk/go"
)

func serveCmd() *cobra.Command {
	var port int
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the housekeeper control endpoint on loopback",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			a, err := openApp(ctx)
			if err != nil {
				return err
			}
			defer a.Close()
			hk := a.Config.Housekeeper
			if cmd.Flags().Changed("port") {
				hk.Port = port
			}
			srv, err := server.New(server.Config{
				Loop:        a.Loop,
				Repo:        a.Engine.Repo,
				Housekeeper: hk,
				Webhooks:    a.Config.Webhooks,
				Token:       hk.Token(),
				Log:         logger.Named("server"),
			})
			if err != nil {
				return err
			}
			fmt.Printf("Serving housekeeper on http://%s/housekeeper (OpenAPI at /housekeeper/openapi.json)\n", hk.ListenAddr())
			return srv.ListenAndServe(ctx)
		},
	}
	cmd.Flags().IntVar(&port, "port", 48765, "listen port")
	return cmd
}

func planCmd() *cobra.Command {
	var actor string
	cmd := &cobra.Command{
		Use:   "plan <instruction>",
		Short: "Plan an instruction without executing it",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(cmd.Context())
			if err != nil {
				return err
			}
			defer a.Close()
			out, err := a.Loop.Run(cmd.Context(), agent.Request{Instruction: strings.Join(args, " "), Actor: actor})
			if err != nil {
				return err
			}
			return printOutcome(out)
		},
	}
	cmd.Flags().StringVar(&actor, "actor", "", "acting member username")
	return cmd
}

func runCmd() *cobra.Command {
	var actor string
	var interactive bool
	cmd := &cobra.Command{
		Use:   "run <instruction>",
		Short: "Plan, execute, repair and verify an instruction",
		Long:  "Runs the full housekeeper loop locally. With --interactive a clarification question is answered on stdin before anything is executed.",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(cmd.Context())
			if err != nil {
				return err
			}
			defer a.Close()
			instruction := strings.Join(args, " ")
			if !interactive {
				out, err := a.Loop.Run(cmd.Context(), agent.Request{Instruction: instruction, AutoExecute: true, Actor: actor})
				if err != nil {
					return err
				}
				return printOutcome(out)
			}
			return runSession(cmd.Context(), a.Loop.NewSession(instruction, actor), os.Stdin, os.Stdout)
		},
	}
	cmd.Flags().StringVar(&actor, "actor", "", "acting member username")
	cmd.Flags().BoolVarP(&interactive, "interactive", "i", false, "answer clarification questions on stdin")
	return cmd
}

// runSession drives the clarification protocol from a terminal.
func runSession(ctx context.Context, s *agent.Session, in io.Reader, w io.Writer) error {
	out, err := s.Plan(ctx)
	if err != nil {
		return err
	}
	r := bufio.NewReader(in)
	dismiss := func() error {
		s.Dismiss()
		fmt.Fprintln(w, "\nInput closed; plan dismissed, nothing was executed.")
		return nil
	}
	for s.State() == agent.StateAwaitingFeedback {
		fmt.Fprintf(w, "Clarification needed: %s\n", out.Plan.Clarification)
		answer, err := ask(r, w, "decision [confirm/reject/supplement]: ")
		if err != nil {
			return dismiss()
		}
		decision, err := agent.ParseDecision(answer)
		if err != nil {
			fmt.Fprintln(w, err)
			continue
		}
		fb := agent.Feedback{Decision: decision}
		var names string
		for _, q := range []struct {
			prompt string
			dst    *string
		}{
			{"event title hint (optional): ", &fb.EventTitleHint},
			{"note (optional): ", &fb.ExtraNote},
			{"participant names, comma separated (optional): ", &names},
		} {
			if *q.dst, err = ask(r, w, q.prompt); err != nil {
				return dismiss()
			}
		}
		if names != "" {
			fb.ParticipantNameHints = plan.SplitList(names)
		}
		out, err = s.Feedback(ctx, fb)
		if errors.Is(err, agent.ErrInsufficientFeedback) {
			fmt.Fprintln(w, err)
			continue
		}
		if err != nil {
			return err
		}
	}
	if s.State() == agent.StateDismissed {
		fmt.Fprintln(w, "Plan dismissed; nothing was executed.")
		return nil
	}
	if err := printOutcomeTo(w, out); err != nil {
		return err
	}
	if len(out.Plan.Operations) == 0 {
		return nil
	}
	answer, err := ask(r, w, "execute this plan? [y/N]: ")
	if err != nil || !strings.HasPrefix(strings.ToLower(answer), "y") {
		s.Dismiss()
		fmt.Fprintln(w, "Plan dismissed; nothing was executed.")
		return nil
	}
	out, err = s.Execute(ctx)
	if err != nil {
		return err
	}
	return printOutcomeTo(w, out)
}

// ask prompts and reads one line. A final line without a newline is
// returned; io.EOF is only reported once no input is left.
func ask(r *bufio.Reader, w io.Writer, prompt string) (string, error) {
	fmt.Fprint(w, prompt)
	line, err := r.ReadString('\n')
	if err != nil && line == "" {
		return "", err
	}
	return strings.TrimSpace(line), nil
}

func sendCmd() *cobra.Command {
	var endpoint, token, actor, key string
	var autoExecute bool
	cmd := &cobra.Command{
		Use:   "send <instruction>",
		Short: "Submit an instruction to a running housekeeper",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c := blabsdk.New(endpoint, endpointToken(token))
			res, err := c.Execute(cmd.Context(), blabsdk.ExecuteRequest{
				Instruction:   strings.Join(args, " "),
				AutoExecute:   autoExecute,
				ActorUsername: actor,
			}, blabsdk.CallOptions{IdempotencyKey: key})
			if err != nil {
				return err
			}
			if viper.GetBool("json") {
				return printJSON(res)
			}
			fmt.Printf("request %s: %s", res.RequestID, res.Stage)
			if res.Replay {
				fmt.Print(" (replayed)")
			}
			fmt.Println()
			if res.Plan.Clarification != "" {
				fmt.Printf("Clarification needed: %s\n", res.Plan.Clarification)
			}
			if res.Execution != nil {
				tw := newTable(table.Row{"Operation", "OK", "Message"})
				for _, e := range res.Execution.Entries {
					tw.AppendRow(table.Row{e.OperationID, e.Success, e.Message})
				}
				fmt.Println(tw.Render())
				fmt.Println(res.Execution.Summary)
			}
			if res.Verification != nil {
				fmt.Println("verification:", res.Verification.Summary)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&endpoint, "endpoint", blabsdk.DefaultBaseURL, "housekeeper base URL")
	cmd.Flags().StringVar(&token, "token", "", "bearer token (defaults to BLAB_HOUSEKEEPER_TOKEN)")
	cmd.Flags().StringVar(&actor, "actor", "", "acting member username")
	cmd.Flags().StringVar(&key, "idempotency-key", "", "Idempotency-Key header")
	cmd.Flags().BoolVar(&autoExecute, "execute", true, "execute the plan when no clarification is needed")
	return cmd
}

func selfCheckCmd() *cobra.Command {
	var endpoint, token string
	var retries int
	var healthTimeout, retryDelay time.Duration
	var local bool
	cmd := &cobra.Command{
		Use:   "self-check",
		Short: "Run the housekeeper loop self-checks",
		Long: `Checks a running housekeeper: waits for /housekeeper/health, then runs /housekeeper/self-check.
Exit codes: 0 all checks passed, 1 a check failed, 10 runtime not healthy, 20 the self-check endpoint failed.
With --local the checks run in-process without an endpoint.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			var report blabsdk.SelfCheckReport
			if local {
				r := agent.SelfCheck(cmd.Context(), logger.Named("self-check"))
				report.OK = r.OK
				for _, c := range r.Checks {
					report.Checks = append(report.Checks, blabsdk.Check{Name: c.Name, Passed: c.Passed, Detail: c.Detail})
				}
			} else {
				c := blabsdk.New(endpoint, endpointToken(token))
				if !waitHealthy(cmd.Context(), c, retries, healthTimeout, retryDelay) {
					return exitError{code: 10, msg: "health check failed: runtime not ready"}
				}
				c.Timeout = 20 * time.Second
				var err error
				report, err = c.SelfCheck(cmd.Context())
				if err != nil {
					var apiErr *blabsdk.APIError
					if errors.As(err, &apiErr) {
						fmt.Println(apiErr.Body)
						return exitError{code: 20, msg: fmt.Sprintf("self-check endpoint returned HTTP %d", apiErr.StatusCode)}
					}
					return exitError{code: 20, msg: fmt.Sprintf("self-check request failed: %v", err)}
				}
			}
			if err := printJSON(report); err != nil {
				return err
			}
			if report.OK {
				return nil
			}
			var lines []string
			for _, c := range report.Failed() {
				name := c.Name
				if name == "" {
					name = "unknown"
				}
				lines = append(lines, fmt.Sprintf("[FAILED] %s: %s", name, c.Detail))
			}
			return exitError{code: 1, msg: strings.Join(lines, "\n")}
		},
	}
	cmd.Flags().StringVar(&endpoint, "endpoint", blabsdk.DefaultBaseURL, "housekeeper base URL")
	cmd.Flags().StringVar(&token, "token", "", "bearer token (defaults to BLAB_HOUSEKEEPER_TOKEN)")
	cmd.Flags().IntVar(&retries, "health-retries", 3, "health-check attempts before the self-check")
	cmd.Flags().DurationVar(&healthTimeout, "health-timeout", 2*time.Second, "per health-check timeout")
	cmd.Flags().DurationVar(&retryDelay, "retry-delay", 700*time.Millisecond, "delay between health attempts")
	cmd.Flags().BoolVar(&local, "local", false, "run the checks in-process")
	return cmd
}

func waitHealthy(ctx context.Context, c *blabsdk.Client, retries int, timeout, delay time.Duration) bool {
	for attempt := 1; attempt <= retries; attempt++ {
		hctx, cancel := context.WithTimeout(ctx, timeout)
		h, err := c.Health(hctx)
		cancel()
		if err == nil && h.OK {
			return true
		}
		if attempt < retries {
			select {
			case <-ctx.Done():
				return false
			case <-time.After(delay):
			}
		}
	}
	return false
}

// endpointToken prefers the flag, then BLAB_HOUSEKEEPER_TOKEN from the
// environment or the workspace .env.
func endpointToken(flag string) string {
	if flag != "" {
		return flag
	}
	if err := app.LoadEnv(viper.GetString("workspace")); err != nil {
		logger.Warn("load .env failed", zap.Error(err))
	}
	return viper.GetString("housekeeper-token")
}

func printOutcome(out agent.Outcome) error {
	return printOutcomeTo(os.Stdout, out)
}

func printOutcomeTo(w io.Writer, out agent.Outcome) error {
	if viper.GetBool("json") {
		return printJSON(out)
	}
	fmt.Fprintf(w, "stage: %s\n", out.Stage)
	printPlan(w, "plan", out.Plan)
	if out.RepairPlan != nil {
		printPlan(w, "repair plan", *out.RepairPlan)
	}
	if out.Execution != nil {
		tw := newTable(table.Row{"Operation", "OK", "Message"})
		for _, e := range out.Execution.Entries {
			tw.AppendRow(table.Row{e.OperationID, e.Success, e.Message})
		}
		fmt.Fprintln(w, tw.Render())
		fmt.Fprintln(w, out.Execution.Summary())
		for _, p := range out.Execution.OrphanedAttachments {
			fmt.Fprintf(w, "orphaned attachment: %s\n", p)
		}
	}
	if out.Verification != nil {
		printVerification(w, *out.Verification)
	}
	return nil
}

func printPlan(w io.Writer, title string, p plan.Plan) {
	if len(p.Operations) > 0 {
		tw := newTable(table.Row{"Operation", "Action", "Entity", "Target", "Fields"})
		tw.SetTitle(title)
		for i, op := range p.Operations {
			var fields []string
			for _, f := range op.Fields {
				fields = append(fields, fmt.Sprintf("%s=%s", f.Name, f.Value))
			}
			tw.AppendRow(table.Row{plan.OperationID(i), op.Action, op.Entity, op.TargetName(), strings.Join(fields, "; ")})
		}
		fmt.Fprintln(w, tw.Render())
	} else {
		fmt.Fprintf(w, "%s: no operations\n", title)
	}
	if p.NeedsClarification() {
		fmt.Fprintf(w, "clarification: %s\n", p.Clarification)
	}
}

func printVerification(w io.Writer, v verify.Result) {
	for _, f := range v.Failures() {
		fmt.Fprintf(w, "MISMATCH %s: %s\n", f.OperationID, f.Message)
	}
	fmt.Fprintln(w, "verification:", v.Summary())
}
