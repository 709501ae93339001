package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"blab/internal/app"
	"blab/internal/config"
	"blab/internal/db"
	"blab/internal/domain"
	"blab/internal/logging"
	"blab/internal/migrate"
	"blab/internal/repo"
	"blab/internal/server"
)

var logger = zap.NewNop()

var rootCmd = &cobra.Command{
	Use:   "blab",
	Short: "Blab lab inventory housekeeper",
	Long: `Blab keeps a shared lab inventory: items, locations, events and members.
- Workspace: a directory holding blab.yml and the .blab database.
- Housekeeper: turns an instruction such as "把示波器借给 Ben" into a plan of create, update and delete operations, executes it, repairs failures once and verifies the result.
- Clarification: when an instruction is ambiguous the plan carries a question and nothing is executed until it is answered.
- Control endpoint: 'blab serve' exposes the housekeeper on 127.0.0.1 for other tools.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		l, err := logging.New(logging.Options{
			Level:  viper.GetString("log-level"),
			Format: viper.GetString("log-format"),
		})
		if err != nil {
			return err
		}
		logger = l
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		_ = logger.Sync()
	},
}

// exitError carries a process exit code out of a command.
type exitError struct {
	code int
	msg  string
}

func (e exitError) Error() string { return e.msg }

func main() {
	cobra.OnInitialize(initConfig)
	addPersistentFlags()
	registerCommands()
	if err := rootCmd.Execute(); err != nil {
		var ee exitError
		if errors.As(err, &ee) {
			if ee.msg != "" {
				fmt.Fprintln(os.Stderr, ee.msg)
			}
			os.Exit(ee.code)
		}
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func initConfig() {
	viper.SetEnvPrefix("BLAB")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().String("log-level", "warn", "log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().String("log-format", "console", "log format (json, console)")
	_ = viper.BindPFlag("workspace", rootCmd.PersistentFlags().Lookup("workspace"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
	_ = viper.BindPFlag("log-level", rootCmd.PersistentFlags().Lookup("log-level"))
	_ = viper.BindPFlag("log-format", rootCmd.PersistentFlags().Lookup("log-format"))
}

func registerCommands() {
	rootCmd.AddCommand(initCmd())
	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(planCmd())
	rootCmd.AddCommand(runCmd())
	rootCmd.AddCommand(sendCmd())
	rootCmd.AddCommand(selfCheckCmd())
	rootCmd.AddCommand(listCmd())
	rootCmd.AddCommand(logCmd())
	rootCmd.AddCommand(tokenCmd())
}

func initCmd() *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Create blab.yml and the workspace database",
		RunE: func(cmd *cobra.Command, args []string) error {
			workspace := viper.GetString("workspace")
			if _, err := db.EnsureWorkspace(workspace); err != nil {
				return err
			}
			path := config.Path(workspace)
			if _, err := os.Stat(path); err == nil && !force {
				fmt.Printf("%s already exists (use --force to overwrite)\n", path)
			} else {
				if err := os.WriteFile(path, []byte(config.GenerateDefault()), 0o644); err != nil {
					return err
				}
				fmt.Printf("Wrote %s\n", path)
			}
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				fmt.Printf("Database ready at %s\n", db.Path(workspace))
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "overwrite an existing blab.yml")
	return cmd
}

func listCmd() *cobra.Command {
	list := &cobra.Command{Use: "list", Short: "List inventory records"}
	list.AddCommand(&cobra.Command{
		Use:   "items",
		Short: "List items",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				items, err := r.ListItems(ctx)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := newTable(table.Row{"ID", "Name", "Status", "Qty", "Visibility", "Locations", "Responsible"})
				for _, it := range items {
					qty := ""
					if it.Quantity != nil {
						qty = fmt.Sprintf("%d", *it.Quantity)
					}
					tw.AppendRow(table.Row{shortID(it.ID), it.Name, it.Status, qty, it.Visibility, strings.Join(it.Locations, ", "), strings.Join(it.ResponsibleMembers, ", ")})
				}
				fmt.Println(tw.Render())
				return nil
			})
		},
	})
	list.AddCommand(&cobra.Command{
		Use:   "locations",
		Short: "List locations",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				locs, err := r.ListLocations(ctx)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(locs)
				}
				tw := newTable(table.Row{"ID", "Name", "Status", "Parent"})
				for _, l := range locs {
					tw.AppendRow(table.Row{shortID(l.ID), l.Name, l.Status, l.Parent})
				}
				fmt.Println(tw.Render())
				return nil
			})
		},
	})
	list.AddCommand(&cobra.Command{
		Use:   "events",
		Short: "List events",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				events, err := r.ListEvents(ctx)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(events)
				}
				tw := newTable(table.Row{"ID", "Title", "Start", "End", "Participants", "Locations"})
				for _, ev := range events {
					tw.AppendRow(table.Row{shortID(ev.ID), ev.Title, ev.StartTime, ev.EndTime, strings.Join(ev.Participants, ", "), strings.Join(ev.Locations, ", ")})
				}
				fmt.Println(tw.Render())
				return nil
			})
		},
	})
	list.AddCommand(&cobra.Command{
		Use:   "members",
		Short: "List members",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				members, err := r.ListMembers(ctx)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(members)
				}
				tw := newTable(table.Row{"ID", "Name", "Username", "Status", "Contact"})
				for _, m := range members {
					tw.AppendRow(table.Row{shortID(m.ID), m.Name, m.Username, m.Status, m.Contact})
				}
				fmt.Println(tw.Render())
				return nil
			})
		},
	})
	return list
}

func logCmd() *cobra.Command {
	lg := &cobra.Command{Use: "log", Short: "Audit log"}
	lg.AddCommand(logTailCmd())
	return lg
}

func logTailCmd() *cobra.Command {
	var n int
	var actionType, entityKind, entityID string
	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Show the latest audit entries",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				entries, err := r.LatestLogs(ctx, n, actionType, entityKind, entityID)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(entries)
				}
				printLogs(entries)
				return nil
			})
		},
	}
	cmd.Flags().IntVar(&n, "n", 20, "number of entries")
	cmd.Flags().StringVar(&actionType, "action", "", "action filter (create, update, delete)")
	cmd.Flags().StringVar(&entityKind, "entity-kind", "", "entity kind")
	cmd.Flags().StringVar(&entityID, "entity-id", "", "entity id")
	return cmd
}

func tokenCmd() *cobra.Command {
	tok := &cobra.Command{Use: "token", Short: "Control endpoint tokens"}
	var actor string
	var ttl time.Duration
	mint := &cobra.Command{
		Use:   "mint",
		Short: "Sign a token that acts as a member",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := app.LoadEnv(viper.GetString("workspace")); err != nil {
				return err
			}
			cfg, err := app.LoadConfig(app.Options{Workspace: viper.GetString("workspace")})
			if err != nil {
				return err
			}
			secret := cfg.Housekeeper.Token()
			if secret == "" {
				return fmt.Errorf("%s is not set", cfg.Housekeeper.TokenEnv)
			}
			token, err := server.MintToken(secret, actor, ttl, time.Now())
			if err != nil {
				return err
			}
			fmt.Println(token)
			return nil
		},
	}
	mint.Flags().StringVar(&actor, "actor", "", "member username the token acts as")
	mint.Flags().DurationVar(&ttl, "ttl", 24*time.Hour, "token lifetime (0 for no expiry)")
	_ = mint.MarkFlagRequired("actor")
	tok.AddCommand(mint)
	return tok
}

// --- helpers ---

func openApp(ctx context.Context) (*app.App, error) {
	return app.Open(ctx, app.Options{Workspace: viper.GetString("workspace"), Log: logger})
}

func withRepo(ctx context.Context, fn func(context.Context, repo.Repo) error) error {
	workspace := viper.GetString("workspace")
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		return err
	}
	defer conn.Close()
	if _, err := migrate.MigrateContext(ctx, conn); err != nil {
		return err
	}
	return fn(ctx, repo.Repo{DB: conn})
}

func newTable(header table.Row) table.Writer {
	tw := table.NewWriter()
	tw.SetStyle(table.StyleLight)
	tw.AppendHeader(header)
	return tw
}

func printLogs(entries []domain.LogEntry) {
	tw := newTable(table.Row{"ID", "Time", "Action", "Entity", "Details"})
	for _, e := range entries {
		tw.AppendRow(table.Row{e.ID, e.TS, e.ActionType, e.EntityKind, e.Details})
	}
	fmt.Println(tw.Render())
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	enc.SetEscapeHTML(false)
	return enc.Encode(v)
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
