// Package server exposes the housekeeper loop on a loopback HTTP endpoint.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"path"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/danielgtaylor/huma/v2"
	humachi "github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"blab/internal/agent"
	"blab/internal/config"
	"blab/internal/engine/auth"
	"blab/internal/llm"
	"blab/internal/repo"
)

const basePath = "/housekeeper"

// Config for the control endpoint.
type Config struct {
	Loop        agent.Loop
	Repo        repo.Repo
	Housekeeper config.HousekeeperConfig
	Webhooks    []config.WebhookConfig
	// Token is the shared secret; empty disables authentication.
	Token     string
	Log       *zap.Logger
	SelfCheck func(context.Context) agent.Report
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"configuration_error"`
	Message string         `json:"message" example:"model access not configured: model access is disabled"`
	Details map[string]any `json:"details,omitempty"`
}

// apiError models the error envelope.
type apiError struct {
	status int
	Body   apiErrorBody `json:"error"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Body.Message }

type requestIDKey struct{}

// Server owns the handler and the runtime counters reported by health.
type Server struct {
	cfg      Config
	log      *zap.Logger
	handler  http.Handler
	cache    *idempotencyCache
	requests atomic.Int64
	port     atomic.Int64
	draining atomic.Bool
}

func New(cfg Config) (*Server, error) {
	log := cfg.Log
	if log == nil {
		log = zap.NewNop()
	}
	if cfg.SelfCheck == nil {
		cfg.SelfCheck = func(ctx context.Context) agent.Report { return agent.SelfCheck(ctx, log.Named("self-check")) }
	}
	s := &Server{
		cfg:   cfg,
		log:   log,
		cache: newIdempotencyCache(cfg.Housekeeper.IdempotencyCapacity, cfg.Housekeeper.IdempotencyTTL()),
	}
	s.port.Store(int64(cfg.Housekeeper.Port))

	huma.DefaultArrayNullable = false
	huma.NewError = func(status int, msg string, errs ...error) huma.StatusError {
		return newAPIError(status, "", msg, nil)
	}
	huma.NewErrorWithContext = func(_ huma.Context, status int, msg string, errs ...error) huma.StatusError {
		if status == http.StatusUnprocessableEntity {
			status = http.StatusBadRequest
		}
		var details map[string]any
		if len(errs) > 0 {
			msgs := make([]string, 0, len(errs))
			for _, e := range errs {
				msgs = append(msgs, e.Error())
			}
			details = map[string]any{"errors": msgs}
		}
		return newAPIError(status, "", msg, details)
	}

	router := chi.NewRouter()
	router.Use(s.requestLog)
	router.Use(middleware.Recoverer)
	router.Use(newAuthMiddleware(basePath, cfg.Token, log))
	hcfg := huma.DefaultConfig("Blab Housekeeper API", "0.1.0")
	hcfg.OpenAPIPath = ""
	hcfg.DocsPath = ""
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	registerHealth(group, s)
	registerExecute(group, s)
	registerSelfCheck(group, s)
	registerOpenAPI(router, api)

	s.handler = router
	return s, nil
}

func (s *Server) Handler() http.Handler { return s.handler }

// ListenAndServe binds the configured loopback address and serves until ctx
// is done.
func (s *Server) ListenAndServe(ctx context.Context) error {
	addr := s.cfg.Housekeeper.ListenAddr()
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return err
	}
	if ip := net.ParseIP(host); host != "localhost" && (ip == nil || !ip.IsLoopback()) {
		return fmt.Errorf("refusing to bind non-loopback address %s", addr)
	}
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	return s.Serve(ctx, ln)
}

// Serve runs the endpoint and the webhook dispatcher on ln until ctx is done.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	if tcp, ok := ln.Addr().(*net.TCPAddr); ok {
		s.port.Store(int64(tcp.Port))
	}
	srv := &http.Server{Handler: s.handler, ReadHeaderTimeout: 10 * time.Second}
	hooksDone := make(chan struct{})
	hookCtx, stopHooks := context.WithCancel(ctx)
	go func() {
		defer close(hooksDone)
		newWebhookDispatcher(s.cfg.Repo, s.cfg.Webhooks, s.log.Named("webhooks")).run(hookCtx)
	}()

	errc := make(chan error, 1)
	go func() { errc <- srv.Serve(ln) }()
	s.log.Info("housekeeper listening", zap.String("addr", ln.Addr().String()), zap.Bool("token_required", s.cfg.Token != ""))

	var err error
	select {
	case <-ctx.Done():
		s.draining.Store(true)
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		err = srv.Shutdown(shutdownCtx)
		cancel()
		<-errc
	case err = <-errc:
	}
	stopHooks()
	<-hooksDone
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

func (s *Server) requestLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := strings.TrimSpace(r.Header.Get("X-Request-ID"))
		if id == "" {
			id = uuid.NewString()
		}
		w.Header().Set("X-Request-ID", id)
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r.WithContext(context.WithValue(r.Context(), requestIDKey{}, id)))
		s.log.Info("request",
			zap.String("request_id", id),
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.Status()),
			zap.Duration("duration", time.Since(start)))
	})
}

func requestID(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey{}).(string)
	return id
}

func newAPIError(status int, code, message string, details map[string]any) huma.StatusError {
	if code == "" {
		code = defaultCodeForStatus(status)
	}
	return &apiError{
		status: status,
		Body: apiErrorBody{
			Code:    code,
			Message: message,
			Details: details,
		},
	}
}

func handleError(err error) huma.StatusError {
	if err == nil {
		return nil
	}
	var cfgErr agent.ConfigurationError
	if errors.As(err, &cfgErr) {
		return newAPIError(http.StatusServiceUnavailable, "configuration_error", err.Error(), nil)
	}
	var te *llm.TransportError
	if errors.As(err, &te) {
		details := map[string]any{"provider": te.Provider, "kind": te.Kind}
		if te.Status != 0 {
			details["status"] = te.Status
		}
		return newAPIError(http.StatusBadGateway, "transport_error", err.Error(), details)
	}
	var pe *agent.ParseError
	if errors.As(err, &pe) {
		return newAPIError(http.StatusBadGateway, "parse_error", err.Error(), map[string]any{"attempts": pe.Attempts})
	}
	var ue auth.UnknownActorError
	if errors.As(err, &ue) {
		return newAPIError(http.StatusBadRequest, "bad_request", err.Error(), map[string]any{"actor": ue.Ref})
	}
	if errors.Is(err, agent.ErrClarificationPending) {
		return newAPIError(http.StatusConflict, "clarification_pending", err.Error(), nil)
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return newAPIError(http.StatusGatewayTimeout, "timeout", err.Error(), nil)
	}
	return newAPIError(http.StatusInternalServerError, "internal_error", "internal error", map[string]any{"error": err.Error()})
}

func defaultCodeForStatus(status int) string {
	switch status {
	case http.StatusBadRequest:
		return "bad_request"
	case http.StatusUnauthorized:
		return "unauthorized"
	case http.StatusNotFound:
		return "not_found"
	case http.StatusConflict:
		return "conflict"
	case http.StatusInternalServerError:
		return "internal_error"
	default:
		return strings.ToLower(strings.ReplaceAll(http.StatusText(status), " ", "_"))
	}
}

func registerOpenAPI(r chi.Router, api huma.API) {
	var (
		once sync.Once
		doc  []byte
	)
	r.Get(path.Join(basePath, "openapi.json"), func(w http.ResponseWriter, r *http.Request) {
		once.Do(func() {
			oas := api.OpenAPI()
			ensureDefaultErrorResponses(oas)
			doc, _ = json.Marshal(oas)
		})
		w.Header().Set("Content-Type", "application/json")
		w.Write(doc)
	})
	r.Get(path.Join(basePath, "docs"), func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		io.WriteString(w, docsHTML)
	})
}

func ensureDefaultErrorResponses(oas *huma.OpenAPI) {
	if oas == nil || oas.Paths == nil {
		return
	}
	for _, item := range oas.Paths {
		for _, op := range []*huma.Operation{item.Get, item.Put, item.Post, item.Delete, item.Patch} {
			if op == nil {
				continue
			}
			if op.Responses == nil {
				op.Responses = map[string]*huma.Response{}
			}
			op.Responses["default"] = &huma.Response{Description: "Error envelope {error:{code,message,details}}"}
		}
	}
}

const docsHTML = `<!doctype html>
<html lang="en">
  <head>
    <meta charset="utf-8"/>
    <title>Blab Housekeeper API</title>
    <link rel="stylesheet" href="https://unpkg.com/swagger-ui-dist@5/swagger-ui.css" />
  </head>
  <body>
    <div id="swagger-ui"></div>
    <script src="https://unpkg.com/swagger-ui-dist@5/swagger-ui-bundle.js" crossorigin></script>
    <script>
      window.onload = () => { SwaggerUIBundle({ url: '/housekeeper/openapi.json', dom_id: '#swagger-ui' }); };
    </script>
  </body>
</html>`

func registerHealth(api huma.API, s *Server) {
	huma.Register(api, huma.Operation{
		OperationID: "health",
		Method:      http.MethodGet,
		Path:        "/health",
		Summary:     "Runtime status",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body HealthResponse `json:"body"`
	}, error) {
		state := "ready"
		if s.draining.Load() {
			state = "draining"
		}
		return &struct {
			Body HealthResponse `json:"body"`
		}{Body: HealthResponse{
			OK:                    !s.draining.Load(),
			State:                 state,
			Port:                  int(s.port.Load()),
			RequestCount:          s.requests.Load(),
			IdempotencyEntryCount: s.cache.len(),
			TokenRequired:         s.cfg.Token != "",
		}}, nil
	})
}

type executeInput struct {
	IdempotencyKey string `header:"Idempotency-Key" doc:"Replays the cached response for a repeated key"`
	Body           ExecuteRequest
}

type executeOutput struct {
	Replay string `header:"X-Idempotent-Replay"`
	Body   ExecuteResponse
}

func registerExecute(api huma.API, s *Server) {
	huma.Register(api, huma.Operation{
		OperationID: "execute",
		Method:      http.MethodPost,
		Path:        "/execute",
		Summary:     "Plan and optionally execute an instruction",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusUnauthorized,
			http.StatusInternalServerError,
			http.StatusBadGateway,
			http.StatusServiceUnavailable,
		},
	}, func(ctx context.Context, input *executeInput) (*executeOutput, error) {
		s.requests.Add(1)
		instruction := strings.TrimSpace(input.Body.Instruction)
		if instruction == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "instruction is required", nil)
		}
		actor := strings.TrimSpace(input.Body.ActorUsername)
		if actor == "" {
			if p, ok := principalFromContext(ctx); ok {
				actor = p.Actor
			}
		}
		id := requestID(ctx)
		resp, replay, err := s.cache.do(strings.TrimSpace(input.IdempotencyKey), func() (ExecuteResponse, error) {
			// a keyed execution finishes even if its caller goes away
			out, err := s.cfg.Loop.Run(context.WithoutCancel(ctx), agent.Request{
				Instruction: instruction,
				AutoExecute: input.Body.AutoExecute,
				Actor:       actor,
			})
			if err != nil {
				return ExecuteResponse{}, err
			}
			return newExecuteResponse(id, instruction, out), nil
		})
		if err != nil {
			s.log.Warn("execute failed", zap.String("request_id", id), zap.Error(err))
			return nil, handleError(err)
		}
		out := &executeOutput{Body: resp}
		if replay {
			out.Replay = "true"
		}
		s.log.Info("execute finished",
			zap.String("request_id", id),
			zap.String("stage", string(resp.Stage)),
			zap.Bool("replay", replay),
			zap.String("actor", actor))
		return out, nil
	})
}

func registerSelfCheck(api huma.API, s *Server) {
	huma.Register(api, huma.Operation{
		OperationID: "self-check",
		Method:      http.MethodGet,
		Path:        "/self-check",
		Summary:     "Run the built-in loop guard checks",
		Errors:      []int{http.StatusUnauthorized},
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body SelfCheckResponse `json:"body"`
	}, error) {
		report := s.cfg.SelfCheck(ctx)
		if !report.OK {
			s.log.Warn("self-check failed", zap.Int("checks", len(report.Checks)))
		}
		return &struct {
			Body SelfCheckResponse `json:"body"`
		}{Body: SelfCheckResponse{OK: report.OK, Checks: report.Checks}}, nil
	})
}
