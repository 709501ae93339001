package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"go.uber.org/goleak"

	"blab/internal/agent"
	"blab/internal/config"
	"blab/internal/db"
	"blab/internal/engine"
	"blab/internal/llm"
	"blab/internal/llm/llmtest"
	"blab/internal/migrate"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

const secret = "s3cret"

type fixture struct {
	srv    *Server
	http   *httptest.Server
	engine engine.Engine
}

type options struct {
	token    string
	settings *config.ModelConfig
	client   llm.Client
	check    func(context.Context) agent.Report
}

func newFixture(t *testing.T, opts options) *fixture {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if _, err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	eng := engine.New(conn, nil)
	settings := config.ModelConfig{Provider: "openai", APIKey: "sk-test", Enabled: true}
	if opts.settings != nil {
		settings = *opts.settings
	}
	planner := agent.NewPlanner(settings, opts.client, agent.DefaultPrompts(), agent.DefaultLimits(), nil)
	cfg := config.Default()
	s, err := New(Config{
		Loop:        agent.Loop{Planner: planner, Executor: eng},
		Repo:        eng.Repo,
		Housekeeper: cfg.Housekeeper,
		Token:       opts.token,
		SelfCheck:   opts.check,
	})
	if err != nil {
		t.Fatalf("build server: %v", err)
	}
	f := &fixture{srv: s, http: httptest.NewServer(s.Handler()), engine: eng}
	t.Cleanup(func() {
		f.http.Close()
		conn.Close()
	})
	return f
}

func doJSON(t *testing.T, client *http.Client, method, url string, body any, headers map[string]string) (*http.Response, []byte) {
	t.Helper()
	var reader io.Reader = bytes.NewReader(nil)
	switch b := body.(type) {
	case nil:
	case string:
		reader = bytes.NewReader([]byte(b))
	default:
		data, err := json.Marshal(b)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(data)
	}
	req, err := http.NewRequest(method, url, reader)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	res, err := client.Do(req)
	if err != nil {
		t.Fatalf("do request: %v", err)
	}
	defer res.Body.Close()
	data, err := io.ReadAll(res.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	return res, data
}

func decode(t *testing.T, data []byte) map[string]any {
	t.Helper()
	var out map[string]any
	if err := json.Unmarshal(data, &out); err != nil {
		t.Fatalf("unmarshal %s: %v", string(data), err)
	}
	return out
}

func errorCode(t *testing.T, data []byte) string {
	t.Helper()
	env, ok := decode(t, data)["error"].(map[string]any)
	if !ok {
		t.Fatalf("expected error envelope, got %s", string(data))
	}
	code, _ := env["code"].(string)
	return code
}

const createLocation = `{"operations":[{"action":"create","entity":"location","fields":{"name":"B203"}}]}`

func TestHealthIsOpen(t *testing.T) {
	f := newFixture(t, options{token: secret, client: llmtest.Texts()})
	res, data := doJSON(t, f.http.Client(), http.MethodGet, f.http.URL+"/housekeeper/health", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("health status %d: %s", res.StatusCode, string(data))
	}
	body := decode(t, data)
	if body["ok"] != true || body["state"] != "ready" || body["tokenRequired"] != true {
		t.Fatalf("unexpected health body %v", body)
	}
	if body["port"] != float64(48765) || body["requestCount"] != float64(0) || body["idempotencyEntryCount"] != float64(0) {
		t.Fatalf("unexpected counters %v", body)
	}
}

func TestTokenRequired(t *testing.T) {
	f := newFixture(t, options{token: secret, client: llmtest.Texts(createLocation, createLocation)})
	url := f.http.URL + "/housekeeper/execute"
	req := map[string]any{"instruction": "新建位置 B203"}

	for name, headers := range map[string]map[string]string{
		"missing":   nil,
		"wrong":     {"Authorization": "Bearer nope"},
		"malformed": {"Authorization": "Token " + secret},
	} {
		res, data := doJSON(t, f.http.Client(), http.MethodPost, url, req, headers)
		if res.StatusCode != http.StatusUnauthorized || errorCode(t, data) != "unauthorized" {
			t.Fatalf("%s: expected 401 unauthorized, got %d %s", name, res.StatusCode, string(data))
		}
	}
	res, data := doJSON(t, f.http.Client(), http.MethodPost, url, req, map[string]string{"Authorization": "Bearer " + secret})
	if res.StatusCode != http.StatusOK {
		t.Fatalf("bearer secret: %d %s", res.StatusCode, string(data))
	}
	res, data = doJSON(t, f.http.Client(), http.MethodPost, url, req, map[string]string{"X-Housekeeper-Token": secret})
	if res.StatusCode != http.StatusOK {
		t.Fatalf("token header: %d %s", res.StatusCode, string(data))
	}
	res, data = doJSON(t, f.http.Client(), http.MethodGet, f.http.URL+"/housekeeper/self-check", nil, nil)
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("self-check without token: %d %s", res.StatusCode, string(data))
	}
}

func TestJWTSubjectActsAsMember(t *testing.T) {
	f := newFixture(t, options{token: secret, client: llmtest.Texts(createLocation)})
	token, err := MintToken(secret, "ghost", time.Hour, time.Now())
	if err != nil {
		t.Fatalf("mint: %v", err)
	}
	res, data := doJSON(t, f.http.Client(), http.MethodPost, f.http.URL+"/housekeeper/execute",
		map[string]any{"instruction": "新建位置 B203", "autoExecute": true},
		map[string]string{"Authorization": "Bearer " + token})
	if res.StatusCode != http.StatusBadRequest || errorCode(t, data) != "bad_request" {
		t.Fatalf("expected unknown actor to be rejected, got %d %s", res.StatusCode, string(data))
	}

	other, err := MintToken("another-secret", "ghost", time.Hour, time.Now())
	if err != nil {
		t.Fatalf("mint: %v", err)
	}
	res, _ = doJSON(t, f.http.Client(), http.MethodPost, f.http.URL+"/housekeeper/execute",
		map[string]any{"instruction": "x"}, map[string]string{"Authorization": "Bearer " + other})
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("foreign signature accepted: %d", res.StatusCode)
	}
}

func TestExecuteScenarioA(t *testing.T) {
	reply := `{"operations":[{"action":"create","entity":"member","fields":{"name":"小王","username":"wangx"}}],"clarification":""}`
	f := newFixture(t, options{client: llmtest.Texts(reply)})
	res, data := doJSON(t, f.http.Client(), http.MethodPost, f.http.URL+"/housekeeper/execute",
		map[string]any{"instruction": "新增成员小王，用户名 wangx", "autoExecute": true},
		map[string]string{"X-Request-ID": "req-42"})
	if res.StatusCode != http.StatusOK {
		t.Fatalf("execute: %d %s", res.StatusCode, string(data))
	}
	if got := res.Header.Get("X-Request-ID"); got != "req-42" {
		t.Fatalf("request id not echoed: %q", got)
	}
	body := decode(t, data)
	if body["requestId"] != "req-42" || body["stage"] != "executed" {
		t.Fatalf("unexpected body %v", body)
	}
	exec := body["execution"].(map[string]any)
	if exec["successCount"] != float64(1) || exec["failureCount"] != float64(0) {
		t.Fatalf("unexpected execution %v", exec)
	}
	if body["verification"].(map[string]any)["summary"] != "1 verified, 0 mismatched" {
		t.Fatalf("unexpected verification %v", body["verification"])
	}
	members, err := f.engine.Repo.ListMembers(context.Background())
	if err != nil || len(members) != 1 || members[0].Username != "wangx" {
		t.Fatalf("member not stored: %v %v", members, err)
	}
}

func TestExecuteGeneratesRequestID(t *testing.T) {
	f := newFixture(t, options{client: llmtest.Texts(`{"operations":[]}`)})
	res, data := doJSON(t, f.http.Client(), http.MethodPost, f.http.URL+"/housekeeper/execute", map[string]any{"instruction": "hello"}, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("execute: %d %s", res.StatusCode, string(data))
	}
	id := res.Header.Get("X-Request-ID")
	if id == "" || decode(t, data)["requestId"] != id {
		t.Fatalf("request id %q not reflected in %s", id, string(data))
	}
}

func TestIdempotentReplay(t *testing.T) {
	client := llmtest.Texts(createLocation, createLocation)
	f := newFixture(t, options{client: client})
	url := f.http.URL + "/housekeeper/execute"
	req := map[string]any{"instruction": "新建位置 B203", "autoExecute": true}
	headers := map[string]string{"Idempotency-Key": "k-1"}

	first, firstBody := doJSON(t, f.http.Client(), http.MethodPost, url, req, headers)
	if first.StatusCode != http.StatusOK {
		t.Fatalf("first: %d %s", first.StatusCode, string(firstBody))
	}
	if first.Header.Get("X-Idempotent-Replay") == "true" {
		t.Fatalf("first call marked as replay")
	}
	logs, err := f.engine.Repo.CountLogs(context.Background())
	if err != nil {
		t.Fatalf("count logs: %v", err)
	}

	second, secondBody := doJSON(t, f.http.Client(), http.MethodPost, url, req, headers)
	if second.StatusCode != http.StatusOK || second.Header.Get("X-Idempotent-Replay") != "true" {
		t.Fatalf("second: %d replay=%q", second.StatusCode, second.Header.Get("X-Idempotent-Replay"))
	}
	if !bytes.Equal(firstBody, secondBody) {
		t.Fatalf("replay differs:\n%s\n%s", string(firstBody), string(secondBody))
	}
	after, _ := f.engine.Repo.CountLogs(context.Background())
	if after != logs || client.CallCount() != 1 {
		t.Fatalf("replay re-executed: logs %d->%d, model calls %d", logs, after, client.CallCount())
	}

	_, health := doJSON(t, f.http.Client(), http.MethodGet, f.http.URL+"/housekeeper/health", nil, nil)
	body := decode(t, health)
	if body["requestCount"] != float64(2) || body["idempotencyEntryCount"] != float64(1) {
		t.Fatalf("unexpected health %v", body)
	}
}

func TestConcurrentKeyedRequestsExecuteOnce(t *testing.T) {
	client := llmtest.Texts(createLocation, createLocation, createLocation)
	f := newFixture(t, options{client: client})
	var wg sync.WaitGroup
	bodies := make([][]byte, 3)
	for i := range bodies {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			req, _ := http.NewRequest(http.MethodPost, f.http.URL+"/housekeeper/execute",
				bytes.NewReader([]byte(`{"instruction":"新建位置 B203","autoExecute":true}`)))
			req.Header.Set("Content-Type", "application/json")
			req.Header.Set("Idempotency-Key", "same")
			res, err := f.http.Client().Do(req)
			if err != nil {
				return
			}
			defer res.Body.Close()
			bodies[i], _ = io.ReadAll(res.Body)
		}(i)
	}
	wg.Wait()
	for i := 1; i < len(bodies); i++ {
		if !bytes.Equal(bodies[0], bodies[i]) {
			t.Fatalf("responses differ:\n%s\n%s", string(bodies[0]), string(bodies[i]))
		}
	}
	if client.CallCount() != 1 {
		t.Fatalf("expected one execution, model called %d times", client.CallCount())
	}
}

func TestErrorMapping(t *testing.T) {
	disabled := config.ModelConfig{Provider: "openai"}
	cases := []struct {
		name   string
		opts   options
		body   any
		status int
		code   string
	}{
		{"configuration", options{settings: &disabled, client: llmtest.Texts()}, map[string]any{"instruction": "x"}, http.StatusServiceUnavailable, "configuration_error"},
		{"parse", options{client: llmtest.Texts("no", "still no", "never")}, map[string]any{"instruction": "x"}, http.StatusBadGateway, "parse_error"},
		{"transport", options{client: llmtest.New(llmtest.Reply{Err: &llm.TransportError{Provider: "openai", Kind: llm.KindAuth, Status: 401, Err: io.EOF}})}, map[string]any{"instruction": "x"}, http.StatusBadGateway, "transport_error"},
		{"blank instruction", options{client: llmtest.Texts()}, map[string]any{"instruction": "   "}, http.StatusBadRequest, "bad_request"},
		{"empty instruction", options{client: llmtest.Texts()}, map[string]any{"instruction": ""}, http.StatusBadRequest, "bad_request"},
		{"unknown field", options{client: llmtest.Texts()}, map[string]any{"instruction": "x", "dryRun": true}, http.StatusBadRequest, "bad_request"},
		{"not json", options{client: llmtest.Texts()}, "{", http.StatusBadRequest, "bad_request"},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			f := newFixture(t, c.opts)
			res, data := doJSON(t, f.http.Client(), http.MethodPost, f.http.URL+"/housekeeper/execute", c.body, nil)
			if res.StatusCode != c.status || errorCode(t, data) != c.code {
				t.Fatalf("expected %d %s, got %d %s", c.status, c.code, res.StatusCode, string(data))
			}
		})
	}
}

func TestClarificationIsNotExecuted(t *testing.T) {
	reply := `{"operations":[{"action":"update","entity":"item","target":"示波器","fields":{"status":"borrowed"}}],"clarification":"哪一台示波器？"}`
	f := newFixture(t, options{client: llmtest.Texts(reply)})
	res, data := doJSON(t, f.http.Client(), http.MethodPost, f.http.URL+"/housekeeper/execute",
		map[string]any{"instruction": "把示波器改成借出", "autoExecute": true}, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("execute: %d %s", res.StatusCode, string(data))
	}
	body := decode(t, data)
	if body["stage"] != "clarification" || body["execution"] != nil {
		t.Fatalf("clarification plan executed: %v", body)
	}
	if n, _ := f.engine.Repo.CountLogs(context.Background()); n != 0 {
		t.Fatalf("store mutated: %d log entries", n)
	}
}

func TestSelfCheckEndpoint(t *testing.T) {
	failing := func(context.Context) agent.Report {
		return agent.Report{OK: false, Checks: []agent.Check{{Name: "repair_pass", Passed: false, Detail: "boom"}}}
	}
	f := newFixture(t, options{client: llmtest.Texts(), check: failing})
	res, data := doJSON(t, f.http.Client(), http.MethodGet, f.http.URL+"/housekeeper/self-check", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("self-check: %d %s", res.StatusCode, string(data))
	}
	body := decode(t, data)
	if body["ok"] != false || len(body["checks"].([]any)) != 1 {
		t.Fatalf("unexpected report %v", body)
	}

	f = newFixture(t, options{client: llmtest.Texts()})
	_, data = doJSON(t, f.http.Client(), http.MethodGet, f.http.URL+"/housekeeper/self-check", nil, nil)
	if decode(t, data)["ok"] != true {
		t.Fatalf("built-in checks failed: %s", string(data))
	}
}

func TestOpenAPIDocument(t *testing.T) {
	f := newFixture(t, options{client: llmtest.Texts()})
	res, data := doJSON(t, f.http.Client(), http.MethodGet, f.http.URL+"/housekeeper/openapi.json", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("openapi: %d", res.StatusCode)
	}
	paths, _ := decode(t, data)["paths"].(map[string]any)
	for _, p := range []string{"/housekeeper/health", "/housekeeper/execute", "/housekeeper/self-check"} {
		if _, ok := paths[p]; !ok {
			t.Fatalf("missing %s in %v", p, paths)
		}
	}
}

func TestServeLifecycle(t *testing.T) {
	f := newFixture(t, options{client: llmtest.Texts()})
	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- f.srv.Serve(ctx, ln) }()

	client := &http.Client{Transport: &http.Transport{DisableKeepAlives: true}}
	var body map[string]any
	for i := 0; i < 50; i++ {
		res, data := doJSON(t, client, http.MethodGet, "http://"+ln.Addr().String()+"/housekeeper/health", nil, nil)
		if res.StatusCode == http.StatusOK {
			body = decode(t, data)
			break
		}
		time.Sleep(20 * time.Millisecond)
	}
	if body == nil || body["port"] != float64(ln.Addr().(*net.TCPAddr).Port) {
		t.Fatalf("health did not report the bound port: %v", body)
	}
	cancel()
	if err := <-done; err != nil {
		t.Fatalf("serve: %v", err)
	}
}

func TestRefusesNonLoopback(t *testing.T) {
	s, err := New(Config{Housekeeper: config.HousekeeperConfig{Addr: "0.0.0.0", Port: 48765}})
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	if err := s.ListenAndServe(context.Background()); err == nil {
		t.Fatalf("expected non-loopback bind to be refused")
	}
}
