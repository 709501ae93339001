package blabsdk

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExecuteSendsHeadersAndReadsReplay(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/housekeeper/execute", r.URL.Path)
		assert.Equal(t, "Bearer tok", r.Header.Get("Authorization"))
		assert.Equal(t, "k-1", r.Header.Get("Idempotency-Key"))
		var req ExecuteRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "新建位置 B203", req.Instruction)
		assert.True(t, req.AutoExecute)

		w.Header().Set("X-Idempotent-Replay", "true")
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"requestId":"r1","instruction":"新建位置 B203","stage":"executed",
			"plan":{"operations":[{"action":"create","entity":"location","fields":{"name":"B203"}}],"clarification":""},
			"execution":{"entries":[{"operationId":"op-1","success":true,"message":"created location B203"}],"successCount":1,"failureCount":0,"summary":"1 succeeded, 0 failed"},
			"trace":[],"stats":{"rounds":1,"retries":0,"toolCalls":0,"emptyToolResults":0}}`))
	}))
	defer srv.Close()

	c := New(srv.URL, "tok")
	res, err := c.Execute(context.Background(), ExecuteRequest{Instruction: "新建位置 B203", AutoExecute: true}, CallOptions{IdempotencyKey: "k-1"})
	require.NoError(t, err)
	assert.True(t, res.Replay)
	assert.Equal(t, "executed", res.Stage)
	assert.Equal(t, "B203", res.Plan.Operations[0].Fields["name"])
	require.NotNil(t, res.Execution)
	assert.Equal(t, 1, res.Execution.SuccessCount)
}

func TestAPIErrorEnvelope(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte(`{"error":{"code":"configuration_error","message":"model access not configured"}}`))
	}))
	defer srv.Close()

	_, err := New(srv.URL, "").SelfCheck(context.Background())
	var apiErr *APIError
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, http.StatusServiceUnavailable, apiErr.StatusCode)
	assert.Equal(t, "configuration_error", apiErr.Code)
}

func TestSelfCheckFailed(t *testing.T) {
	r := SelfCheckReport{Checks: []Check{{Name: "a", Passed: true}, {Name: "b"}}}
	require.Len(t, r.Failed(), 1)
	assert.Equal(t, "b", r.Failed()[0].Name)
}
