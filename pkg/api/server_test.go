package api

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/execlayer/kernel/pkg/audit"
	"github.com/execlayer/kernel/pkg/contracts"
	"github.com/execlayer/kernel/pkg/crypto"
	"github.com/execlayer/kernel/pkg/escalation"
	"github.com/execlayer/kernel/pkg/kernel"
	"github.com/execlayer/kernel/pkg/policy"
	"github.com/execlayer/kernel/pkg/tooling"
)

type testServer struct {
	srv  *httptest.Server
	sink *audit.MemorySink
}

func newTestServer(t *testing.T, opts ...ServerOption) *testServer {
	t.Helper()
	signer, err := crypto.NewHMACSigner([]byte("api_secret"), "k1")
	require.NoError(t, err)
	sink := audit.NewMemorySink()
	log, err := audit.Open(context.Background(), sink)
	require.NoError(t, err)
	approvals, err := escalation.NewManager(escalation.NewMemoryStore(), signer, time.Hour)
	require.NoError(t, err)
	k, err := kernel.New(policy.NewEngine(policy.DefaultBundle()), tooling.DefaultRegistry(), signer, log,
		kernel.WithApprovals(approvals))
	require.NoError(t, err)

	opts = append([]ServerOption{WithSessionIDSource(func() string { return "abcd1234" })}, opts...)
	srv := httptest.NewServer(NewServer(k, opts...).Handler())
	t.Cleanup(srv.Close)
	return &testServer{srv: srv, sink: sink}
}

func (ts *testServer) do(t *testing.T, method, path string, body any) (*http.Response, map[string]any) {
	t.Helper()
	var rdr io.Reader
	switch b := body.(type) {
	case nil:
	case string:
		rdr = strings.NewReader(b)
	default:
		data, err := json.Marshal(b)
		require.NoError(t, err)
		rdr = bytes.NewReader(data)
	}
	req, err := http.NewRequest(method, ts.srv.URL+path, rdr)
	require.NoError(t, err)
	resp, err := ts.srv.Client().Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	var out map[string]any
	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	if len(data) > 0 && strings.Contains(resp.Header.Get("Content-Type"), "json") {
		require.NoError(t, json.Unmarshal(data, &out), string(data))
	}
	return resp, out
}

func TestInfoEndpoints(t *testing.T) {
	ts := newTestServer(t)

	resp, body := ts.do(t, http.MethodGet, "/", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "demo", body["mode"])
	assert.Contains(t, body["message"], "ExecLayer Kernel")

	resp, body = ts.do(t, http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "healthy", body["status"])
	assert.Equal(t, kernel.Version, body["kernel_version"])
	assert.Equal(t, policy.DefaultBundleID, body["policy_bundle"])

	resp, body = ts.do(t, http.MethodGet, "/demo", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	scenarios, ok := body["scenarios"].([]any)
	require.True(t, ok)
	require.Len(t, scenarios, 4)
	first := scenarios[0].(map[string]any)
	assert.Equal(t, "AIGP2.1-II.A.3", first["control_id"])
	assert.Equal(t, "BLOCK", first["expected_verdict"])

	resp, body = ts.do(t, http.MethodPost, "/health", nil)
	assert.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)
	assert.Equal(t, "application/problem+json", resp.Header.Get("Content-Type"))
	assert.Equal(t, float64(http.StatusMethodNotAllowed), body["status"])

	resp, _ = ts.do(t, http.MethodGet, "/nowhere", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestIntercept_BlockReceipt(t *testing.T) {
	ts := newTestServer(t)

	resp, body := ts.do(t, http.MethodPost, "/intercept", map[string]any{
		"actor_id":     "u_42",
		"agent_id":     "agent_ops",
		"session_id":   "sess_x",
		"data_class":   "pii",
		"jurisdiction": "US",
		"tool_call": map[string]any{
			"function":   "upload_file",
			"parameters": map[string]any{"source": "c.csv", "destination": "https://public-bucket.example.com/data"},
		},
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	verdict := body["verdict"].(map[string]any)
	assert.Equal(t, "BLOCK", verdict["status"])
	assert.Equal(t, "DATA_SOVEREIGNTY", verdict["policy"].(map[string]any)["violation_key"])
	assert.Equal(t, "CRITICAL", verdict["risk"].(map[string]any)["tier"])
	assert.Equal(t, "u_42", body["actor"].(map[string]any)["id"])
	assert.Contains(t, body, "crypto")
	assert.Contains(t, body, "audit")

	entries, err := ts.sink.Entries(context.Background())
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}

func TestIntercept_Defaults(t *testing.T) {
	ts := newTestServer(t)

	resp, body := ts.do(t, http.MethodPost, "/intercept", map[string]any{
		"data_class": "TOP_SECRET",
		"tool_call": map[string]any{
			"function":   "edit_system_prompt",
			"parameters": map[string]any{"new_prompt": "x"},
		},
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	assert.Equal(t, map[string]any{
		"id": "anonymous", "display": "Unknown User", "org_unit": "default", "role": "user",
	}, body["actor"])
	agent := body["agent"].(map[string]any)
	assert.Equal(t, "unknown_agent", agent["agent_id"])
	assert.Equal(t, "abcd1234", agent["session_id"])
	assert.Equal(t, "production", agent["environment"])

	intent := body["intent"].(map[string]any)
	assert.Equal(t, "unknown operation", intent["statement"])
	assert.Equal(t, "general", intent["purpose"])
	assert.Equal(t, "unspecified", intent["business_process"])
	assert.Nil(t, intent["ticket_id"])

	ctx := body["context"].(map[string]any)
	assert.Equal(t, "US", ctx["jurisdiction"])
	assert.Equal(t, "INTERNAL", ctx["data_class"])
	attrs := ctx["attributes"].(map[string]any)
	assert.Equal(t, "Invalid data_class 'TOP_SECRET', defaulting to INTERNAL", attrs["parse_warning"])
}

func TestIntercept_Allow(t *testing.T) {
	ts := newTestServer(t)

	resp, body := ts.do(t, http.MethodPost, "/intercept", map[string]any{
		"data_class": "INTERNAL",
		"tool_call": map[string]any{
			"function":   "read_slack_history",
			"parameters": map[string]any{"channel": "#general", "search": "standup notes"},
		},
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, map[string]any{
		"status": "ALLOW", "mode": "demo", "output": kernel.DemoOutput,
	}, body)
}

func TestIntercept_ErrorReceiptForMissingToolCall(t *testing.T) {
	ts := newTestServer(t)

	resp, body := ts.do(t, http.MethodPost, "/intercept", map[string]any{"actor_id": "u1"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	verdict := body["verdict"].(map[string]any)
	assert.Equal(t, "ERROR", verdict["status"])
	assert.Equal(t, "Tool call missing required keys: function, parameters", verdict["error"])
	assert.NotContains(t, body, "crypto")

	entries, err := ts.sink.Entries(context.Background())
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestIntercept_MalformedBody(t *testing.T) {
	ts := newTestServer(t)

	for _, body := range []string{"{not json", "null", "[1,2]"} {
		resp, problem := ts.do(t, http.MethodPost, "/intercept", body)
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode, body)
		assert.Equal(t, "application/problem+json", resp.Header.Get("Content-Type"))
		assert.Equal(t, "/intercept", problem["instance"])
	}
}

func TestIntercept_KernelFailure(t *testing.T) {
	ts := newTestServer(t)
	require.NoError(t, ts.sink.Close())

	resp, body := ts.do(t, http.MethodPost, "/intercept", map[string]any{
		"tool_call": map[string]any{"function": "edit_system_prompt", "parameters": map[string]any{"new_prompt": "x"}},
	})
	require.Equal(t, http.StatusInternalServerError, resp.StatusCode)
	assert.Equal(t, "Kernel execution failed", body["error"])
	assert.Contains(t, body["message"], "sink is closed")
	assert.Regexp(t, `^err_[0-9a-f]{8}$`, body["receipt_id"])
	assert.Equal(t, kernelFailureNote, body["note"])
}

func TestAuditVerify(t *testing.T) {
	ts := newTestServer(t)

	_, body := ts.do(t, http.MethodGet, "/v1/audit/verify", nil)
	assert.Equal(t, true, body["valid"])
	assert.Equal(t, float64(0), body["entries"])

	for i := 0; i < 3; i++ {
		ts.do(t, http.MethodPost, "/intercept", map[string]any{
			"tool_call": map[string]any{"function": "edit_system_prompt", "parameters": map[string]any{"new_prompt": "x"}},
		})
	}
	_, body = ts.do(t, http.MethodGet, "/v1/audit/verify", nil)
	assert.Equal(t, true, body["valid"])
	assert.Equal(t, float64(3), body["entries"])
	head := body["head"].(string)

	_, body = ts.do(t, http.MethodGet, "/v1/audit/verify?checkpoint="+head, nil)
	assert.Equal(t, true, body["valid"])

	_, body = ts.do(t, http.MethodGet, "/v1/audit/verify?checkpoint=sha256:"+strings.Repeat("0", 64), nil)
	assert.Equal(t, false, body["valid"])
	assert.NotEmpty(t, body["error"])
}

func TestApprovals(t *testing.T) {
	ts := newTestServer(t)

	_, receipt := ts.do(t, http.MethodPost, "/intercept", map[string]any{
		"data_class":   "CONFIDENTIAL",
		"jurisdiction": "US",
		"tool_call": map[string]any{
			"function":   "upload_file",
			"parameters": map[string]any{"source": "plan.pdf", "destination": "s3://internal-eu", "jurisdiction": "EU"},
		},
	})
	require.Equal(t, "ESCALATE", receipt["verdict"].(map[string]any)["status"])
	id := receipt["enforcement"].(map[string]any)["approval_id"].(string)

	resp, body := ts.do(t, http.MethodGet, "/v1/approvals/"+id, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "PENDING", body["status"])
	assert.Equal(t, receipt["receipt_id"], body["receipt_id"])

	resp, _ = ts.do(t, http.MethodPost, "/v1/approvals/"+id, map[string]any{"decision": "maybe", "approver": "ciso"})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	resp, _ = ts.do(t, http.MethodPost, "/v1/approvals/"+id, map[string]any{"decision": "approve"})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, body = ts.do(t, http.MethodPost, "/v1/approvals/"+id, map[string]any{"decision": "deny", "approver": "ciso"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "DENIED", body["status"])
	assert.Equal(t, "ciso", body["resolved_by"])

	resp, _ = ts.do(t, http.MethodPost, "/v1/approvals/"+id, map[string]any{"decision": "approve", "approver": "ciso"})
	assert.Equal(t, http.StatusConflict, resp.StatusCode)

	resp, _ = ts.do(t, http.MethodGet, "/v1/approvals/appr_missing00", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp, _ = ts.do(t, http.MethodDelete, "/v1/approvals/"+id, nil)
	assert.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)
}

func TestReceiptVerify(t *testing.T) {
	ts := newTestServer(t)

	_, receipt := ts.do(t, http.MethodPost, "/intercept", map[string]any{
		"tool_call": map[string]any{"function": "read_slack_history", "parameters": map[string]any{"channel": "#eng", "search": "oauth token"}},
	})
	require.Equal(t, "BLOCK", receipt["verdict"].(map[string]any)["status"])

	resp, body := ts.do(t, http.MethodPost, "/v1/receipts/verify", receipt)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, true, body["valid"], body["error"])
	assert.Equal(t, receipt["receipt_id"], body["receipt_id"])

	injected := map[string]any{}
	for k, v := range receipt {
		injected[k] = v
	}
	verdict := map[string]any{"override": "ALLOW"}
	for k, v := range receipt["verdict"].(map[string]any) {
		verdict[k] = v
	}
	injected["verdict"] = verdict
	injected["approved_by"] = "ciso"
	_, body = ts.do(t, http.MethodPost, "/v1/receipts/verify", injected)
	assert.Equal(t, false, body["valid"])
	assert.Equal(t, receipt["receipt_id"], body["receipt_id"])

	receipt["actor"].(map[string]any)["id"] = "someone_else"
	_, body = ts.do(t, http.MethodPost, "/v1/receipts/verify", receipt)
	assert.Equal(t, false, body["valid"])

	var unsigned contracts.Receipt
	unsigned.ReceiptID = "rcpt_0000000000"
	_, body = ts.do(t, http.MethodPost, "/v1/receipts/verify", unsigned)
	assert.Equal(t, false, body["valid"])

	resp, _ = ts.do(t, http.MethodGet, "/v1/receipts/verify", nil)
	assert.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)
}

func TestRateLimitMiddleware(t *testing.T) {
	limiter := NewRateLimiter(1, 2)
	defer limiter.Stop()
	ts := newTestServer(t, WithRateLimiter(limiter))

	for i := 0; i < 2; i++ {
		resp, _ := ts.do(t, http.MethodGet, "/health", nil)
		assert.Equal(t, http.StatusOK, resp.StatusCode, "within burst")
	}
	resp, body := ts.do(t, http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusTooManyRequests, resp.StatusCode)
	assert.Equal(t, "1", resp.Header.Get("Retry-After"))
	assert.Equal(t, "Too Many Requests", body["title"])
}

func TestInterceptRequest_TicketAndSession(t *testing.T) {
	req := InterceptRequest{"ticket_id": "CHG-1", "session_id": "", "role": 7}
	ec := req.ExecutionContext(func() string { return "fresh123" })
	require.NotNil(t, ec.Intent.TicketID)
	assert.Equal(t, "CHG-1", *ec.Intent.TicketID)
	assert.Equal(t, "fresh123", ec.SessionID)
	assert.Equal(t, "7", ec.Actor.Role)
	assert.Equal(t, contracts.DataInternal, ec.DataClass)
	warning, ok := ec.Attribute(contracts.AttrParseWarning)
	assert.True(t, ok)
	assert.Equal(t, "No data_class provided, defaulting to INTERNAL", warning)

	assert.Equal(t, contracts.ToolCall{}, InterceptRequest{"tool_call": "rm -rf"}.ToolCall())
}
