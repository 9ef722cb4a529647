package observability

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/harun/chatstate/internal/tracing"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMetricsHandlerExposesCollectors(t *testing.T) {
	RecordChainAppend("message")
	RecordCompletion("anthropic", "end_turn", 150*time.Millisecond)
	RecordToolCall("search", 10*time.Millisecond, false)
	SetMailboxDepth("conv-1", 2)

	rec := httptest.NewRecorder()
	MetricsHandler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))

	body := rec.Body.String()
	assert.Contains(t, body, "chatstate_chain_appends_total")
	assert.Contains(t, body, `chatstate_completions_total{provider="anthropic",stop_reason="end_turn"}`)
	assert.Contains(t, body, `chatstate_tool_calls_total{status="error",tool="search"}`)
	assert.Contains(t, body, `chatstate_mailbox_depth{lane="conv-1"} 2`)
}

func TestCycleGauge(t *testing.T) {
	before := testutil.ToFloat64(getMetrics().pendingCycles)
	CycleOpened()
	assert.Equal(t, before+1, testutil.ToFloat64(getMetrics().pendingCycles))
	CycleResolved("success")
	assert.Equal(t, before, testutil.ToFloat64(getMetrics().pendingCycles))
}

func TestAuditRecord(t *testing.T) {
	var buf bytes.Buffer
	SetAuditOutput(&buf, nil)
	t.Cleanup(func() { SetAuditOutput(&bytes.Buffer{}, nil) })

	ctx := tracing.WithRequestID(tracing.WithTraceID(context.Background(), "trace-1"), "req-1")
	RecordConversationAudit(ctx, "conv-1", "set_head", "success", map[string]interface{}{
		"head": "abc",
	})

	var event map[string]interface{}
	require.NoError(t, json.Unmarshal(buf.Bytes(), &event))
	assert.Equal(t, "conversation", event["type"])
	assert.Equal(t, "conv-1", event["conversation_id"])
	assert.Equal(t, "set_head", event["action"])
	assert.Equal(t, map[string]interface{}{"head": "abc"}, event["metadata"])
	assert.Equal(t, "trace-1", event["trace_id"])
	assert.Equal(t, "req-1", event["request_id"])
}
