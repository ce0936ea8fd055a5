package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestCollectorsRegisterAndCount(t *testing.T) {
	before := testutil.ToFloat64(ToolCalls.WithLabelValues("end_call", "ok"))
	ToolCalls.WithLabelValues("end_call", "ok").Inc()
	if got := testutil.ToFloat64(ToolCalls.WithLabelValues("end_call", "ok")); got != before+1 {
		t.Fatalf("tool counter=%v, want %v", got, before+1)
	}

	CallsActive.Inc()
	CallsActive.Dec()
	if got := testutil.ToFloat64(CallsActive); got != 0 {
		t.Fatalf("calls active=%v, want 0", got)
	}
	if n := testutil.CollectAndCount(CallDuration); n != 1 {
		t.Fatalf("call duration collectors=%d", n)
	}
}
