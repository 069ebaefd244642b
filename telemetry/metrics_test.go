package telemetry

import (
	"context"
	"testing"
	"time"
)

func TestInitIdempotent(t *testing.T) {
	Init()
	Init() // must not panic on duplicate registration
	if EventsDispatched == nil || BufferDepthGauge == nil {
		t.Fatal("metrics not initialized")
	}
}

func TestTimeFunc(t *testing.T) {
	Init()
	d := TimeFunc(FlushDuration, func() { time.Sleep(5 * time.Millisecond) })
	if d < 5*time.Millisecond {
		t.Errorf("TimeFunc returned %s, want >= 5ms", d)
	}
	// nil observer must be tolerated
	_ = TimeFunc(nil, func() {})
}

func TestCorrelation(t *testing.T) {
	ctx := context.Background()
	if got := GetCorrelation(ctx); got != "" {
		t.Errorf("empty context correlation = %q, want empty", got)
	}
	ctx = WithCorrelation(ctx, "abc-123")
	if got := GetCorrelation(ctx); got != "abc-123" {
		t.Errorf("correlation = %q, want abc-123", got)
	}
	if LoggerWithCorr(ctx) == nil {
		t.Error("LoggerWithCorr returned nil")
	}
}

func TestGaugeHelpers(t *testing.T) {
	Init()
	SetBufferDepth(42)
	SetConnectionsReady(3)
	IncCounter(RecordsDropped)
	AddCounter(RecordsFlushed, 10)
	AddCounter(RecordsFlushed, 0) // no-op
}
