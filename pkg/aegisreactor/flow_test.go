package aegisreactor

import (
	"context"
	"testing"
)

type stubObservability struct{}

func (stubObservability) LogDebug(string, ...Field)                 {}
func (stubObservability) LogInfo(string, ...Field)                  {}
func (stubObservability) LogError(string, error, ...Field)          {}
func (stubObservability) LogCritical(string, error, ...Field)       {}
func (stubObservability) IncCounter(string, float64)                {}
func (stubObservability) IncLabeledCounter(string, string, float64) {}
func (stubObservability) ObserveLatency(string, float64)            {}
func (stubObservability) SetGauge(string, float64)                  {}
func (stubObservability) RecordDLQ(Event, error)                    {}

func TestConfFromConfigAndStreamBuilder(t *testing.T) {
	cfg := testConfig(t)

	flow, err := ConfFromConfig(cfg)
	if err != nil {
		t.Fatalf("ConfFromConfig returned error: %v", err)
	}
	if flow.Config() != cfg {
		t.Fatalf("expected Config to be returned verbatim")
	}

	src := NewChannelSource("in", 4)
	obs := stubObservability{}
	rt, err := flow.
		StreamIN(
			StreamInSource(src),
			StreamInObservability(obs),
		).
		StreamOUT(
			StreamOutCallback("noop", func(context.Context, Event) error { return nil }),
		)
	if err != nil {
		t.Fatalf("StreamOUT returned error: %v", err)
	}
	if got := rt.Sources(); len(got) != 1 || got[0] != Source(src) {
		t.Fatalf("expected custom source to be wired, got %v", got)
	}
	if rt.obs != Observability(obs) {
		t.Fatalf("expected custom observability to be wired")
	}
	_ = rt.Shutdown(context.Background())
}

func TestFlowWithoutHandlerFails(t *testing.T) {
	flow, err := ConfFromConfig(testConfig(t))
	if err != nil {
		t.Fatalf("ConfFromConfig returned error: %v", err)
	}
	if _, err := flow.StreamOUT(); err == nil {
		t.Fatalf("expected StreamOUT to require a handler")
	}
}

func TestFlowRunStopsOnCancel(t *testing.T) {
	flow, err := ConfFromConfig(testConfig(t))
	if err != nil {
		t.Fatalf("ConfFromConfig returned error: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := flow.StreamIN(
		StreamInSource(NewChannelSource("in", 1)),
		StreamInObservability(stubObservability{}),
	).Run(ctx,
		StreamOutHandler(HandlerFunc(func(context.Context, Event) error { return nil })),
	); err != nil {
		t.Fatalf("Run returned unexpected error: %v", err)
	}
}
