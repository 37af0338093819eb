package engine_test

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/seantiz/relay/internal/engine"
)

func drain(ch <-chan engine.Outcome) []engine.Outcome {
	var got []engine.Outcome
	for o := range ch {
		got = append(got, o)
	}
	return got
}

func subscribe(t *testing.T, b *engine.RunBroker, runID string) (<-chan engine.Outcome, func()) {
	t.Helper()
	ch, unsub, ok := b.Subscribe(runID)
	if !ok {
		t.Fatalf("Subscribe(%q) on live run returned ok=false", runID)
	}
	return ch, unsub
}

func droppedTotal(t *testing.T) float64 {
	t.Helper()
	families, err := prometheus.DefaultGatherer.Gather()
	if err != nil {
		t.Fatalf("gather: %v", err)
	}
	for _, fam := range families {
		if fam.GetName() == "relay_progress_dropped_total" {
			return fam.GetMetric()[0].GetCounter().GetValue()
		}
	}
	t.Fatal("relay_progress_dropped_total not registered")
	return 0
}

func TestRunBrokerDeliversInOrder(t *testing.T) {
	b := engine.NewRunBroker()
	b.Open("r1")
	ch, unsub := subscribe(t, b, "r1")
	defer unsub()

	want := []engine.Outcome{
		{EventID: "1", Result: engine.OutcomeCompleted, AgentID: "0"},
		{EventID: "2", Result: engine.OutcomeTimedOut},
		{EventID: "3", Result: engine.OutcomeFailed, Error: "boom"},
	}
	for _, o := range want {
		b.Publish("r1", o)
	}
	b.Close("r1")

	got := drain(ch)
	if len(got) != len(want) {
		t.Fatalf("got %d outcomes, want %d", len(got), len(want))
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("outcome[%d] = %+v, want %+v", i, got[i], want[i])
		}
	}
}

func TestRunBrokerFansOutToAllSubscribers(t *testing.T) {
	b := engine.NewRunBroker()
	b.Open("r1")
	b.Open("r2")
	ch1, unsub1 := subscribe(t, b, "r1")
	defer unsub1()
	ch2, unsub2 := subscribe(t, b, "r1")
	defer unsub2()
	other, unsubOther := subscribe(t, b, "r2")
	defer unsubOther()

	b.Publish("r1", engine.Outcome{EventID: "e1"})
	b.Close("r1")
	b.Close("r2")

	for i, ch := range []<-chan engine.Outcome{ch1, ch2} {
		if got := drain(ch); len(got) != 1 || got[0].EventID != "e1" {
			t.Errorf("subscriber %d got %+v, want [e1]", i+1, got)
		}
	}
	if got := drain(other); len(got) != 0 {
		t.Errorf("other run subscriber got %+v, want nothing", got)
	}
}

func TestRunBrokerLiveness(t *testing.T) {
	b := engine.NewRunBroker()

	tests := []struct {
		name  string
		id    string
		setup func()
		live  bool
	}{
		{"unknown run", "ghost", func() {}, false},
		{"open run", "open", func() { b.Open("open") }, true},
		{"reopened run", "twice", func() { b.Open("twice"); b.Open("twice") }, true},
		{"closed run", "closed", func() { b.Open("closed"); b.Close("closed") }, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tt.setup()
			id := tt.id
			if got := b.Live(id); got != tt.live {
				t.Errorf("Live(%q) = %v, want %v", id, got, tt.live)
			}
			ch, unsub, ok := b.Subscribe(id)
			defer unsub()
			if ok != tt.live {
				t.Errorf("Subscribe(%q) ok = %v, want %v", id, ok, tt.live)
			}
			if !ok && ch != nil {
				t.Errorf("Subscribe(%q) returned a channel for a run that is not live", id)
			}
		})
	}
}

func TestRunBrokerPublishAfterCloseIsDropped(t *testing.T) {
	b := engine.NewRunBroker()
	b.Open("r1")
	b.Close("r1")

	// A late publish must not resurrect the run.
	b.Publish("r1", engine.Outcome{EventID: "late"})
	if b.Live("r1") {
		t.Error("run live again after publish following Close")
	}
}

func TestRunBrokerUnsubscribeStopsDelivery(t *testing.T) {
	b := engine.NewRunBroker()
	b.Open("r1")
	ch, unsub := subscribe(t, b, "r1")
	unsub()

	b.Publish("r1", engine.Outcome{EventID: "after unsub"})
	b.Close("r1")

	select {
	case o, ok := <-ch:
		if ok {
			t.Errorf("got unexpected outcome %+v after unsubscribe", o)
		}
	default:
	}

	// Unsubscribing after Close is harmless.
	unsub()
}

func TestRunBrokerDropsForSlowSubscriber(t *testing.T) {
	b := engine.NewRunBroker()
	b.Open("r1")
	ch, unsub := subscribe(t, b, "r1")
	defer unsub()

	before := droppedTotal(t)
	for range 200 {
		b.Publish("r1", engine.Outcome{EventID: "x"})
	}
	b.Close("r1")

	if got := drain(ch); len(got) != 64 {
		t.Errorf("got %d outcomes, want buffer size 64", len(got))
	}
	if got := droppedTotal(t) - before; got != 136 {
		t.Errorf("dropped = %v, want 136", got)
	}
}
