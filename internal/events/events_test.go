package events

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/nats-io/nats.go"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/pitabwire/taskgate/internal/observability"
)

type recordingPublisher struct {
	msgs []*nats.Msg
	err  error
}

func (r *recordingPublisher) publish(_ context.Context, msg *nats.Msg) error {
	if r.err != nil {
		return r.err
	}
	r.msgs = append(r.msgs, msg)
	return nil
}

func TestNATSPublisher_Publish(t *testing.T) {
	rec := &recordingPublisher{}
	p := &NATSPublisher{pub: rec, prefix: "loans.tasks"}

	ev := New(TypeTaskClaimed)
	ev.TaskID = "t1"
	ev.Actor = "alice"
	if err := p.Publish(context.Background(), ev); err != nil {
		t.Fatalf("Publish() error = %v", err)
	}

	if len(rec.msgs) != 1 {
		t.Fatalf("messages = %d, want 1", len(rec.msgs))
	}
	msg := rec.msgs[0]
	if msg.Subject != "loans.tasks.task.claimed" {
		t.Errorf("subject = %q", msg.Subject)
	}
	if msg.Header.Get(nats.MsgIdHdr) != ev.ID {
		t.Errorf("msg id = %q, want %q", msg.Header.Get(nats.MsgIdHdr), ev.ID)
	}

	var decoded Event
	if err := json.Unmarshal(msg.Data, &decoded); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if decoded.TaskID != "t1" || decoded.Actor != "alice" || decoded.Type != TypeTaskClaimed {
		t.Errorf("decoded = %+v", decoded)
	}
}

func TestNATSPublisher_Check_withoutConnection(t *testing.T) {
	p := &NATSPublisher{pub: &recordingPublisher{}, prefix: "x"}
	if err := p.Check(context.Background()); err == nil {
		t.Error("Check() should fail without a connection")
	}
}

func TestEmitter_countsOutcomes(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := observability.InitMetrics(reg)

	ok := NewEmitter(NewMemoryPublisher(), nil, m)
	ok.Emit(context.Background(), New(TypeTaskProjected))

	failing := NewEmitter(&NATSPublisher{pub: &recordingPublisher{err: errors.New("nats down")}, prefix: "x"}, nil, m)
	failing.Emit(context.Background(), New(TypeTaskProjected))

	if got := testutil.ToFloat64(m.EventsPublishedTotal.WithLabelValues(TypeTaskProjected, "ok")); got != 1 {
		t.Errorf("ok = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.EventsPublishedTotal.WithLabelValues(TypeTaskProjected, "error")); got != 1 {
		t.Errorf("error = %v, want 1", got)
	}
}

func TestEmitter_nilIsSafe(t *testing.T) {
	var e *Emitter
	e.Emit(context.Background(), New(TypeTaskClaimed))
	NewEmitter(nil, nil, nil).Emit(context.Background(), New(TypeTaskClaimed))
}

func TestMemoryPublisher_OfType(t *testing.T) {
	p := NewMemoryPublisher()
	_ = p.Publish(context.Background(), New(TypeTaskClaimed))
	_ = p.Publish(context.Background(), New(TypeTaskCompleted))
	_ = p.Publish(context.Background(), New(TypeTaskClaimed))

	if got := len(p.OfType(TypeTaskClaimed)); got != 2 {
		t.Errorf("claimed = %d, want 2", got)
	}
	if got := len(p.Events()); got != 3 {
		t.Errorf("events = %d, want 3", got)
	}
}
