package events

import (
	"strings"
	"testing"
	"time"
)

func collect(t *testing.T, ch <-chan *Event, n int) []*Event {
	t.Helper()
	var got []*Event
	timeout := time.After(2 * time.Second)
	for len(got) < n {
		select {
		case event, ok := <-ch:
			if !ok {
				t.Fatalf("channel closed after %d events, want %d", len(got), n)
			}
			got = append(got, event)
		case <-timeout:
			t.Fatalf("timed out after %d events, want %d", len(got), n)
		}
	}
	return got
}

func TestBrokerDeliversInPublishOrder(t *testing.T) {
	b := NewBroker(nil)
	ch := b.Subscribe("sess_1")

	for i := 0; i < 10; i++ {
		b.Publish("sess_1", New(ProgressUpdate, "sess_1").WithData("seq", i))
	}

	got := collect(t, ch, 10)
	for i, event := range got {
		if event.Data["seq"] != i {
			t.Fatalf("event %d has seq %v, want %d", i, event.Data["seq"], i)
		}
	}
}

func TestBrokerIsolatesSessions(t *testing.T) {
	b := NewBroker(nil)
	ch1 := b.Subscribe("sess_1")
	ch2 := b.Subscribe("sess_2")

	b.Publish("sess_1", New(ProgressUpdate, "sess_1"))
	b.Publish("sess_2", New(ArtifactUpdate, "sess_2"))

	e1 := collect(t, ch1, 1)[0]
	e2 := collect(t, ch2, 1)[0]
	if e1.SessionID != "sess_1" || e2.SessionID != "sess_2" {
		t.Errorf("cross-session delivery: got %s on ch1, %s on ch2", e1.SessionID, e2.SessionID)
	}
}

func TestBrokerMultipleSubscribers(t *testing.T) {
	b := NewBroker(nil)
	a := b.Subscribe("sess_1")
	c := b.Subscribe("sess_1")

	b.Publish("sess_1", New(SessionDone, "sess_1"))

	if got := collect(t, a, 1)[0]; got.Type != SessionDone {
		t.Errorf("subscriber a got %s, want session_done", got.Type)
	}
	if got := collect(t, c, 1)[0]; got.Type != SessionDone {
		t.Errorf("subscriber c got %s, want session_done", got.Type)
	}
}

func TestBrokerFinishClosesSubscribers(t *testing.T) {
	b := NewBroker(nil)
	ch := b.Subscribe("sess_1")

	b.Publish("sess_1", New(SessionDone, "sess_1"))
	b.Finish("sess_1")

	// The queued event is drained before the close.
	got := collect(t, ch, 1)
	if got[0].Type != SessionDone {
		t.Errorf("drained event type = %s, want session_done", got[0].Type)
	}

	select {
	case _, ok := <-ch:
		if ok {
			t.Error("received event after Finish drain")
		}
	case <-time.After(2 * time.Second):
		t.Error("subscriber channel not closed after Finish")
	}
}

func TestBrokerPublishAfterFinishDropped(t *testing.T) {
	b := NewBroker(nil)
	b.Subscribe("sess_1")
	b.Finish("sess_1")

	// Must not panic or block.
	b.Publish("sess_1", New(ProgressUpdate, "sess_1"))
}

func TestBrokerSubscribeAfterFinish(t *testing.T) {
	b := NewBroker(nil)
	b.Subscribe("sess_1")
	b.Finish("sess_1")

	// The session is tombstoned; a late subscriber gets a closed channel
	// rather than a resurrected queue.
	ch := b.Subscribe("sess_1")
	select {
	case _, ok := <-ch:
		if ok {
			t.Error("late subscriber received an event on a finished session")
		}
	case <-time.After(2 * time.Second):
		t.Error("late subscriber channel not closed for finished session")
	}
}

func TestBrokerLatePublishDoesNotResurrectQueue(t *testing.T) {
	b := NewBroker(nil)
	b.Subscribe("sess_1")
	b.Finish("sess_1")

	// A producer that outlives the session, like a sandbox log watcher,
	// must not bring the queue back.
	b.Publish("sess_1", New(LogUpdate, "sess_1").WithData("line", "late"))

	b.mu.Lock()
	queues := len(b.queues)
	b.mu.Unlock()
	if queues != 0 {
		t.Fatalf("finished session holds %d live queues, want 0", queues)
	}

	ch := b.Subscribe("sess_1")
	select {
	case _, ok := <-ch:
		if ok {
			t.Error("subscriber received an event published after Finish")
		}
	case <-time.After(2 * time.Second):
		t.Error("subscriber channel never closed after late publish")
	}
}

func TestBrokerConcurrentPublish(t *testing.T) {
	b := NewBroker(nil)
	ch := b.Subscribe("sess_1")

	const n = 50
	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < n; i++ {
			b.Publish("sess_1", New(LogUpdate, "sess_1").WithData("i", i))
		}
	}()
	go func() {
		for i := 0; i < n; i++ {
			b.Publish("sess_1", New(ProgressUpdate, "sess_1").WithData("i", i))
		}
	}()

	<-done
	// Both producers funnel through one queue; we only assert no panic and
	// that events keep flowing.
	collect(t, ch, 20)
}

func TestEventJSON(t *testing.T) {
	event := New(ArtifactUpdate, "sess_9").WithData("name", "prd.md").WithData("version", 2)
	data, err := event.JSON()
	if err != nil {
		t.Fatalf("JSON returned unexpected error: %v", err)
	}
	for _, want := range []string{`"artifact_update"`, `"sess_9"`, `"prd.md"`} {
		if !strings.Contains(string(data), want) {
			t.Errorf("JSON output missing %s: %s", want, data)
		}
	}
}
