package eventbus

import (
	"log/slog"
	"testing"
	"time"

	"github.com/wisbric/nightowl/pkg/fabric"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.DiscardHandler)
}

func TestJobUpdatedReachesOnlySubscribersOfThatJob(t *testing.T) {
	h := NewHub(nil, discardLogger())
	ch, unsub := h.SubscribeJob("job-1")
	defer unsub()

	other, unsubOther := h.SubscribeJob("job-2")
	defer unsubOther()

	h.JobUpdated(fabric.Job{ID: "job-1", Status: fabric.JobRunning})

	select {
	case ev := <-ch:
		if ev.Kind != EventJobUpdated || ev.Job.ID != "job-1" {
			t.Fatalf("unexpected event %+v", ev)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for job-1 event")
	}

	select {
	case ev := <-other:
		t.Fatalf("job-2 subscriber should not have received an event, got %+v", ev)
	default:
	}
}

func TestNetworkChangedReachesAllNetworkSubscribers(t *testing.T) {
	h := NewHub(nil, discardLogger())
	a, unsubA := h.SubscribeNetwork()
	defer unsubA()
	b, unsubB := h.SubscribeNetwork()
	defer unsubB()

	h.NetworkChanged()

	for _, ch := range []<-chan Event{a, b} {
		select {
		case ev := <-ch:
			if ev.Kind != EventNetworkChanged {
				t.Fatalf("unexpected kind %v", ev.Kind)
			}
		case <-time.After(time.Second):
			t.Fatal("timed out waiting for network event")
		}
	}
}

func TestUnsubscribeRemovesSubscriber(t *testing.T) {
	h := NewHub(nil, discardLogger())
	_, unsub := h.SubscribeJob("job-3")
	if h.JobSubscriberCount("job-3") != 1 {
		t.Fatalf("expected 1 subscriber")
	}
	unsub()
	if h.JobSubscriberCount("job-3") != 0 {
		t.Fatalf("expected 0 subscribers after unsubscribe")
	}
}
