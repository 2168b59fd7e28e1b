// Package eventbus fans out job and network change notifications to
// websocket subscribers. It implements the store.EventSink interface so the
// coordinator's state store can emit events without knowing who is
// listening, and it mirrors every event through Redis pub/sub so multiple
// coordinator replicas behind a load balancer stay in sync.
package eventbus

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/wisbric/nightowl/pkg/fabric"
)

const (
	networkChannel    = "fabric:network"
	jobChannelPrefix  = "fabric:job:"
	subscriberBacklog = 16
)

// EventKind distinguishes the two event shapes delivered to subscribers.
type EventKind string

const (
	EventJobUpdated     EventKind = "job_update"
	EventNetworkChanged EventKind = "network_update"
)

// Event is the payload delivered to a subscriber channel.
type Event struct {
	Kind EventKind
	Job  fabric.Job
	At   time.Time
}

// wireEvent is the JSON shape mirrored through Redis, decoupled from Event
// so Job's internal field layout can change without touching the wire format.
type wireEvent struct {
	Kind string      `json:"kind"`
	Job  *fabric.Job `json:"job,omitempty"`
	At   time.Time   `json:"at"`
}

// Hub fans out Events to local subscribers and mirrors them through Redis.
// Redis may be nil, in which case the hub runs in single-process mode.
type Hub struct {
	logger *slog.Logger
	redis  *redis.Client

	mu          sync.Mutex
	jobSubs     map[string]map[chan Event]struct{}
	networkSubs map[chan Event]struct{}
}

// NewHub builds a Hub. rdb may be nil to disable cross-process fan-out.
func NewHub(rdb *redis.Client, logger *slog.Logger) *Hub {
	return &Hub{
		logger:      logger,
		redis:       rdb,
		jobSubs:     make(map[string]map[chan Event]struct{}),
		networkSubs: make(map[chan Event]struct{}),
	}
}

// Run starts the Redis subscription loop that re-broadcasts events published
// by other coordinator replicas to this process's local subscribers. It
// blocks until ctx is canceled. A nil Redis client makes Run a no-op.
func (h *Hub) Run(ctx context.Context) {
	if h.redis == nil {
		<-ctx.Done()
		return
	}
	sub := h.redis.PSubscribe(ctx, networkChannel, jobChannelPrefix+"*")
	defer sub.Close()

	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			var we wireEvent
			if err := json.Unmarshal([]byte(msg.Payload), &we); err != nil {
				h.logger.Warn("eventbus: dropping malformed redis payload", "error", err)
				continue
			}
			ev := Event{Kind: EventKind(we.Kind), At: we.At}
			if we.Job != nil {
				ev.Job = *we.Job
			}
			h.broadcastLocal(ev)
		}
	}
}

// JobUpdated implements store.EventSink.
func (h *Hub) JobUpdated(job fabric.Job) {
	ev := Event{Kind: EventJobUpdated, Job: job, At: time.Now()}
	h.broadcastLocal(ev)
	h.publishRemote(jobChannelPrefix+job.ID, ev)
}

// NetworkChanged implements store.EventSink.
func (h *Hub) NetworkChanged() {
	ev := Event{Kind: EventNetworkChanged, At: time.Now()}
	h.broadcastLocal(ev)
	h.publishRemote(networkChannel, ev)
}

func (h *Hub) publishRemote(channel string, ev Event) {
	if h.redis == nil {
		return
	}
	we := wireEvent{Kind: string(ev.Kind), At: ev.At}
	if ev.Kind == EventJobUpdated {
		job := ev.Job
		we.Job = &job
	}
	payload, err := json.Marshal(we)
	if err != nil {
		h.logger.Warn("eventbus: marshaling event for redis", "error", err)
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := h.redis.Publish(ctx, channel, payload).Err(); err != nil {
		h.logger.Warn("eventbus: publishing to redis", "channel", channel, "error", err)
	}
}

func (h *Hub) broadcastLocal(ev Event) {
	h.mu.Lock()
	var targets []chan Event
	switch ev.Kind {
	case EventJobUpdated:
		for sub := range h.jobSubs[ev.Job.ID] {
			targets = append(targets, sub)
		}
	case EventNetworkChanged:
		for sub := range h.networkSubs {
			targets = append(targets, sub)
		}
	}
	h.mu.Unlock()

	for _, sub := range targets {
		select {
		case sub <- ev:
		default:
			h.logger.Warn("eventbus: subscriber backlog full, dropping event")
		}
	}
}

// SubscribeJob registers a subscriber for updates to a single job. The
// returned func unregisters it and must be called exactly once, typically
// in a defer at the websocket handler's exit.
func (h *Hub) SubscribeJob(jobID string) (<-chan Event, func()) {
	ch := make(chan Event, subscriberBacklog)
	h.mu.Lock()
	if h.jobSubs[jobID] == nil {
		h.jobSubs[jobID] = make(map[chan Event]struct{})
	}
	h.jobSubs[jobID][ch] = struct{}{}
	h.mu.Unlock()

	return ch, func() {
		h.mu.Lock()
		delete(h.jobSubs[jobID], ch)
		if len(h.jobSubs[jobID]) == 0 {
			delete(h.jobSubs, jobID)
		}
		h.mu.Unlock()
	}
}

// SubscribeNetwork registers a subscriber for network-wide change notices.
func (h *Hub) SubscribeNetwork() (<-chan Event, func()) {
	ch := make(chan Event, subscriberBacklog)
	h.mu.Lock()
	h.networkSubs[ch] = struct{}{}
	h.mu.Unlock()

	return ch, func() {
		h.mu.Lock()
		delete(h.networkSubs, ch)
		h.mu.Unlock()
	}
}

// JobSubscriberCount reports the number of active subscribers for a job.
func (h *Hub) JobSubscriberCount(jobID string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.jobSubs[jobID])
}
