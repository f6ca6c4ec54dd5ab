package broadcast

import (
	"encoding/json"
	"log/slog"
	"sync"

	"github.com/jonboulle/clockwork"

	"github.com/polisai/polis-flow/internal/governance"
	"github.com/polisai/polis-flow/pkg/domain"
	"github.com/polisai/polis-flow/pkg/telemetry"
)

// Message types sent to subscribers.
const (
	TypeTransaction = "transaction"
	TypeProgress    = "progress"
)

// Message is one serialized notice. Data is shared by every subscriber and
// must not be modified.
type Message struct {
	Type string
	Data []byte
}

// Subscriber receives messages from the hub.
type Subscriber interface {
	ID() string
	Kind() string
	// Enqueue hands a message to the subscriber without blocking. It returns
	// false when the message was dropped.
	Enqueue(msg Message) bool
	Close()
}

// Options configure a Hub.
type Options struct {
	RecentSize    int
	BodyCacheSize int
	// ProgressRate and ProgressBurst bound progress notices per causal id.
	ProgressRate  float64
	ProgressBurst int
	Clock         clockwork.Clock
	Metrics       *telemetry.Metrics
	Logger        *slog.Logger
}

// Hub fans out messages to subscribers. It implements engine.Publisher.
type Hub struct {
	mu          sync.RWMutex
	subscribers map[string]Subscriber

	recent   *Recent
	bodies   *BodyStore
	throttle *governance.Throttle
	metrics  *telemetry.Metrics
	logger   *slog.Logger
}

type transactionMessage struct {
	Type string `json:"type"`
	domain.Transaction
}

type progressMessage struct {
	Type string `json:"type"`
	domain.Progress
}

// NewHub creates a hub.
func NewHub(opts Options) *Hub {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{
		subscribers: make(map[string]Subscriber),
		recent:      NewRecent(opts.RecentSize),
		bodies:      NewBodyStore(opts.BodyCacheSize),
		throttle: governance.NewThrottle(governance.ThrottleConfig{
			RatePerSecond: opts.ProgressRate,
			Burst:         opts.ProgressBurst,
		}, opts.Clock),
		metrics: opts.Metrics,
		logger:  logger.With("component", "broadcast"),
	}
}

// PublishTransaction records the transaction for replay and inspection and
// sends it to every subscriber.
func (h *Hub) PublishTransaction(tx domain.Transaction) {
	h.bodies.Put(tx.Bodies)
	h.recent.Add(tx)
	h.throttle.Forget(tx.CausalID)

	msg, err := encodeTransaction(tx)
	if err != nil {
		h.logger.Error("failed to encode transaction", "transaction_id", tx.ID, "error", err)
		return
	}
	h.broadcast(msg)
}

// PublishProgress sends a progress notice unless the causal id exceeded its
// notice rate.
func (h *Hub) PublishProgress(p domain.Progress) {
	if !h.throttle.Allow(p.CausalID) {
		return
	}
	data, err := json.Marshal(progressMessage{Type: TypeProgress, Progress: p})
	if err != nil {
		h.logger.Error("failed to encode progress", "causal_id", p.CausalID, "error", err)
		return
	}
	h.broadcast(Message{Type: TypeProgress, Data: data})
}

func (h *Hub) broadcast(msg Message) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	sent, dropped := 0, 0
	for _, sub := range h.subscribers {
		if sub.Enqueue(msg) {
			sent++
		} else {
			dropped++
		}
	}
	h.metrics.RecordBroadcast(msg.Type, sent, dropped)
	if dropped > 0 {
		h.logger.Debug("slow subscribers dropped message", "type", msg.Type, "dropped", dropped)
	}
}

// Add registers a subscriber. When replay is set, the recent transactions
// are queued to it first.
func (h *Hub) Add(sub Subscriber, replay bool) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if replay {
		for _, tx := range h.recent.All() {
			msg, err := encodeTransaction(tx)
			if err != nil {
				continue
			}
			sub.Enqueue(msg)
		}
	}
	h.subscribers[sub.ID()] = sub
	h.metrics.SubscriberAdded(sub.Kind())
	h.logger.Info("subscriber added", "subscriber_id", sub.ID(), "kind", sub.Kind())
}

// Remove unregisters and closes a subscriber.
func (h *Hub) Remove(id string) {
	h.mu.Lock()
	sub, ok := h.subscribers[id]
	delete(h.subscribers, id)
	h.mu.Unlock()

	if !ok {
		return
	}
	sub.Close()
	h.metrics.SubscriberRemoved(sub.Kind())
	h.logger.Info("subscriber removed", "subscriber_id", id, "kind", sub.Kind())
}

// Len returns the number of subscribers.
func (h *Hub) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subscribers)
}

// Recent returns the replay buffer.
func (h *Hub) Recent() *Recent {
	return h.recent
}

// Bodies returns the body store.
func (h *Hub) Bodies() *BodyStore {
	return h.bodies
}

// Close removes every subscriber.
func (h *Hub) Close() {
	h.mu.RLock()
	ids := make([]string, 0, len(h.subscribers))
	for id := range h.subscribers {
		ids = append(ids, id)
	}
	h.mu.RUnlock()

	for _, id := range ids {
		h.Remove(id)
	}
}

func encodeTransaction(tx domain.Transaction) (Message, error) {
	data, err := json.Marshal(transactionMessage{Type: TypeTransaction, Transaction: tx})
	if err != nil {
		return Message{}, err
	}
	return Message{Type: TypeTransaction, Data: data}, nil
}
