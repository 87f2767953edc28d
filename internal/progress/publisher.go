// Package progress fans sync progress snapshots out to live subscribers
// and retains the latest snapshot per operation for cheap polling.
package progress

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"sync"
	"time"

	"go.uber.org/zap"

	dbsync "github.com/basehaven/dbsync/internal/sync"
)

// MinPollInterval is the shortest useful polling cadence; it is surfaced
// to clients as a Retry-After hint alongside conditional poll responses.
const MinPollInterval = 2 * time.Second

// subscriberBuffer bounds the per-subscriber channel. A subscriber that
// falls behind loses its oldest updates, never the newest.
const subscriberBuffer = 16

// maxRetained bounds the per-operation retention map. Matches the
// executor's own history cap so polls for anything it still serves hit.
const maxRetained = 50

// Subscription is one live progress feed. Updates arrive on C until
// Close is called; the channel is closed by Close, never by the hub.
type Subscription struct {
	C chan dbsync.Snapshot

	hub *Hub
	id  int
}

// Close detaches the subscription from the hub
func (s *Subscription) Close() {
	s.hub.unsubscribe(s.id)
}

// retained pairs a snapshot with its content version marker
type retained struct {
	snap    dbsync.Snapshot
	version string
}

// Hub is the in-process fan-out point between the executor and the HTTP
// layer. Publish never blocks: slow subscribers drop their oldest
// buffered update instead of stalling the executor.
type Hub struct {
	logger *zap.Logger

	mu          sync.Mutex
	nextID      int
	subscribers map[int]chan dbsync.Snapshot
	latest      map[string]retained
	order       []string
	current     *retained
}

// NewHub creates the progress hub
func NewHub(log *zap.Logger) *Hub {
	return &Hub{
		logger:      log.Named("progress"),
		subscribers: make(map[int]chan dbsync.Snapshot),
		latest:      make(map[string]retained),
	}
}

// Publish retains the snapshot and fans it out to every subscriber.
// It implements the executor's Publisher interface.
func (h *Hub) Publish(snap dbsync.Snapshot) {
	entry := retained{snap: snap, version: versionOf(snap)}

	h.mu.Lock()
	defer h.mu.Unlock()

	if _, seen := h.latest[snap.ID]; !seen {
		h.order = append(h.order, snap.ID)
		for len(h.order) > maxRetained {
			delete(h.latest, h.order[0])
			h.order = h.order[1:]
		}
	}
	h.latest[snap.ID] = entry
	h.current = &entry

	// Sends stay inside the lock so an unsubscribe can never close a
	// channel out from under them. Every send is non-blocking.
	for _, ch := range h.subscribers {
		select {
		case ch <- snap:
		default:
			// Buffer full: evict the oldest update and retry once
			select {
			case <-ch:
			default:
			}
			select {
			case ch <- snap:
			default:
			}
		}
	}
}

// Subscribe attaches a live feed. The current snapshot, when one exists,
// is delivered first so new subscribers never start blind.
func (h *Hub) Subscribe() *Subscription {
	ch := make(chan dbsync.Snapshot, subscriberBuffer)

	h.mu.Lock()
	id := h.nextID
	h.nextID++
	h.subscribers[id] = ch
	if h.current != nil {
		ch <- h.current.snap
	}
	count := len(h.subscribers)
	h.mu.Unlock()

	h.logger.Debug("Subscriber attached", zap.Int("subscribers", count))
	return &Subscription{C: ch, hub: h, id: id}
}

func (h *Hub) unsubscribe(id int) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if ch, ok := h.subscribers[id]; ok {
		delete(h.subscribers, id)
		close(ch)
	}
}

// Latest returns the retained snapshot for an operation together with
// its version marker, for conditional polling.
func (h *Hub) Latest(operationID string) (dbsync.Snapshot, string, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	entry, ok := h.latest[operationID]
	if !ok {
		return dbsync.Snapshot{}, "", false
	}
	return entry.snap, entry.version, true
}

// Current returns the most recently published snapshot across operations
func (h *Hub) Current() (dbsync.Snapshot, string, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.current == nil {
		return dbsync.Snapshot{}, "", false
	}
	return h.current.snap, h.current.version, true
}

// versionOf derives a stable content marker for a snapshot. Identical
// visible state yields an identical marker, so clients can skip
// unchanged payloads with If-None-Match.
func versionOf(snap dbsync.Snapshot) string {
	data, err := json.Marshal(snap)
	if err != nil {
		// Snapshot is a plain value type; marshal cannot fail in practice.
		return ""
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:8])
}
