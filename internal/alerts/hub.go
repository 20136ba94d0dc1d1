// Package alerts is the real-time operator channel.
package alerts

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"giftguard/internal/model"
)

// Channel receives fraud alerts. Implementations must not block on slow
// consumers.
type Channel interface {
	EmitFraudAlert(ctx context.Context, alert model.FraudAlert) error
}

// Hub keeps alert history and pushes each alert to the attached operator
// sessions. With no session attached an emit only updates history.
type Hub struct {
	logger  *slog.Logger
	history *Store
	bufSize int

	mu     sync.Mutex
	nextID int
	subs   map[int]chan model.FraudAlert
}

func NewHub(history *Store, subscriberBuffer int, logger *slog.Logger) *Hub {
	if history == nil {
		history = NewStore(0)
	}
	if subscriberBuffer <= 0 {
		subscriberBuffer = 64
	}
	return &Hub{
		logger:  logger,
		history: history,
		bufSize: subscriberBuffer,
		subs:    make(map[int]chan model.FraudAlert),
	}
}

func (h *Hub) History() *Store { return h.history }

// Subscribe attaches an operator session. The returned channel is closed by
// Unsubscribe or Close.
func (h *Hub) Subscribe() (int, <-chan model.FraudAlert) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.nextID++
	ch := make(chan model.FraudAlert, h.bufSize)
	h.subs[h.nextID] = ch
	return h.nextID, ch
}

func (h *Hub) Unsubscribe(id int) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if ch, ok := h.subs[id]; ok {
		delete(h.subs, id)
		close(ch)
	}
}

func (h *Hub) Subscribers() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs)
}

func (h *Hub) EmitFraudAlert(_ context.Context, alert model.FraudAlert) error {
	h.history.Add(alert)
	h.mu.Lock()
	defer h.mu.Unlock()
	if len(h.subs) == 0 {
		if h.logger != nil {
			h.logger.Debug("no operator session attached", "alert_id", alert.ID)
		}
		return nil
	}
	for id, ch := range h.subs {
		select {
		case ch <- alert:
		default:
			if h.logger != nil {
				h.logger.Warn("operator session lagging, alert dropped", "subscriber", id, "alert_id", alert.ID)
			}
		}
	}
	return nil
}

// Close detaches every session.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for id, ch := range h.subs {
		delete(h.subs, id)
		close(ch)
	}
}

// Fanout emits to every channel and joins their errors.
type Fanout []Channel

func (f Fanout) EmitFraudAlert(ctx context.Context, alert model.FraudAlert) error {
	var errs []error
	for _, ch := range f {
		if ch == nil {
			continue
		}
		if err := ch.EmitFraudAlert(ctx, alert); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
