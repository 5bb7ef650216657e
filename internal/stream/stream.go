// Package stream turns a room's append-only log into a sequence of full,
// ordered snapshots: one on subscribe and one after every change.
package stream

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"icebreaker/backend/internal/metrics"
	"icebreaker/backend/internal/models"
	"icebreaker/backend/pkg/logger"
)

// ErrChangesClosed means the change feed ended without being cancelled
var ErrChangesClosed = errors.New("change feed closed")

// Source is the storage side of a subscription
type Source interface {
	ListMessages(ctx context.Context, roomID string) ([]models.Message, error)
	Changes(ctx context.Context, roomID string) (<-chan struct{}, func(), error)
}

// SubscriptionError terminates a subscription. Subscribing again recovers.
type SubscriptionError struct {
	RoomID string
	Cause  error
}

func (e *SubscriptionError) Error() string {
	return fmt.Sprintf("room %s subscription: %v", e.RoomID, e.Cause)
}

func (e *SubscriptionError) Unwrap() error {
	return e.Cause
}

// Subscription delivers ordered batches for one room until closed or failed
type Subscription struct {
	roomID  string
	src     Source
	log     *logger.Logger
	batches chan []models.Message

	cancel    context.CancelFunc
	stopFeed  func()
	closeOnce sync.Once

	mu  sync.Mutex
	err error

	// observed holds every message delivered so far, in order
	observed []models.Message
}

// Subscribe starts a subscription for roomID. The first batch is the current
// log; each later batch follows a change signal. Batches are full snapshots
// so the consumer replaces its state rather than patching it.
func Subscribe(ctx context.Context, src Source, roomID string, log *logger.Logger) (*Subscription, error) {
	if log == nil {
		log = logger.Nop()
	}
	ctx, cancel := context.WithCancel(ctx)

	changes, stopFeed, err := src.Changes(ctx, roomID)
	if err != nil {
		cancel()
		metrics.SubscriptionErrors.Inc()
		return nil, &SubscriptionError{RoomID: roomID, Cause: err}
	}

	s := &Subscription{
		roomID:   roomID,
		src:      src,
		log:      log.WithComponent("stream").WithRoom(roomID),
		batches:  make(chan []models.Message),
		cancel:   cancel,
		stopFeed: stopFeed,
	}
	metrics.ActiveSubscriptions.Inc()
	go s.run(ctx, changes)
	return s, nil
}

// Batches returns the delivery channel. It is closed when the subscription
// ends; check Err to tell a failure from a Close.
func (s *Subscription) Batches() <-chan []models.Message {
	return s.batches
}

// Err returns the terminating error, or nil if the subscription is still
// running or was closed by its consumer
func (s *Subscription) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Close stops delivery and releases the change feed. It is idempotent and
// safe to call from the goroutine consuming Batches. Once it returns the
// batch channel is closed and no further batch can be received.
func (s *Subscription) Close() {
	s.closeOnce.Do(func() {
		s.cancel()
		s.stopFeed()
	})
	for range s.batches {
	}
}

func (s *Subscription) run(ctx context.Context, changes <-chan struct{}) {
	defer func() {
		metrics.ActiveSubscriptions.Dec()
		close(s.batches)
	}()

	for {
		batch, err := s.load(ctx)
		if err != nil {
			if ctx.Err() == nil {
				s.fail(err)
			}
			return
		}

		select {
		case s.batches <- batch:
			metrics.BatchesDelivered.Inc()
		case <-ctx.Done():
			return
		}

		select {
		case _, ok := <-changes:
			if !ok {
				if ctx.Err() == nil {
					s.fail(ErrChangesClosed)
				}
				return
			}
		case <-ctx.Done():
			return
		}
	}
}

func (s *Subscription) fail(err error) {
	s.mu.Lock()
	s.err = &SubscriptionError{RoomID: s.roomID, Cause: err}
	s.mu.Unlock()

	metrics.SubscriptionErrors.Inc()
	s.log.Warn("subscription terminated", "error", err.Error())
	s.stopFeed()
}

// load reads the log and merges it with what was already delivered, so a
// message once observed is never dropped from a later batch
func (s *Subscription) load(ctx context.Context) ([]models.Message, error) {
	fetched, err := s.src.ListMessages(ctx, s.roomID)
	if err != nil {
		return nil, err
	}
	s.observed = Merge(s.observed, fetched)

	out := make([]models.Message, len(s.observed))
	copy(out, s.observed)
	return out, nil
}

// Merge returns the ordered union of two message sets, keyed by id
func Merge(observed, fetched []models.Message) []models.Message {
	merged := make([]models.Message, 0, len(observed)+len(fetched))
	seen := make(map[string]struct{}, len(observed)+len(fetched))
	for _, set := range [][]models.Message{fetched, observed} {
		for _, m := range set {
			if _, ok := seen[m.ID]; ok {
				continue
			}
			seen[m.ID] = struct{}{}
			merged = append(merged, m)
		}
	}
	models.SortMessages(merged)
	return merged
}
