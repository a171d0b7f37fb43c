// Package publisher emits audit events to a store, synchronously or through a
// bounded buffer. The write pipeline must never block on the audit trail, so
// the async mode drops events when the buffer is full rather than stall a
// batch commit.
package publisher

import (
	"context"
	"errors"
	"log/slog"
	"math/rand"
	"sync"
	"time"

	"github.com/google/uuid"

	audit "custodia/pkg/platform/audit"
)

// ErrBufferFull reports a dropped event in async mode.
var ErrBufferFull = errors.New("audit buffer full")

// Lister is the read side some stores offer alongside audit.Store.
type Lister interface {
	ListByEntity(ctx context.Context, entityID uuid.UUID) ([]audit.Event, error)
}

// Publisher routes audit events to a store.
type Publisher struct {
	store   audit.Store
	logger  *slog.Logger
	opsRate *float64

	inbox chan audit.Event
	done  chan struct{}
	wg    sync.WaitGroup
	once  sync.Once
}

// Option configures a Publisher.
type Option func(*Publisher)

// WithAsyncBuffer switches the publisher to async mode with the given buffer
// size. Events beyond the buffer are dropped, not blocked on.
func WithAsyncBuffer(size int) Option {
	return func(p *Publisher) {
		p.inbox = make(chan audit.Event, size)
	}
}

// WithLogger sets the logger used for dropped-event warnings.
func WithLogger(logger *slog.Logger) Option {
	return func(p *Publisher) { p.logger = logger }
}

// WithOpsSampleRate samples operations-category events down to rate (0..1).
// Compliance and security events are never sampled.
func WithOpsSampleRate(rate float64) Option {
	return func(p *Publisher) { p.opsRate = &rate }
}

// NewPublisher builds a publisher. Without options it appends synchronously.
func NewPublisher(store audit.Store, opts ...Option) *Publisher {
	p := &Publisher{
		store:  store,
		logger: slog.Default(),
		done:   make(chan struct{}),
	}
	for _, opt := range opts {
		opt(p)
	}
	if p.inbox != nil {
		p.wg.Add(1)
		go p.drain()
	}
	return p
}

// Emit records the event. The timestamp is stamped if unset, and the category
// is derived from the action when the caller left it empty.
func (p *Publisher) Emit(ctx context.Context, event audit.Event) error {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}
	if event.Category == "" {
		event.Category = audit.AuditEvent(event.Action).Category()
	}
	if event.Category == audit.CategoryOperations && p.opsRate != nil {
		if rand.Float64() >= *p.opsRate {
			return nil
		}
	}

	if p.inbox == nil {
		return p.store.Append(ctx, event)
	}

	select {
	case p.inbox <- event:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	default:
		p.logger.WarnContext(ctx, "audit event dropped",
			slog.String("action", event.Action),
			slog.String("entity_id", event.EntityID.String()))
		return ErrBufferFull
	}
}

// List returns the events recorded for an entity, when the store supports it.
func (p *Publisher) List(ctx context.Context, entityID uuid.UUID) ([]audit.Event, error) {
	lister, ok := p.store.(Lister)
	if !ok {
		return nil, errors.New("audit store does not support listing")
	}
	return lister.ListByEntity(ctx, entityID)
}

// Close drains the async buffer and stops the background worker. Safe to call
// on a sync publisher and safe to call twice.
func (p *Publisher) Close() {
	p.once.Do(func() {
		close(p.done)
		p.wg.Wait()
	})
}

func (p *Publisher) drain() {
	defer p.wg.Done()
	for {
		select {
		case event := <-p.inbox:
			p.append(event)
		case <-p.done:
			for {
				select {
				case event := <-p.inbox:
					p.append(event)
				default:
					return
				}
			}
		}
	}
}

func (p *Publisher) append(event audit.Event) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := p.store.Append(ctx, event); err != nil {
		p.logger.Error("append audit event",
			slog.String("action", event.Action),
			slog.String("error", err.Error()))
	}
}
