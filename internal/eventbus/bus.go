package eventbus

import (
	"context"
	"fmt"
	"sync"
	"time"

	logx "github.com/meitar/better-angels/pkg/logx"
)

// Event is a lightweight, in-memory signal used to decouple components.
//
// Contract:
//   - Publish delivers synchronously, on the caller's goroutine, to every
//     handler subscribed to the event's kind, in subscription order.
//   - A handler error is logged and does NOT stop delivery to the
//     remaining handlers, nor is it returned to the publisher.
//
// This replaces what a framework would give us as lifecycle hooks: the
// membership manager publishes, the dispatch engine subscribes.
type Event interface {
	Kind() string
}

const (
	KindTeamPublished  = "team.published"
	KindMemberAdded    = "team.member_added"
	KindMemberRemoved  = "team.member_removed"
	KindTeamEmptied    = "team.emptied"
	KindAlertPublished = "alert.published"
)

type TeamPublished struct {
	TeamID string
}

func (TeamPublished) Kind() string { return KindTeamPublished }

type MemberAdded struct {
	TeamID string
	UserID string
}

func (MemberAdded) Kind() string { return KindMemberAdded }

type MemberRemoved struct {
	TeamID string
	UserID string
}

func (MemberRemoved) Kind() string { return KindMemberRemoved }

type TeamEmptied struct {
	TeamID string
}

func (TeamEmptied) Kind() string { return KindTeamEmptied }

type AlertPublished struct {
	AlertID string
}

func (AlertPublished) Kind() string { return KindAlertPublished }

// Handler processes one event. Keep handlers fast; Publish blocks on them.
type Handler func(ctx context.Context, e Event) error

type Bus struct {
	mu   sync.RWMutex
	subs map[string][]subscription
	seq  uint64
	log  logx.Logger
}

type subscription struct {
	id uint64
	h  Handler
}

// New returns an in-memory synchronous bus.
//
// It intentionally does not own any background goroutines.
func New(log logx.Logger) *Bus {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Bus{subs: map[string][]subscription{}, log: log}
}

// Subscribe registers h for events of the given kind and returns an
// unsubscribe func. Handlers registered first are invoked first.
func (b *Bus) Subscribe(kind string, h Handler) (unsubscribe func()) {
	b.mu.Lock()
	b.seq++
	id := b.seq
	b.subs[kind] = append(b.subs[kind], subscription{id: id, h: h})
	b.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			list := b.subs[kind]
			for i, s := range list {
				if s.id == id {
					b.subs[kind] = append(list[:i:i], list[i+1:]...)
					return
				}
			}
		})
	}
}

// Publish invokes every handler for e.Kind(), in order, synchronously.
func (b *Bus) Publish(ctx context.Context, e Event) {
	if e == nil {
		return
	}
	// Snapshot handlers so Publish doesn't hold locks while running them
	// (a handler may subscribe or unsubscribe reentrantly).
	b.mu.RLock()
	list := append([]subscription(nil), b.subs[e.Kind()]...)
	b.mu.RUnlock()

	for _, s := range list {
		start := time.Now()
		if err := safeCall(ctx, s.h, e); err != nil {
			b.log.Warn("event handler failed",
				logx.String("event", e.Kind()),
				logx.Duration("took", time.Since(start)),
				logx.Err(err),
			)
		}
	}
}

func safeCall(ctx context.Context, h Handler, e Event) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &PanicError{Value: r}
		}
	}()
	return h(ctx, e)
}

// PanicError wraps a recovered handler panic so it can be logged like an error.
type PanicError struct {
	Value any
}

func (p *PanicError) Error() string { return fmt.Sprintf("handler panic: %v", p.Value) }
