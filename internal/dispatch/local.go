package dispatch

import (
	"context"
	"strings"
	"sync"

	"github.com/rs/zerolog/log"
)

const DefaultLocalQueueSize = 1024

// LocalBus is an in-process Bus. Each subscription owns a bounded queue
// drained by its own goroutine; a full queue drops the message.
type LocalBus struct {
	mu        sync.RWMutex
	subs      map[string]map[*localSub]struct{}
	queueSize int
	closed    bool
}

func NewLocalBus(queueSize int) *LocalBus {
	if queueSize <= 0 {
		queueSize = DefaultLocalQueueSize
	}
	return &LocalBus{
		subs:      make(map[string]map[*localSub]struct{}),
		queueSize: queueSize,
	}
}

func (b *LocalBus) Publish(_ context.Context, subject string, data []byte) error {
	subject = strings.TrimSpace(subject)
	if subject == "" {
		return ErrSubjectRequired
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return ErrBusClosed
	}
	subs := b.subs[subject]
	if len(subs) == 0 {
		log.Debug().Str("subject", subject).Msg("dispatch.LocalBus publish without subscribers")
		return nil
	}
	for sub := range subs {
		msg := make([]byte, len(data))
		copy(msg, data)
		select {
		case sub.queue <- msg:
		default:
			log.Warn().Str("subject", subject).Int("queue_size", b.queueSize).Msg("dispatch.LocalBus queue full, message dropped")
		}
	}
	return nil
}

func (b *LocalBus) Subscribe(ctx context.Context, subject string, handler Handler) (Subscription, error) {
	subject = strings.TrimSpace(subject)
	if subject == "" {
		return nil, ErrSubjectRequired
	}
	if handler == nil {
		return nil, ErrNilHandler
	}
	sub := &localSub{
		bus:     b,
		subject: subject,
		handler: handler,
		queue:   make(chan []byte, b.queueSize),
		done:    make(chan struct{}),
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil, ErrBusClosed
	}
	set, ok := b.subs[subject]
	if !ok {
		set = make(map[*localSub]struct{})
		b.subs[subject] = set
	}
	set[sub] = struct{}{}
	b.mu.Unlock()

	go sub.run(ctx)
	return sub, nil
}

// Close unsubscribes everything; later Publish and Subscribe calls fail.
func (b *LocalBus) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	var all []*localSub
	for _, set := range b.subs {
		for sub := range set {
			all = append(all, sub)
		}
	}
	b.subs = make(map[string]map[*localSub]struct{})
	b.mu.Unlock()

	for _, sub := range all {
		sub.stop()
	}
	return nil
}

func (b *LocalBus) remove(sub *localSub) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if set, ok := b.subs[sub.subject]; ok {
		delete(set, sub)
		if len(set) == 0 {
			delete(b.subs, sub.subject)
		}
	}
}

type localSub struct {
	bus      *LocalBus
	subject  string
	handler  Handler
	queue    chan []byte
	done     chan struct{}
	stopOnce sync.Once
}

func (s *localSub) Unsubscribe() error {
	s.bus.remove(s)
	s.stop()
	return nil
}

func (s *localSub) stop() {
	s.stopOnce.Do(func() {
		close(s.done)
	})
}

func (s *localSub) run(ctx context.Context) {
	for {
		select {
		case <-s.done:
			return
		case <-ctx.Done():
			_ = s.Unsubscribe()
			return
		case msg := <-s.queue:
			s.deliver(ctx, msg)
		}
	}
}

func (s *localSub) deliver(ctx context.Context, msg []byte) {
	defer func() {
		if r := recover(); r != nil {
			log.Error().Str("subject", s.subject).Interface("panic", r).Msg("dispatch.LocalBus handler panic")
		}
	}()
	s.handler(ctx, msg)
}
