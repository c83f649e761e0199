package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"sync"

	"github.com/danmuck/edgerelay/internal/protocol/envelope"
	"github.com/rs/zerolog/log"
)

const DefaultGreeting = "Hello world!"

var (
	ErrNilBus        = errors.New("dispatch: nil bus")
	ErrNilProcessor  = errors.New("dispatch: nil processor")
	ErrWorkerStarted = errors.New("dispatch: worker already started")
)

// Processor produces the response payload for one request.
type Processor interface {
	Process(ctx context.Context, req envelope.Request) (json.RawMessage, error)
}

type ProcessorFunc func(ctx context.Context, req envelope.Request) (json.RawMessage, error)

func (f ProcessorFunc) Process(ctx context.Context, req envelope.Request) (json.RawMessage, error) {
	return f(ctx, req)
}

// EchoProcessor answers every request with the same greeting string.
type EchoProcessor struct {
	Greeting string
}

func (p EchoProcessor) Process(_ context.Context, _ envelope.Request) (json.RawMessage, error) {
	greeting := p.Greeting
	if greeting == "" {
		greeting = DefaultGreeting
	}
	return json.Marshal(greeting)
}

// Worker consumes request envelopes and publishes one response envelope
// per successfully processed request.
type Worker struct {
	bus      Bus
	proc     Processor
	subjects Subjects

	mu  sync.Mutex
	sub Subscription
}

func NewWorker(bus Bus, proc Processor, subjects Subjects) (*Worker, error) {
	if bus == nil {
		return nil, ErrNilBus
	}
	if proc == nil {
		return nil, ErrNilProcessor
	}
	return &Worker{
		bus:      bus,
		proc:     proc,
		subjects: subjects.WithDefaults(),
	}, nil
}

func (w *Worker) Subjects() Subjects {
	return w.subjects
}

// Start subscribes to the request subject. The subscription ends when ctx
// is done or Stop is called.
func (w *Worker) Start(ctx context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.sub != nil {
		return ErrWorkerStarted
	}
	sub, err := w.bus.Subscribe(ctx, w.subjects.Request, w.handle)
	if err != nil {
		return err
	}
	w.sub = sub
	log.Info().
		Str("request_subject", w.subjects.Request).
		Str("response_subject", w.subjects.Response).
		Msg("dispatch.Worker started")
	return nil
}

func (w *Worker) Stop() error {
	w.mu.Lock()
	sub := w.sub
	w.sub = nil
	w.mu.Unlock()
	if sub == nil {
		return nil
	}
	return sub.Unsubscribe()
}

func (w *Worker) handle(ctx context.Context, data []byte) {
	req, err := envelope.ParseRequest(data)
	if err != nil {
		log.Warn().Err(err).Msg("dispatch.Worker dropped undecodable request")
		return
	}
	payload, err := w.proc.Process(ctx, req)
	if err != nil {
		log.Warn().Err(err).Str("id", req.ID).Msg("dispatch.Worker processor failed")
		return
	}
	out, err := json.Marshal(envelope.Response{ID: req.ID, Response: payload})
	if err != nil {
		log.Warn().Err(err).Str("id", req.ID).Msg("dispatch.Worker encode failed")
		return
	}
	if err := w.bus.Publish(ctx, w.subjects.Response, out); err != nil {
		log.Warn().Err(err).Str("id", req.ID).Msg("dispatch.Worker publish failed")
		return
	}
	log.Debug().Str("id", req.ID).Msg("dispatch.Worker responded")
}
