package dispatch

import (
	"context"
	"errors"
)

const (
	DefaultRequestSubject  = "relay.worker.request"
	DefaultResponseSubject = "relay.worker.response"
)

var (
	ErrBusClosed       = errors.New("dispatch: bus closed")
	ErrSubjectRequired = errors.New("dispatch: subject required")
	ErrNilHandler      = errors.New("dispatch: nil handler")
)

// Handler receives one message payload. Handlers must not retain data.
type Handler func(ctx context.Context, data []byte)

type Subscription interface {
	Unsubscribe() error
}

// Bus is a subject-addressed, fire-and-forget message channel.
type Bus interface {
	Publish(ctx context.Context, subject string, data []byte) error
	Subscribe(ctx context.Context, subject string, handler Handler) (Subscription, error)
	Close() error
}

// Subjects names the two topics of the dispatch hop.
type Subjects struct {
	Request  string
	Response string
}

func DefaultSubjects() Subjects {
	return Subjects{
		Request:  DefaultRequestSubject,
		Response: DefaultResponseSubject,
	}
}

// WithDefaults fills blank subjects.
func (s Subjects) WithDefaults() Subjects {
	def := DefaultSubjects()
	if s.Request == "" {
		s.Request = def.Request
	}
	if s.Response == "" {
		s.Response = def.Response
	}
	return s
}
