package messaging

import (
	"runtime/debug"
	"sync"

	dxerrors "github.com/ajitpratap0/duplex-sdk-go/pkg/errors"
	"github.com/ajitpratap0/duplex-sdk-go/pkg/logging"
	"github.com/ajitpratap0/duplex-sdk-go/pkg/threading"
)

// ChannelEvent reports a connection change of an output channel
type ChannelEvent struct {
	ChannelID          string
	ResponseReceiverID string
	SenderAddress      string
}

// ResponseReceiverEvent reports a connection change of a response receiver
// on an input channel.
type ResponseReceiverEvent struct {
	ChannelID          string
	ResponseReceiverID string
	SenderAddress      string
}

// MessageEvent carries a payload received by a channel
type MessageEvent struct {
	ChannelID          string
	ResponseReceiverID string
	SenderAddress      string
	Message            []byte
}

// Subscription is returned by event registration and releases the slot
type Subscription interface {
	Unsubscribe()
}

type subscriptionFunc func()

func (f subscriptionFunc) Unsubscribe() { f() }

// Event holds at most one handler. Subscribing while a handler is
// registered fails with an AlreadyRegistered error.
type Event[T any] struct {
	component string
	name      string

	mu      sync.Mutex
	handler func(T)
	gen     uint64
}

// NewEvent creates an event named name, owned by component
func NewEvent[T any](component, name string) *Event[T] {
	return &Event[T]{component: component, name: name}
}

// Subscribe registers handler
func (s *Event[T]) Subscribe(handler func(T)) (Subscription, error) {
	if handler == nil {
		return nil, dxerrors.InvalidArgument("handler", nil, "non-nil event handler")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.handler != nil {
		return nil, dxerrors.AlreadyRegistered(s.component, s.name)
	}
	s.gen++
	gen := s.gen
	s.handler = handler

	var once sync.Once
	return subscriptionFunc(func() {
		once.Do(func() {
			s.mu.Lock()
			defer s.mu.Unlock()
			if s.gen == gen {
				s.handler = nil
			}
		})
	}), nil
}

// Subscribed reports whether a handler is registered
func (s *Event[T]) Subscribed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.handler != nil
}

// Raise calls the handler, if any, outside the event lock
func (s *Event[T]) Raise(ev T) {
	s.mu.Lock()
	handler := s.handler
	s.mu.Unlock()

	if handler != nil {
		handler(ev)
	}
}

// Dispatch runs fn through d, isolating panics so one failing handler does
// not stop delivery of later events.
func Dispatch(d threading.Dispatcher, logger logging.Logger, event string, fn func()) {
	d.Invoke(func() {
		defer func() {
			if r := recover(); r != nil {
				logger.Error("event handler panicked",
					logging.String("event", event),
					logging.Any("panic", r),
					logging.String("stack", string(debug.Stack())),
				)
			}
		}()
		fn()
	})
}
