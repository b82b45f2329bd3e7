package ctrl

import (
	"sync"

	"github.com/pkg/errors"
)

// Local is an in-process Channel. Messages are delivered by calling Deliver.
type Local struct {
	mu     sync.Mutex
	family string
	h      Handler
}

func NewLocal() *Local {
	return &Local{}
}

func (l *Local) Register(family string, h Handler) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.h != nil {
		return errors.Wrap(ErrRegistered, l.family)
	}
	if h == nil {
		return errors.New("nil handler")
	}
	l.family, l.h = family, h
	return nil
}

func (l *Local) Unregister() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.h == nil {
		return ErrNotRegistered
	}
	l.family, l.h = "", nil
	return nil
}

// Family returns the registered family name, or "".
func (l *Local) Family() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.family
}

// Deliver dispatches msg to the registered handler.
func (l *Local) Deliver(msg Message) error {
	l.mu.Lock()
	h := l.h
	l.mu.Unlock()

	if h == nil {
		return ErrNotRegistered
	}
	return h(msg)
}
