// Package broadcast fans collaboration messages out to every connection
// subscribed to a document group.
package broadcast

import (
	"context"
	"sync"
)

// Subscriber is one connection handle. Deliver must not block; returning
// false tells the transport the subscriber is gone and should be dropped.
type Subscriber interface {
	ID() string
	Deliver(msg []byte) bool
}

type Transport interface {
	Subscribe(documentID string, sub Subscriber)
	Unsubscribe(documentID string, sub Subscriber)
	// Publish delivers msg to every subscriber of documentID, including the sender.
	Publish(ctx context.Context, documentID string, msg []byte) error
}

// Local is an in-process group registry.
type Local struct {
	mu     sync.RWMutex
	groups map[string]map[string]Subscriber
}

func NewLocal() *Local {
	return &Local{groups: map[string]map[string]Subscriber{}}
}

func (l *Local) Subscribe(documentID string, sub Subscriber) {
	l.mu.Lock()
	defer l.mu.Unlock()
	group, ok := l.groups[documentID]
	if !ok {
		group = map[string]Subscriber{}
		l.groups[documentID] = group
	}
	group[sub.ID()] = sub
}

func (l *Local) Unsubscribe(documentID string, sub Subscriber) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.remove(documentID, sub.ID())
}

func (l *Local) remove(documentID, id string) {
	group, ok := l.groups[documentID]
	if !ok {
		return
	}
	delete(group, id)
	if len(group) == 0 {
		delete(l.groups, documentID)
	}
}

func (l *Local) Publish(_ context.Context, documentID string, msg []byte) error {
	l.deliver(documentID, msg)
	return nil
}

func (l *Local) deliver(documentID string, msg []byte) {
	l.mu.RLock()
	targets := make([]Subscriber, 0, len(l.groups[documentID]))
	for _, sub := range l.groups[documentID] {
		targets = append(targets, sub)
	}
	l.mu.RUnlock()

	var dropped []string
	for _, sub := range targets {
		if !sub.Deliver(msg) {
			dropped = append(dropped, sub.ID())
		}
	}
	if len(dropped) == 0 {
		return
	}
	l.mu.Lock()
	for _, id := range dropped {
		l.remove(documentID, id)
	}
	l.mu.Unlock()
}

// Count returns the number of local subscribers on documentID.
func (l *Local) Count(documentID string) int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.groups[documentID])
}
