package core

import "sync"

// Identity is the authentication collaborator. The core never handles
// credentials; it only needs a stable actor id and a logout signal.
type Identity interface {
	ActorID() string
	// Revoked is closed when the actor logs out or its session is revoked.
	Revoked() <-chan struct{}
}

// StaticIdentity is an Identity fixed at startup, revoked by hand.
type StaticIdentity struct {
	id      string
	once    sync.Once
	revoked chan struct{}
}

func NewStaticIdentity(actorID string) *StaticIdentity {
	return &StaticIdentity{id: actorID, revoked: make(chan struct{})}
}

func (s *StaticIdentity) ActorID() string          { return s.id }
func (s *StaticIdentity) Revoked() <-chan struct{} { return s.revoked }

// Revoke signals logout. Safe to call more than once.
func (s *StaticIdentity) Revoke() {
	s.once.Do(func() { close(s.revoked) })
}
