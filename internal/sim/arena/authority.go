package arena

import (
	"context"
	"errors"
	"sync/atomic"
)

// ErrUnauthorized is returned for mutations attempted on a process that is not the
// current authority and has no route to it.
var ErrUnauthorized = errors.New("not the capture authority")

// Authority answers whether this process currently owns capture state.
type Authority interface {
	IsAuthority() bool
}

// StaticAuthority is a flag set at startup or flipped by an external election.
type StaticAuthority struct{ v atomic.Bool }

func NewStaticAuthority(isAuthority bool) *StaticAuthority {
	a := &StaticAuthority{}
	a.v.Store(isAuthority)
	return a
}

func (a *StaticAuthority) IsAuthority() bool { return a.v.Load() }

func (a *StaticAuthority) Set(isAuthority bool) { a.v.Store(isAuthority) }

// Forwarder routes occupancy requests, registrations and departures to the
// remote authority.
type Forwarder interface {
	Forward(ctx context.Context, req OccupancyRequest) error
	ForwardTeam(ctx context.Context, p PlayerUpdate) error
	ForwardLeave(ctx context.Context, player string) error
}
