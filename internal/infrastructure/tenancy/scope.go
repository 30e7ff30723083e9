// Package tenancy carries the identity of the tenant (and acting user) a
// unit of work runs for.
//
// A Scope is an explicit object attached to a context.Context. It is never
// stored in goroutine-local or global state, so a goroutine only sees the
// scope it was handed:
//
//	err := tenancy.Run(ctx, tenantID, userID, func(ctx context.Context) error {
//		return svc.CreateEvent(ctx, req)
//	})
//
// Work spawned with Go starts with no scope at all; work that must act for
// the same tenant is started with GoWithScope, which hands it a copy.
package tenancy

import (
	"context"
	"errors"
	"sync"

	"github.com/google/uuid"
)

var (
	// ErrNoTenantScope is returned when a tenant is required but none is active
	ErrNoTenantScope = errors.New("no tenant scope is active")
	// ErrInvalidTenantID is returned when a scope is set with the nil UUID
	ErrInvalidTenantID = errors.New("tenant id must not be nil")
)

// Scope holds the tenant and user identity of one unit of work.
// It is safe for concurrent use.
type Scope struct {
	mu       sync.RWMutex
	tenantID uuid.UUID
	userID   uuid.UUID
	set      bool
}

// NewScope returns an empty scope
func NewScope() *Scope {
	return &Scope{}
}

// Set establishes the tenant and user. userID may be uuid.Nil for system work.
func (s *Scope) Set(tenantID, userID uuid.UUID) error {
	if tenantID == uuid.Nil {
		return ErrInvalidTenantID
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tenantID = tenantID
	s.userID = userID
	s.set = true
	return nil
}

// Get returns the active tenant or ErrNoTenantScope
func (s *Scope) Get() (uuid.UUID, error) {
	tenantID, ok := s.GetOptional()
	if !ok {
		return uuid.Nil, ErrNoTenantScope
	}
	return tenantID, nil
}

// GetOptional returns the active tenant, if any
func (s *Scope) GetOptional() (uuid.UUID, bool) {
	if s == nil {
		return uuid.Nil, false
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.tenantID, s.set
}

// UserID returns the acting user, if one was set
func (s *Scope) UserID() (uuid.UUID, bool) {
	if s == nil {
		return uuid.Nil, false
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.userID, s.set && s.userID != uuid.Nil
}

// IsSet reports whether a tenant is active
func (s *Scope) IsSet() bool {
	_, ok := s.GetOptional()
	return ok
}

// Clear removes tenant and user. Clearing an empty scope is a no-op.
func (s *Scope) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tenantID = uuid.Nil
	s.userID = uuid.Nil
	s.set = false
}

// Copy returns an independent scope with the same identity.
// Clearing either one does not affect the other.
func (s *Scope) Copy() *Scope {
	c := NewScope()
	if s == nil {
		return c
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	c.tenantID, c.userID, c.set = s.tenantID, s.userID, s.set
	return c
}

type scopeKey struct{}

// WithScope returns a context carrying s
func WithScope(ctx context.Context, s *Scope) context.Context {
	return context.WithValue(ctx, scopeKey{}, s)
}

// FromContext returns the scope attached to ctx. It never returns nil: when
// no scope is attached an empty, detached scope is returned.
func FromContext(ctx context.Context) *Scope {
	if ctx != nil {
		if s, ok := ctx.Value(scopeKey{}).(*Scope); ok && s != nil {
			return s
		}
	}
	return NewScope()
}

// TenantID is shorthand for FromContext(ctx).GetOptional()
func TenantID(ctx context.Context) (uuid.UUID, bool) {
	return FromContext(ctx).GetOptional()
}

// Run executes fn inside a fresh scope for tenantID/userID. The scope is
// cleared when fn returns, fails or panics.
func Run(ctx context.Context, tenantID, userID uuid.UUID, fn func(ctx context.Context) error) error {
	s := NewScope()
	if err := s.Set(tenantID, userID); err != nil {
		return err
	}
	defer s.Clear()
	return fn(WithScope(ctx, s))
}

// detachedContext hides the parent's scope while keeping its deadline,
// cancellation and other values.
type detachedContext struct {
	context.Context
}

func (c detachedContext) Value(key any) any {
	if _, ok := key.(scopeKey); ok {
		return nil
	}
	return c.Context.Value(key)
}

// Detach returns a context that carries no tenant scope
func Detach(ctx context.Context) context.Context {
	return detachedContext{Context: ctx}
}

// Go runs fn in a new goroutine with no tenant scope
func Go(ctx context.Context, fn func(ctx context.Context)) {
	detached := Detach(ctx)
	go fn(detached)
}

// GoWithScope runs fn in a new goroutine with a copy of the caller's scope.
// The copy is cleared when fn returns.
func GoWithScope(ctx context.Context, fn func(ctx context.Context)) {
	child := FromContext(ctx).Copy()
	childCtx := WithScope(Detach(ctx), child)
	go func() {
		defer child.Clear()
		fn(childCtx)
	}()
}
