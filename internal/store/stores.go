// Package store defines the durable entities of the runtime and the
// interfaces both persistence backends implement. The store is the single
// source of truth: in-process indices are projections rebuilt from it at
// startup.
package store

import (
	"context"
	"errors"
)

// Common store errors. Backends translate driver errors into these so
// callers can branch without importing driver packages.
var (
	ErrNotFound  = errors.New("record not found")
	ErrConflict  = errors.New("conflicting state")
	ErrDuplicate = errors.New("duplicate key")
	ErrClosed    = errors.New("store closed")
)

// Config selects and parameterizes a backend.
type Config struct {
	Mode        string // "standalone" (sqlite) or "managed" (postgres)
	SQLitePath  string
	PostgresDSN string
}

// Stores is the top-level container for all storage backends.
type Stores struct {
	Queue         QueueStore
	Receipts      ReceiptStore
	Pairing       PairingStore
	Orchestration OrchestrationStore
	Events        EventStore

	pinger func(context.Context) error
	closer func() error
}

// NewStores assembles a container. Backends call this from their factories.
func NewStores(q QueueStore, r ReceiptStore, p PairingStore, o OrchestrationStore, e EventStore, ping func(context.Context) error, close func() error) *Stores {
	return &Stores{
		Queue:         q,
		Receipts:      r,
		Pairing:       p,
		Orchestration: o,
		Events:        e,
		pinger:        ping,
		closer:        close,
	}
}

// Ping verifies the backing database is reachable.
func (s *Stores) Ping(ctx context.Context) error {
	if s.pinger == nil {
		return nil
	}
	return s.pinger(ctx)
}

// Close releases the backing database.
func (s *Stores) Close() error {
	if s.closer == nil {
		return nil
	}
	return s.closer()
}
