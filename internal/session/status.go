// Package session holds per-principal state that must survive between the
// pre-flight and post-flight phases of one exchange.
//
// FILES:
//   - status.go: Status type and Backend interface
//   - memory.go: In-process backend with TTL cleanup
//   - redis.go:  Shared backend for multi-replica hosts
//   - store.go:  Store with per-principal locking
//
// DESIGN: Entries are keyed by principal ID only. Distinct principals never
// share an entry, so one principal's outage can never affect another's
// post-flight decision. Entries are transient: they are evicted after the
// outlet finishes, and a TTL catches exchanges whose outlet never arrived.
package session

import (
	"context"
	"time"
)

// DefaultTTL bounds how long an abandoned entry survives.
const DefaultTTL = 30 * time.Minute

// Status is the transient state recorded for one principal.
type Status struct {
	Outage    bool      `json:"outage"`
	Degraded  bool      `json:"degraded"`
	StartedAt time.Time `json:"started_at,omitempty"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Backend persists Status values by principal ID.
type Backend interface {
	// Load returns the stored status and whether it existed.
	Load(ctx context.Context, id string) (Status, bool, error)
	Save(ctx context.Context, id string, st Status) error
	Delete(ctx context.Context, id string) error
	Close() error
}
