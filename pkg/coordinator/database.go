package coordinator

import (
	"sync"

	"github.com/polystore/polystore/pkg/repository"
)

// Database is one registered backend. Priority orders read preference
// (higher wins); read-only databases are excluded from write fan-out.
type Database struct {
	Name     string
	Type     string
	Store    repository.Store
	Priority int
	ReadOnly bool

	mu      sync.RWMutex
	healthy bool
}

// Healthy reports the last observed health state.
func (d *Database) Healthy() bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.healthy
}

func (d *Database) setHealthy(healthy bool) {
	d.mu.Lock()
	d.healthy = healthy
	d.mu.Unlock()
}

// SessionStore returns the store's session interface when the backend
// supports transactions.
func (d *Database) SessionStore() (repository.SessionStore, bool) {
	ss, ok := d.Store.(repository.SessionStore)
	return ss, ok
}

// DatabaseInfo is an externally visible snapshot of one database.
type DatabaseInfo struct {
	Name     string `json:"name"`
	Type     string `json:"type"`
	Priority int    `json:"priority"`
	ReadOnly bool   `json:"read_only"`
	Healthy  bool   `json:"healthy"`
}

// Info returns a snapshot of the database registration.
func (d *Database) Info() DatabaseInfo {
	return DatabaseInfo{
		Name:     d.Name,
		Type:     d.Type,
		Priority: d.Priority,
		ReadOnly: d.ReadOnly,
		Healthy:  d.Healthy(),
	}
}
