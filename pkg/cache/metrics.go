package cache

import "sync"

// Metrics counts cache activity for one decorated repository.
// Safe for concurrent use.
type Metrics struct {
	mu            sync.Mutex
	hits          int64
	misses        int64
	writes        int64
	invalidations int64
	errors        int64
}

// Snapshot is a read-only view of the counters with derived rates.
type Snapshot struct {
	Hits            int64   `json:"hits"`
	Misses          int64   `json:"misses"`
	Writes          int64   `json:"writes"`
	Invalidations   int64   `json:"invalidations"`
	Errors          int64   `json:"errors"`
	TotalOperations int64   `json:"total_operations"`
	HitRate         float64 `json:"hit_rate"`
}

func (m *Metrics) hit()        { m.mu.Lock(); m.hits++; m.mu.Unlock() }
func (m *Metrics) miss()       { m.mu.Lock(); m.misses++; m.mu.Unlock() }
func (m *Metrics) write()      { m.mu.Lock(); m.writes++; m.mu.Unlock() }
func (m *Metrics) invalidate() { m.mu.Lock(); m.invalidations++; m.mu.Unlock() }
func (m *Metrics) error()      { m.mu.Lock(); m.errors++; m.mu.Unlock() }

// Snapshot returns the current counter values. HitRate is hits over reads;
// TotalOperations covers every counted event.
func (m *Metrics) Snapshot() Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()

	s := Snapshot{
		Hits:          m.hits,
		Misses:        m.misses,
		Writes:        m.writes,
		Invalidations: m.invalidations,
		Errors:        m.errors,
	}
	s.TotalOperations = s.Hits + s.Misses + s.Writes + s.Invalidations + s.Errors
	if reads := s.Hits + s.Misses; reads > 0 {
		s.HitRate = float64(s.Hits) / float64(reads)
	}
	return s
}
