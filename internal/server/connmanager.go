package server

import (
	"sync"
	"sync/atomic"
	"time"
)

// DefaultConnectionRetention is how long a connection record lives before
// housekeeping drops it.
const DefaultConnectionRetention = 5 * time.Minute

// ConnectionRecord is the bookkeeping entry for one accepted connection.
type ConnectionRecord struct {
	ID         string
	AcceptedAt time.Time
}

// ConnManager tracks live connections against a ceiling. It never touches
// sockets; it only accounts for them.
//
// Admit and Register are separate steps. Each accept loop runs them back to
// back before handing the connection off, so a burst can overshoot the
// ceiling only by the other accept loops racing between the two.
type ConnManager struct {
	records   sync.Map // id -> ConnectionRecord
	count     atomic.Int64
	max       int64
	retention time.Duration
	now       func() time.Time
}

// NewConnManager creates a manager admitting at most maxConns connections
// and keeping records for retention after registration.
func NewConnManager(maxConns int, retention time.Duration) *ConnManager {
	if retention <= 0 {
		retention = DefaultConnectionRetention
	}
	return &ConnManager{
		max:       int64(maxConns),
		retention: retention,
		now:       time.Now,
	}
}

// Admit reports whether another connection fits under the ceiling.
func (m *ConnManager) Admit() bool {
	return m.count.Load() < m.max
}

// Register records a connection. Registering an id twice keeps the first
// record and counts it once.
func (m *ConnManager) Register(id string) {
	rec := ConnectionRecord{ID: id, AcceptedAt: m.now()}
	if _, loaded := m.records.LoadOrStore(id, rec); !loaded {
		m.count.Add(1)
	}
}

// Unregister drops a connection record. It reports false when the record was
// already gone, for example after Reclaim removed it.
func (m *ConnManager) Unregister(id string) bool {
	if _, loaded := m.records.LoadAndDelete(id); loaded {
		m.count.Add(-1)
		return true
	}
	return false
}

// Count returns the number of registered connections.
func (m *ConnManager) Count() int64 {
	return m.count.Load()
}

// Max returns the connection ceiling.
func (m *ConnManager) Max() int64 {
	return m.max
}

// Get returns the record for id.
func (m *ConnManager) Get(id string) (ConnectionRecord, bool) {
	v, ok := m.records.Load(id)
	if !ok {
		return ConnectionRecord{}, false
	}
	return v.(ConnectionRecord), true
}

// Reclaim drops every record registered more than the retention window
// before now and returns how many were dropped. The connections themselves
// stay open; a reclaimed connection simply stops counting toward the ceiling.
func (m *ConnManager) Reclaim(now time.Time) int {
	cutoff := now.Add(-m.retention)
	reclaimed := 0
	m.records.Range(func(key, value any) bool {
		rec := value.(ConnectionRecord)
		if rec.AcceptedAt.Before(cutoff) {
			if _, loaded := m.records.LoadAndDelete(key); loaded {
				m.count.Add(-1)
				reclaimed++
			}
		}
		return true
	})
	return reclaimed
}
