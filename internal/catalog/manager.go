package catalog

import (
	"errors"
	"sync/atomic"
	"time"
)

type Manager struct {
	active atomic.Pointer[Snapshot]
}

func NewManager() *Manager { return &Manager{} }

// Set swaps in a new snapshot. Readers holding the previous one keep a consistent view.
func (m *Manager) Set(s Snapshot) {
	cp := new(Snapshot)
	*cp = s
	if cp.LoadedAt.IsZero() {
		cp.LoadedAt = time.Now().UTC()
	}
	m.active.Store(cp)
}

// Get retrieves the active snapshot
func (m *Manager) Get() (*Snapshot, bool) {
	s := m.active.Load()
	return s, s != nil && s.Catalog != nil
}

// CatalogVersion returns the active catalog version for headers
// Implements httpmw.CatalogInfo interface
func (m *Manager) CatalogVersion() string {
	s, ok := m.Get()
	if !ok {
		return ""
	}
	return s.Catalog.Version
}

// CatalogHash returns the active document digest for headers
// Implements httpmw.CatalogInfo interface
func (m *Manager) CatalogHash() string {
	s := m.active.Load()
	if s == nil {
		return ""
	}
	return s.SHA256
}

// Source returns the source of the active catalog, or SourceUnknown
func (m *Manager) Source() Source {
	s := m.active.Load()
	if s == nil {
		return SourceUnknown
	}
	return s.Source
}

// LoadedAt returns when the active catalog was loaded, zero if none
func (m *Manager) LoadedAt() time.Time {
	s := m.active.Load()
	if s == nil {
		return time.Time{}
	}
	return s.LoadedAt
}

// ReadyErr returns an error if there is no active snapshot
func (m *Manager) ReadyErr() error {
	if _, ok := m.Get(); !ok {
		return errors.New("catalog: no active snapshot")
	}
	return nil
}
