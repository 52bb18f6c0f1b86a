package jobsession

import (
	"sync"

	"go.uber.org/zap"
)

// Directory keeps the trackers a process follows so they can be listed,
// looked up by session id and re-bound after a reconnect.
type Directory struct {
	mu       sync.RWMutex
	trackers []*Tracker
	logger   *zap.Logger
}

// NewDirectory returns an empty Directory.
func NewDirectory(logger *zap.Logger) *Directory {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Directory{logger: logger.Named("sessions")}
}

// Add registers t. Adding the same tracker twice is a no-op.
func (d *Directory) Add(t *Tracker) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, existing := range d.trackers {
		if existing == t {
			return
		}
	}
	d.trackers = append(d.trackers, t)
}

// Remove forgets t. It does not close it.
func (d *Directory) Remove(t *Tracker) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for i, existing := range d.trackers {
		if existing == t {
			d.trackers = append(d.trackers[:i], d.trackers[i+1:]...)
			return
		}
	}
}

// Lookup finds the tracker owning sessionID.
func (d *Directory) Lookup(sessionID string) (*Tracker, bool) {
	if sessionID == "" {
		return nil, false
	}
	for _, t := range d.All() {
		if t.SessionID() == sessionID {
			return t, true
		}
	}
	return nil, false
}

// All returns the registered trackers in insertion order.
func (d *Directory) All() []*Tracker {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make([]*Tracker, len(d.trackers))
	copy(out, d.trackers)
	return out
}

// Len returns the number of registered trackers.
func (d *Directory) Len() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.trackers)
}

// ReopenAll re-binds every tracker that has a session and has not reached a
// terminal status. It returns how many ended up with a live subscription.
// Intended for the connection's OnConnect hook.
func (d *Directory) ReopenAll() int {
	bound := 0
	for _, t := range d.All() {
		if t.SessionID() == "" || t.Progress().Status.Terminal() {
			continue
		}
		ok, err := t.Open()
		if err != nil {
			d.logger.Warn("re-open session failed", zap.String("session_id", t.SessionID()), zap.Error(err))
			continue
		}
		if ok {
			bound++
		}
	}
	if bound > 0 {
		d.logger.Info("sessions re-bound after connect", zap.Int("count", bound))
	}
	return bound
}
