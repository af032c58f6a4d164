package torrent

import (
	"context"
	"errors"
	"sync"
)

// multiTracker fans an announce out across a torrent's whole
// announce-list (BEP 12), trying trackers in order and sticking with
// the first one that answers until it starts failing. This is a
// supplemented feature: spec section 6 describes a single tracker
// client, but a real torrent file carries several.
type multiTracker struct {
	mu       sync.Mutex
	trackers []Tracker
	current  int
}

// NewMultiTracker builds a Tracker that tries each announce URL in
// order. Announce URLs that fail to construct a client (unsupported
// scheme) are skipped; NewMultiTracker fails only if none remain.
func NewMultiTracker(announceList []string) (Tracker, error) {
	var trackers []Tracker
	for _, announce := range announceList {
		t, err := NewTracker(announce)
		if err != nil {
			continue
		}
		trackers = append(trackers, t)
	}
	if len(trackers) == 0 {
		return nil, errors.New("torrent: no usable trackers in announce-list")
	}
	return &multiTracker{trackers: trackers}, nil
}

func (m *multiTracker) Announce(ctx context.Context, me *Peer, tor *Torrent, stats AnnounceStats) (*AnnounceResult, error) {
	m.mu.Lock()
	start := m.current
	m.mu.Unlock()

	var lastErr error
	for i := 0; i < len(m.trackers); i++ {
		idx := (start + i) % len(m.trackers)
		result, err := m.trackers[idx].Announce(ctx, me, tor, stats)
		if err == nil {
			m.mu.Lock()
			m.current = idx
			m.mu.Unlock()
			return result, nil
		}
		lastErr = err
	}
	return nil, lastErr
}

func (m *multiTracker) active() Tracker {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.trackers[m.current]
}

func (m *multiTracker) AnnounceURL() string { return m.active().AnnounceURL() }
func (m *multiTracker) LastCheck() int64    { return m.active().LastCheck() }
func (m *multiTracker) LastError() error    { return m.active().LastError() }
func (m *multiTracker) Seeders() int        { return m.active().Seeders() }
func (m *multiTracker) Leechers() int       { return m.active().Leechers() }

func (m *multiTracker) Close() error {
	var firstErr error
	for _, t := range m.trackers {
		if err := t.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
