package torrent

import (
	"context"
	"fmt"
	"net/url"
	"time"
)

// AnnounceStats is what the coordinator reports to the tracker on each
// announce cycle (spec section 4.4/6).
type AnnounceStats struct {
	First      bool
	Uploaded   int64
	Downloaded int64
	Left       int64
}

// AnnounceResult is the tracker's response: a re-announce interval and a
// set of candidate peer addresses.
type AnnounceResult struct {
	Interval time.Duration
	Peers    []*Peer
}

// Tracker is the engine's collaborator for contacting a tracker. It is
// the external shim spec section 6 describes as an async
// "announce(stats) -> (interval, peer_list)" operation.
type Tracker interface {
	Announce(ctx context.Context, me *Peer, tor *Torrent, stats AnnounceStats) (*AnnounceResult, error)
	AnnounceURL() string
	LastCheck() int64
	LastError() error
	Seeders() int
	Leechers() int
	// Close releases any resources held by the tracker client. Spec
	// section 9 flags the source's synchronous close of an ostensibly
	// async client as an open question; here it genuinely is a
	// synchronous call with nothing left running afterward.
	Close() error
}

// NewTracker builds a Tracker for the given announce URL. UDP trackers
// are an explicit non-goal (spec section 1); only http/https is
// supported.
func NewTracker(announce string) (Tracker, error) {
	u, err := url.Parse(announce)
	if err != nil {
		return nil, err
	}
	scheme := u.Scheme
	if scheme == "" {
		scheme = "http"
	}
	switch scheme {
	case "http", "https":
		return NewHTTPTracker(announce), nil
	default:
		return nil, fmt.Errorf("unsupported tracker scheme: %s", scheme)
	}
}
