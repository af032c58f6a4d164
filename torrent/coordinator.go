package torrent

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
)

// SessionPoolSize is the fixed number of persistent peer sessions the
// coordinator runs, per spec section 5.
const SessionPoolSize = 20

// idleSleep is how long the coordinator's main loop waits between
// completion/abort checks when there is nothing new to do.
const idleSleep = 5 * time.Second

// PeerQueueSize bounds how many candidate peer addresses the
// coordinator holds at once; excess addresses from an announce are
// dropped rather than blocking.
const PeerQueueSize = 200

// maxConsecutiveAnnounceFailures bounds how many announce cycles in a
// row may fail before the tracker is judged unreachable and Run returns
// an engine-fatal error, per spec section 7's third error stratum
// ("tracker unreachable on every attempt of an announce cycle").
const maxConsecutiveAnnounceFailures = 5

// ProgressReporter receives periodic download progress. The coordinator
// depends on it as an interface, not a bare callback, per spec section 9
// Design Notes ("callback as interface").
type ProgressReporter interface {
	ReportProgress(downloaded, uploaded, total int64)
}

// noopReporter is used when the caller doesn't want progress reports.
type noopReporter struct{}

func (noopReporter) ReportProgress(int64, int64, int64) {}

// TrackerReporter receives the active tracker's health after every
// announce attempt, successful or not, so a caller can persist it (e.g.
// the Tracker row's seeders/leechers/last-check/last-error columns).
type TrackerReporter interface {
	ReportTrackerStatus(announceURL string, seeders, leechers int, lastCheck int64, announceErr error)
}

// noopTrackerReporter is used when the caller doesn't want tracker
// status reports.
type noopTrackerReporter struct{}

func (noopTrackerReporter) ReportTrackerStatus(string, int, int, int64, error) {}

// Coordinator drives a single torrent's download to completion: it owns
// the piece manager, the tracker client, and a fixed pool of peer
// sessions sharing one peer-address queue (spec section 4.4).
type Coordinator struct {
	tor             *Torrent
	tracker         Tracker
	pm              *PieceManager
	localID         [20]byte
	reporter        ProgressReporter
	trackerReporter TrackerReporter

	peerQueue chan *Peer
	sessions  []*Session

	announceInterval        time.Duration
	consecutiveAnnounceFail int
}

// NewCoordinator builds a coordinator for tor, writing output under
// outputRoot and announcing to tracker. reporter may be nil.
func NewCoordinator(tor *Torrent, tracker Tracker, outputRoot string, reporter ProgressReporter) (*Coordinator, error) {
	pm, err := NewPieceManager(tor, outputRoot)
	if err != nil {
		return nil, err
	}
	if reporter == nil {
		reporter = noopReporter{}
	}

	peerQueue := make(chan *Peer, PeerQueueSize)
	localID := NewLocalPeerID()

	c := &Coordinator{
		tor:             tor,
		tracker:         tracker,
		pm:              pm,
		localID:         localID,
		reporter:        reporter,
		trackerReporter: noopTrackerReporter{},
		peerQueue:       peerQueue,
	}

	for i := 0; i < SessionPoolSize; i++ {
		c.sessions = append(c.sessions, NewSession(tor.InfoHash, localID, pm, peerQueue))
	}
	return c, nil
}

// SetTrackerReporter installs a TrackerReporter to receive tracker
// health after every announce attempt. Passing nil restores the no-op
// default.
func (c *Coordinator) SetTrackerReporter(r TrackerReporter) {
	if r == nil {
		r = noopTrackerReporter{}
	}
	c.trackerReporter = r
}

// Run starts the session pool and drives announce/progress/completion
// bookkeeping until the download completes, ctx is cancelled, the
// tracker is judged unreachable, or a verified piece fails to reach
// disk (spec section 4.4).
func (c *Coordinator) Run(ctx context.Context) error {
	sessionCtx, cancelSessions := context.WithCancel(ctx)
	defer cancelSessions()

	for _, s := range c.sessions {
		go s.Run(sessionCtx)
	}

	if err := c.tryAnnounce(ctx, true); err != nil {
		return err
	}

	lastAnnounce := time.Now()
	if c.announceInterval == 0 {
		c.announceInterval = 30 * time.Minute
	}

	for {
		if err := c.pm.Err(); err != nil {
			return err
		}

		if c.pm.Complete() {
			log.Info().Msg("download complete")
			return nil
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		c.reporter.ReportProgress(c.pm.BytesDownloaded(), c.pm.BytesUploaded(), c.tor.Length)

		if time.Since(lastAnnounce) >= c.announceInterval {
			if err := c.tryAnnounce(ctx, false); err != nil {
				return err
			}
			lastAnnounce = time.Now()
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(idleSleep):
		}
	}
}

// tryAnnounce runs one announce cycle and tracks consecutive failures.
// A single failed cycle is only logged and retried on schedule; once
// maxConsecutiveAnnounceFailures cycles in a row have failed, the
// tracker is judged unreachable and the failure is returned as
// engine-fatal (spec section 7).
func (c *Coordinator) tryAnnounce(ctx context.Context, first bool) error {
	err := c.announce(ctx, first)
	if err == nil {
		c.consecutiveAnnounceFail = 0
		return nil
	}

	c.consecutiveAnnounceFail++
	log.Warn().Err(err).Int("consecutive_failures", c.consecutiveAnnounceFail).Msg("announce failed")
	if c.consecutiveAnnounceFail >= maxConsecutiveAnnounceFailures {
		return fmt.Errorf("tracker unreachable after %d consecutive announce attempts: %w", c.consecutiveAnnounceFail, err)
	}
	return nil
}

// announce contacts the tracker, then drains any stale queued addresses
// and refills the queue with the freshly returned peer list (spec
// section 4.4: "drain then refill").
func (c *Coordinator) announce(ctx context.Context, first bool) error {
	me := &Peer{ID: string(c.localID[:]), Port: DefaultPort}
	stats := AnnounceStats{
		First:      first,
		Downloaded: c.pm.BytesDownloaded(),
		Uploaded:   c.pm.BytesUploaded(),
		Left:       c.tor.Length - c.pm.BytesDownloaded(),
	}

	result, err := c.tracker.Announce(ctx, me, c.tor, stats)
	c.trackerReporter.ReportTrackerStatus(c.tracker.AnnounceURL(), c.tracker.Seeders(), c.tracker.Leechers(), c.tracker.LastCheck(), c.tracker.LastError())
	if err != nil {
		return err
	}
	if result.Interval > 0 {
		c.announceInterval = result.Interval
	}

drain:
	for {
		select {
		case <-c.peerQueue:
		default:
			break drain
		}
	}

	for _, p := range result.Peers {
		select {
		case c.peerQueue <- p:
		default:
			// Queue is full; remaining peers are simply not tried until
			// the next announce.
		}
	}

	log.Info().Int("peers", len(result.Peers)).Dur("interval", c.announceInterval).Msg("announce complete")
	return nil
}

// Stop tears down the tracker client and the piece manager's output
// handles. Session goroutines are cancelled via the context passed to
// Run; this only needs to release the resources Run itself opened.
func (c *Coordinator) Stop() error {
	if err := c.tracker.Close(); err != nil {
		log.Warn().Err(err).Msg("error closing tracker")
	}
	return c.pm.Close()
}
