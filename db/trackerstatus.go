package db

import (
	"github.com/rs/zerolog/log"

	"github.com/ign-ite/bittorrent-client/db/models"
	"github.com/ign-ite/bittorrent-client/torrent"
)

// TrackerStatusRecorder implements torrent.TrackerReporter, persisting
// each announce attempt's outcome into the matching Tracker row (one
// per announce-list entry, keyed by announce URL).
type TrackerStatusRecorder struct {
	db    *Database
	model *models.Download
}

var _ torrent.TrackerReporter = (*TrackerStatusRecorder)(nil)

func NewTrackerStatusRecorder(db *Database, model *models.Download) *TrackerStatusRecorder {
	return &TrackerStatusRecorder{db: db, model: model}
}

func (r *TrackerStatusRecorder) ReportTrackerStatus(announceURL string, seeders, leechers int, lastCheck int64, announceErr error) {
	for i := range r.model.Trackers {
		t := &r.model.Trackers[i]
		if t.Announce != announceURL {
			continue
		}
		t.Seeders = seeders
		t.Leechers = leechers
		t.LastCheck = lastCheck
		if announceErr != nil {
			t.Status = models.TrackerError
			t.LastError = announceErr.Error()
		} else {
			t.Status = models.TrackerComplete
			t.LastError = ""
		}
		if err := r.db.UpdateTracker(t); err != nil {
			log.Warn().Err(err).Str("tracker", announceURL).Msg("failed to persist tracker status")
		}
		return
	}
}
