package db

import (
	"github.com/rs/zerolog/log"

	"github.com/ign-ite/bittorrent-client/db/models"
	"github.com/ign-ite/bittorrent-client/torrent"
)

// DownloadProgressRecorder implements torrent.ProgressReporter by
// writing each report into the download's row, so a restarted process
// can report last-known progress before the piece manager catches up.
type DownloadProgressRecorder struct {
	db    *Database
	model *models.Download
}

var _ torrent.ProgressReporter = (*DownloadProgressRecorder)(nil)

func NewDownloadProgressRecorder(db *Database, model *models.Download) *DownloadProgressRecorder {
	return &DownloadProgressRecorder{db: db, model: model}
}

func (r *DownloadProgressRecorder) ReportProgress(downloaded, uploaded, total int64) {
	r.model.DownloadedSize = downloaded
	r.model.TotalSize = total
	if downloaded >= total && total > 0 {
		r.model.Status = models.Complete
	}
	if err := r.db.UpdateDownload(r.model); err != nil {
		log.Warn().Err(err).Msg("failed to persist download progress")
	}
}
