package models

import "gorm.io/gorm"

// Download is one torrent's persisted progress record: enough to
// resume status reporting across restarts without re-deriving it from
// the piece manager's in-memory state.
type Download struct {
	gorm.Model
	InfoHash        string `gorm:"uniqueIndex"`
	Name            string
	TorrentFilename string
	Status          DownloadStatus
	LastError       string
	DownloadDir     string
	TotalSize       int64
	DownloadedSize  int64

	Trackers []Tracker
}

type DownloadStatus = string

const (
	Invalid     DownloadStatus = "invalid"
	Downloading DownloadStatus = "downloading"
	Complete    DownloadStatus = "complete"
	Error       DownloadStatus = "error"
)

// Tracker tracks one announce URL's health, one row per entry in the
// torrent's announce-list.
type Tracker struct {
	ID         uint `gorm:"primaryKey"`
	DownloadID uint
	Announce   string
	Status     TrackerStatus
	LastCheck  int64
	LastError  string
	Seeders    int
	Leechers   int
}

type TrackerStatus = string

const (
	TrackerInvalid    TrackerStatus = "invalid"
	TrackerAnnouncing TrackerStatus = "announcing"
	TrackerError      TrackerStatus = "error"
	TrackerComplete   TrackerStatus = "complete"
)
