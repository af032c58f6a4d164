package db

import (
	"log"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"github.com/ign-ite/bittorrent-client/config"
	"github.com/ign-ite/bittorrent-client/db/models"
	"github.com/ign-ite/bittorrent-client/torrent"
)

type Database struct {
	db *gorm.DB
}

func Init() (*Database, error) {
	gdb, err := gorm.Open(sqlite.Open(config.Main.DB.Path), &gorm.Config{})
	if err != nil {
		log.Fatal(err)
	}

	if err := gdb.AutoMigrate(&models.Download{}, &models.Tracker{}); err != nil {
		log.Fatal(err)
	}

	return &Database{db: gdb}, nil
}

func (d *Database) Close() {
	sqlDB, err := d.db.DB()
	if err != nil {
		log.Fatal(err)
	}
	sqlDB.Close()
}

// CreateDownload returns the existing progress record for tor if one
// exists (matched by info hash), or creates a fresh one with one
// Tracker row per announce-list entry.
func (d *Database) CreateDownload(tor *torrent.Torrent, torrentPath string) (*models.Download, error) {
	download := &models.Download{}
	if tx := d.db.Where("info_hash = ?", tor.InfoHashString()).First(download); tx.Error == nil {
		return d.preload(download)
	}

	download = &models.Download{
		InfoHash:        tor.InfoHashString(),
		Name:            tor.Name,
		TorrentFilename: torrentPath,
		Status:          models.Downloading,
		DownloadDir:     config.Main.DownloadDir,
		TotalSize:       tor.Length,
	}
	if err := d.db.Create(download).Error; err != nil {
		return nil, err
	}

	for _, announce := range tor.AnnounceList {
		tracker := &models.Tracker{
			DownloadID: download.ID,
			Announce:   announce,
			Status:     models.TrackerAnnouncing,
		}
		if err := d.db.Create(tracker).Error; err != nil {
			return nil, err
		}
	}

	return d.preload(download)
}

func (d *Database) preload(download *models.Download) (*models.Download, error) {
	result := d.db.Preload("Trackers").First(download)
	if result.Error != nil {
		return nil, result.Error
	}
	return download, nil
}

func (d *Database) UpdateTracker(tracker *models.Tracker) error {
	return d.db.Save(tracker).Error
}
