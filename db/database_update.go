package db

import (
	"github.com/ign-ite/bittorrent-client/db/models"
)

// UpdateDownload persists a download record's current status/progress.
func (d *Database) UpdateDownload(download *models.Download) error {
	return d.db.Save(download).Error
}
