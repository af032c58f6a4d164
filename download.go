package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/rs/zerolog/log"

	"github.com/ign-ite/bittorrent-client/config"
	"github.com/ign-ite/bittorrent-client/db"
	"github.com/ign-ite/bittorrent-client/db/models"
	"github.com/ign-ite/bittorrent-client/torrent"
	"github.com/ign-ite/bittorrent-client/utils"
)

// DownloadTorrent reads a torrent file, registers it in the progress
// database, and runs a coordinator against it until the download
// completes or ctx is cancelled.
func DownloadTorrent(ctx context.Context, torrentFile string) error {
	log.Info().Msg("Downloading torrent: " + torrentFile)

	content, err := os.ReadFile(torrentFile)
	if err != nil {
		return err
	}
	tor, err := torrent.TorrentFromBytes(content)
	if err != nil {
		return err
	}

	torrentFilename := filepath.Base(torrentFile)
	cachePath := filepath.Join(config.Main.CacheDir, torrentFilename)
	if err := utils.CopyFile(torrentFile, cachePath); err != nil {
		return err
	}

	dlModel, err := mainDB.CreateDownload(tor, cachePath)
	if err != nil {
		return err
	}

	tracker, err := torrent.NewMultiTracker(tor.AnnounceList)
	if err != nil {
		dlModel.Status = models.Error
		dlModel.LastError = err.Error()
		mainDB.UpdateDownload(dlModel)
		return fmt.Errorf("no usable trackers: %w", err)
	}

	downloadPath := filepath.Join(config.Main.DownloadDir, tor.Name)
	if err := os.MkdirAll(downloadPath, os.ModePerm); err != nil {
		dlModel.Status = models.Error
		dlModel.LastError = fmt.Sprintf("failed to create download directory: %s", err.Error())
		mainDB.UpdateDownload(dlModel)
		return err
	}

	reporter := db.NewDownloadProgressRecorder(mainDB, dlModel)
	coord, err := torrent.NewCoordinator(tor, tracker, downloadPath, reporter)
	if err != nil {
		dlModel.Status = models.Error
		dlModel.LastError = err.Error()
		mainDB.UpdateDownload(dlModel)
		return err
	}
	coord.SetTrackerReporter(db.NewTrackerStatusRecorder(mainDB, dlModel))
	defer coord.Stop()

	dlModel.Status = models.Downloading
	mainDB.UpdateDownload(dlModel)

	log.Info().Msg("Starting download of pieces")
	if err := coord.Run(ctx); err != nil && ctx.Err() == nil {
		dlModel.Status = models.Error
		dlModel.LastError = err.Error()
		mainDB.UpdateDownload(dlModel)
		return err
	}

	dlModel.Status = models.Complete
	mainDB.UpdateDownload(dlModel)
	log.Info().Str("torrent", tor.Name).Msg("download finished")
	return nil
}
