package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/alecthomas/kong"
	"github.com/rs/zerolog/log"

	"github.com/ign-ite/bittorrent-client/config"
	"github.com/ign-ite/bittorrent-client/db"
	"github.com/ign-ite/bittorrent-client/torrent"
)

const VERSION = "0.1.0"

var CLI struct {
	Verify struct {
		Torrent     string `arg:"" help:"Torrent file to verify." type:"existingfile"`
		ContentPath string `arg:"" optional:"" help:"Path to the content files." type:"existingdir"`
	} `cmd:"" help:"Verify a torrent file."`
	Download struct {
		Torrent string `arg:"" help:"Torrent file to download."`
	} `cmd:"" help:"Download a torrent file."`
}
var mainDB *db.Database

func main() {
	os.Exit(run())
}

// run carries out the parsed CLI command and returns the process exit
// code: 0 on completion, non-zero on an engine-fatal error (spec
// section 6, "Process surface"). It returns rather than calling
// os.Exit directly so that every deferred cleanup (DB handle, signal
// context, log flush) runs before the process exits.
func run() int {
	println("bittorrent-client v" + VERSION)
	initConfig()
	initLogging()
	defer shutdownLogging()
	ctx := kong.Parse(&CLI)
	cmd := ctx.Command()
	switch cmd {
	case "verify <torrent>", "verify <torrent> <content-path>":
		err := torrent.VerifyTorrent(CLI.Verify.Torrent, CLI.Verify.ContentPath)
		if err != nil {
			log.Error().Err(err).Msg("Error verifying torrent")
			return 1
		}
		println("Torrent verified successfully.")
	case "download <torrent>":
		initDB()
		defer mainDB.Close()

		runCtx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		if err := DownloadTorrent(runCtx, CLI.Download.Torrent); err != nil {
			log.Error().Err(err).Msg("Error downloading torrent")
			return 1
		}
	default:
		ctx.PrintUsage(false)
	}

	return 0
}

func initConfig() {
	// create the cache directory
	if err := os.MkdirAll(config.Main.CacheDir, os.ModePerm); err != nil {
		log.Fatal().Err(err).Str("path", config.Main.CacheDir).Msg("Failed to create cache directory")
	}

	// create the download directory
	if err := os.MkdirAll(config.Main.DownloadDir, os.ModePerm); err != nil {
		log.Fatal().Err(err).Str("path", config.Main.DownloadDir).Msg("Failed to create download directory")
	}
}

func initDB() {
	var err error
	mainDB, err = db.Init()
	if err != nil {
		log.Fatal().Err(err).Msg("Error initializing database")
	}
}
