package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/labstack/echo/v5"
	"github.com/spf13/cobra"

	"github.com/corvid-dl/corvid/internal/api"
	"github.com/corvid-dl/corvid/internal/app"
	"github.com/corvid-dl/corvid/internal/engine"
	"github.com/corvid-dl/corvid/internal/infra/config"
	"github.com/corvid-dl/corvid/internal/infra/logger"
	"github.com/corvid-dl/corvid/internal/store"
)

var (
	flagOut           string
	flagConnections   int
	flagMaxSpeed      int64
	flagMinSpeed      int64
	flagChecksum      string
	flagPieceHashFile string
	flagServeAPI      bool
	flagDebug         bool
)

var getCmd = &cobra.Command{
	Use:   "get URL",
	Short: "Download a URL over segmented parallel connections",
	Args:  cobra.ExactArgs(1),
	RunE:  runGet,
}

func init() {
	getCmd.Flags().StringVarP(&flagOut, "out", "o", "", "output file path")
	getCmd.Flags().IntVarP(&flagConnections, "connections", "n", 0, "parallel connections (overrides config)")
	getCmd.Flags().Int64Var(&flagMaxSpeed, "max-speed", -1, "bytes/sec ceiling, 0 = unlimited")
	getCmd.Flags().Int64Var(&flagMinSpeed, "min-speed", -1, "bytes/sec floor, 0 = disabled")
	getCmd.Flags().StringVar(&flagChecksum, "checksum", "", "whole-file digest as algo:hex")
	getCmd.Flags().StringVar(&flagPieceHashFile, "piece-hashes", "", "file with one hex piece digest per line, matching segment_size")
	getCmd.Flags().BoolVar(&flagServeAPI, "api", false, "serve the status API while downloading")
	getCmd.Flags().BoolVar(&flagDebug, "debug", false, "debug logging")
}

func runGet(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return err
	}
	applyFlags(cfg)

	level := cfg.Log.Level
	if flagDebug {
		level = "debug"
	}
	log := logger.New(level, nil)

	// Graceful shutdown on Ctrl+C
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var history engine.HistoryStore
	var appStore app.Store
	if cfg.Store.SQLitePath != "" {
		st, err := store.NewPersistentStore(cfg.Store.SQLitePath)
		if err != nil {
			return fmt.Errorf("opening history store: %w", err)
		}
		defer st.Close()
		history = st
		appStore = st
	}

	mgr := engine.NewManager(cfg, log, history)

	if flagServeAPI || cfg.API.Enabled {
		appCtx := app.NewContext(cfg, log)
		appCtx.Store = appStore
		appCtx.Sessions = mgr

		e := echo.New()
		api.RegisterRoutes(e, appCtx)

		srv := &http.Server{Addr: cfg.API.Listen, Handler: e}
		go func() {
			if serr := srv.ListenAndServe(); serr != nil && serr != http.ErrServerClosed {
				log.Warn("status API stopped: %v", serr)
			}
		}()
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			srv.Shutdown(shutdownCtx)
		}()
		log.Info("status API listening on %s", cfg.API.Listen)
	}

	opts := engine.SessionOptions{
		URL:      args[0],
		OutPath:  flagOut,
		Checksum: flagChecksum,
	}
	if flagPieceHashFile != "" {
		hashes, err := readPieceHashes(flagPieceHashFile)
		if err != nil {
			return err
		}
		opts.PieceHashes = hashes
		cfg.PieceHash.Enabled = true
	}

	record, err := mgr.Download(ctx, opts)
	if err != nil {
		return fmt.Errorf("download failed: %w", err)
	}

	elapsed := record.FinishedAt.Sub(record.StartedAt).Truncate(time.Millisecond)
	log.Info("saved %s (%d bytes in %s)", record.OutPath, record.BytesWritten, elapsed)
	return nil
}

func applyFlags(cfg *config.Config) {
	if flagConnections > 0 {
		cfg.Download.Connections = flagConnections
	}
	if flagMaxSpeed >= 0 {
		cfg.Download.MaxSpeed = flagMaxSpeed
	}
	if flagMinSpeed >= 0 {
		cfg.Download.MinSpeed = flagMinSpeed
	}
}

func readPieceHashes(path string) ([]string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading piece hashes: %w", err)
	}

	var hashes []string
	for _, line := range strings.Split(string(data), "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		hashes = append(hashes, strings.ToLower(line))
	}
	if len(hashes) == 0 {
		return nil, fmt.Errorf("no piece hashes in %s", path)
	}
	return hashes, nil
}
