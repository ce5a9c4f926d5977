// Command rabbit downloads a single torrent to disk and exits once every
// piece has been verified and written.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/prxssh/rabbit-core/internal/config"
	"github.com/prxssh/rabbit-core/internal/logging"
	"github.com/prxssh/rabbit-core/internal/meta"
	"github.com/prxssh/rabbit-core/internal/piece"
	"github.com/prxssh/rabbit-core/internal/scheduler"
	"github.com/prxssh/rabbit-core/internal/storage"
)

func main() {
	log := logging.New(os.Stdout, nil)
	slog.SetDefault(log)

	if len(os.Args) != 2 {
		fmt.Fprintf(os.Stderr, "usage: %s <torrent-file>\n", os.Args[0])
		os.Exit(2)
	}

	if err := run(os.Args[1], log); err != nil {
		log.Error("download failed", "error", err)
		os.Exit(1)
	}
}

func run(torrentPath string, log *slog.Logger) error {
	data, err := os.ReadFile(torrentPath)
	if err != nil {
		return fmt.Errorf("read torrent file: %w", err)
	}

	m, err := meta.ParseMetainfo(data)
	if err != nil {
		return fmt.Errorf("parse metainfo: %w", err)
	}
	log.Info("loaded torrent", "name", m.Info.Name, "pieces", m.PieceCount(), "size", m.Size())

	cfg, err := config.Default()
	if err != nil {
		return fmt.Errorf("build config: %w", err)
	}

	store, err := storage.Open(m, storage.DefaultConfig(), log)
	if err != nil {
		return fmt.Errorf("open storage: %w", err)
	}
	defer store.Close()

	asm := piece.NewAssembler(m.Info.Pieces, m.Info.PieceLength, m.Size())

	sched, err := scheduler.New(m, asm, store, scheduler.Opts{
		Log:                 log,
		ClientID:            cfg.ClientID,
		Port:                cfg.Port,
		MaxPeers:            cfg.MaxPeers,
		NumWant:             cfg.NumWant,
		DialTimeout:         cfg.DialTimeout,
		ReadTimeout:         cfg.ReadTimeout,
		WriteTimeout:        cfg.WriteTimeout,
		KeepAliveInterval:   cfg.KeepAliveInterval,
		OutboundQueueSize:   cfg.PeerOutboundQueueBacklog,
		MinAnnounceInterval: cfg.MinAnnounceInterval,
		TrackerReadTimeout:  cfg.TrackerReadTimeout,
		TrackerRetries:      cfg.TrackerRetries,
	})
	if err != nil {
		return fmt.Errorf("build scheduler: %w", err)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	storeDone := make(chan error, 1)
	go func() { storeDone <- store.Run(ctx) }()

	schedErr := sched.Run(ctx)
	cancel()
	<-storeDone

	if schedErr != nil {
		return fmt.Errorf("scheduler: %w", schedErr)
	}

	if !sched.Complete() {
		return fmt.Errorf("download interrupted before completion")
	}

	log.Info("download complete", "name", m.Info.Name)
	return nil
}
