// Package scheduler coordinates the download of one torrent: it drives
// the tracker client for peer addresses, spawns a peer session per
// address, decides which piece each session should fetch next, and
// guarantees at most one session is ever assigned to a given piece at a
// time.
package scheduler

import (
	"context"
	"crypto/sha1"
	"log/slog"
	"net/netip"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prxssh/rabbit-core/internal/bitfield"
	"github.com/prxssh/rabbit-core/internal/meta"
	"github.com/prxssh/rabbit-core/internal/peer"
	"github.com/prxssh/rabbit-core/internal/piece"
	"github.com/prxssh/rabbit-core/internal/storage"
	"github.com/prxssh/rabbit-core/internal/tracker"
	"golang.org/x/sync/errgroup"
)

// Opts configures a Scheduler. Every field mirrors a config.Config
// tunable; cmd/rabbit is responsible for the config package wiring.
type Opts struct {
	Log      *slog.Logger
	ClientID [sha1.Size]byte
	Port     uint16

	MaxPeers          int
	NumWant           int
	DialTimeout       time.Duration
	ReadTimeout       time.Duration
	WriteTimeout      time.Duration
	KeepAliveInterval time.Duration
	OutboundQueueSize int

	MinAnnounceInterval time.Duration
	TrackerReadTimeout  time.Duration
	TrackerRetries      int
}

// Scheduler owns the shared download state for one torrent: which pieces
// are verified (fileBitfield), which are assigned to a session
// (inFlight), and which peer addresses already have a live session.
type Scheduler struct {
	log       *slog.Logger
	meta      *meta.Metainfo
	tracker   *tracker.Tracker
	assembler *piece.Assembler
	store     *storage.Store
	opts      Opts

	firstAnnounce atomic.Bool

	mu           sync.RWMutex
	fileBitfield bitfield.Bitfield
	inFlight     map[int]struct{}
	connected    map[netip.AddrPort]struct{}

	runCtx context.Context

	done      chan struct{}
	closeOnce sync.Once
}

// New builds a Scheduler for m, wiring its own tracker client for peer
// discovery and driving asm and store for block assembly and disk
// writes.
func New(m *meta.Metainfo, asm *piece.Assembler, store *storage.Store, opts Opts) (*Scheduler, error) {
	s := &Scheduler{
		log:          opts.Log.With("component", "scheduler"),
		meta:         m,
		assembler:    asm,
		store:        store,
		opts:         opts,
		fileBitfield: bitfield.New(m.PieceCount()),
		inFlight:     make(map[int]struct{}),
		connected:    make(map[netip.AddrPort]struct{}),
		done:         make(chan struct{}),
	}

	trk, err := tracker.New(m.Announce, m.AnnounceList, tracker.Opts{
		Log:                 opts.Log,
		MinAnnounceInterval: opts.MinAnnounceInterval,
		ReadTimeout:         opts.TrackerReadTimeout,
		Retries:             opts.TrackerRetries,
		OnAnnounceStart:     s.announceRequest,
		OnAnnounceSuccess:   s.admitPeers,
	})
	if err != nil {
		return nil, err
	}
	s.tracker = trk

	return s, nil
}

// Run drives the download to completion: the tracker's announce loop,
// the disk-writer drain loop, and the per-peer session supervisors
// spawned as the tracker reports new addresses. It returns when ctx is
// cancelled or every piece has been verified and written.
func (s *Scheduler) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	g, gctx := errgroup.WithContext(ctx)
	s.runCtx = gctx

	g.Go(func() error { return s.tracker.Run(gctx) })
	g.Go(func() error { return s.drainWrites(gctx) })
	g.Go(func() error {
		select {
		case <-gctx.Done():
			return nil
		case <-s.done:
			tm := s.TrackerMetrics()
			s.log.Info("download complete",
				"announces", tm.SuccessfulAnnounces,
				"failed_announces", tm.FailedAnnounces,
				"peers_received", tm.TotalPeersReceived,
			)
			cancel()
			return nil
		}
	})

	if err := g.Wait(); err != nil && ctx.Err() == nil {
		return err
	}
	return nil
}

// Complete reports whether every piece has been verified and written.
func (s *Scheduler) Complete() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.fileBitfield.All(s.meta.PieceCount())
}

// TrackerMetrics exposes the underlying tracker's announce counters.
func (s *Scheduler) TrackerMetrics() tracker.Metrics { return s.tracker.Metrics() }

func (s *Scheduler) announceRequest() *tracker.AnnounceRequest {
	event := tracker.EventNone
	if !s.firstAnnounce.Swap(true) {
		event = tracker.EventStarted
	}

	return &tracker.AnnounceRequest{
		InfoHash: s.meta.InfoHash,
		PeerID:   s.opts.ClientID,
		Port:     s.opts.Port,
		Left:     uint64(s.remainingBytes()),
		Event:    event,
		NumWant:  s.opts.NumWant,
	}
}

func (s *Scheduler) remainingBytes() int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var have int64
	for i := 0; i < s.meta.PieceCount(); i++ {
		if !s.fileBitfield.Has(i) {
			continue
		}
		length, _ := piece.PieceLengthAt(uint32(i), uint64(s.meta.Size()), uint32(s.meta.Info.PieceLength))
		have += int64(length)
	}
	return s.meta.Size() - have
}

// admitPeers is invoked by the tracker whenever an announce returns
// addresses. It spawns a session for every address not already
// connected, up to MaxPeers.
func (s *Scheduler) admitPeers(addrs []netip.AddrPort) {
	for _, addr := range addrs {
		s.mu.Lock()
		_, dup := s.connected[addr]
		full := len(s.connected) >= s.opts.MaxPeers
		if !dup && !full {
			s.connected[addr] = struct{}{}
		}
		s.mu.Unlock()

		if dup || full {
			continue
		}

		go s.runSession(addr)
	}
}

func (s *Scheduler) runSession(addr netip.AddrPort) {
	l := s.log.With("addr", addr)
	defer func() {
		s.mu.Lock()
		delete(s.connected, addr)
		s.mu.Unlock()
	}()

	sess := newSession(s, addr)

	p, err := peer.Dial(s.runCtx, addr, peer.Opts{
		Log:               s.log,
		PieceCount:        s.meta.PieceCount(),
		InfoHash:          s.meta.InfoHash,
		ClientID:          s.opts.ClientID,
		DialTimeout:       s.opts.DialTimeout,
		ReadTimeout:       s.opts.ReadTimeout,
		WriteTimeout:      s.opts.WriteTimeout,
		KeepAliveInterval: s.opts.KeepAliveInterval,
		OutboundQueueSize: s.opts.OutboundQueueSize,
		OnBitfield:        sess.onBitfield,
		OnHave:            sess.onHave,
		OnUnchoked:        sess.onUnchoked,
		OnPiece:           sess.onPiece,
		OnKeepAlive:       sess.onKeepAlive,
		OnDisconnect:      sess.onDisconnect,
	})
	if err != nil {
		l.Debug("dial failed", "error", err)
		return
	}
	sess.peer = p

	if err := p.Run(s.runCtx); err != nil {
		l.Debug("session ended", "error", err)
	}
}

func (s *Scheduler) drainWrites(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil

		case res, ok := <-s.store.Results():
			if !ok {
				return nil
			}
			if res.Err != nil {
				s.log.Error("piece write failed", "piece", res.Index, "error", res.Err)
				continue
			}

			s.mu.Lock()
			s.fileBitfield.Set(res.Index)
			complete := s.fileBitfield.All(s.meta.PieceCount())
			s.mu.Unlock()

			s.log.Info("piece written", "piece", res.Index)

			if complete {
				s.closeOnce.Do(func() { close(s.done) })
				return nil
			}
		}
	}
}

// pickAssignableLocked returns the smallest piece index the local peer
// still needs, that peerBF advertises, and that is not already in
// flight to another session. Caller must hold s.mu.
func (s *Scheduler) pickAssignableLocked(peerBF bitfield.Bitfield) (int, bool) {
	for i := 0; i < s.meta.PieceCount(); i++ {
		if s.fileBitfield.Has(i) {
			continue
		}
		if !peerBF.Has(i) {
			continue
		}
		if _, busy := s.inFlight[i]; busy {
			continue
		}
		return i, true
	}
	return 0, false
}

// hasNeededLocked reports whether peerBF advertises any piece the local
// peer still lacks, regardless of in-flight status. Caller must hold
// s.mu (read lock suffices).
func (s *Scheduler) hasNeededLocked(peerBF bitfield.Bitfield) bool {
	for i := 0; i < s.meta.PieceCount(); i++ {
		if !s.fileBitfield.Has(i) && peerBF.Has(i) {
			return true
		}
	}
	return false
}

func (s *Scheduler) release(index int) {
	s.mu.Lock()
	delete(s.inFlight, index)
	s.mu.Unlock()
}

func (s *Scheduler) pieceSize(index int) int {
	length, _ := piece.PieceLengthAt(uint32(index), uint64(s.meta.Size()), uint32(s.meta.Info.PieceLength))
	return int(length)
}
