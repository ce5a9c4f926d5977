// Package peer drives a single outbound connection to a remote peer:
// handshake, message framing, choke/interest state, and delivering
// received blocks and bitfield/have updates to the scheduler that owns
// this session.
package peer

import (
	"context"
	"crypto/sha1"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/netip"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prxssh/rabbit-core/internal/bitfield"
	"github.com/prxssh/rabbit-core/internal/protocol"
	"golang.org/x/sync/errgroup"
)

const (
	maskAmChoking      = 1 << 0
	maskAmInterested   = 1 << 1
	maskPeerChoking    = 1 << 2
	maskPeerInterested = 1 << 3
)

// Peer is one live session with a remote address, from handshake through
// close. A Peer does not decide what to download; it reports events to
// the callbacks in Opts and sends what it is told to send.
type Peer struct {
	log          *slog.Logger
	conn         net.Conn
	addr         netip.AddrPort
	state        uint32
	stats        *Stats
	bitfieldMu   sync.RWMutex
	bitfield     bitfield.Bitfield
	lastActivity atomic.Int64
	outbox       chan *protocol.Message
	closeOnce    sync.Once
	stopped      atomic.Bool
	sendMu       sync.RWMutex
	cancel       context.CancelFunc

	dialTimeout       time.Duration
	readTimeout       time.Duration
	writeTimeout      time.Duration
	keepAliveInterval time.Duration

	onBitfield   func(netip.AddrPort, bitfield.Bitfield)
	onHave       func(netip.AddrPort, int)
	onDisconnect func(netip.AddrPort)
	onUnchoked   func(netip.AddrPort)
	onPiece      func(netip.AddrPort, int, int, []byte)
	onKeepAlive  func(netip.AddrPort)
}

// Stats holds per-connection counters and timestamps, all safe for
// concurrent access. This client never uploads, so there is no
// Uploaded/PiecesSent side to track.
type Stats struct {
	Downloaded       atomic.Uint64
	MessagesReceived atomic.Uint64
	MessagesSent     atomic.Uint64
	RequestsSent     atomic.Uint64
	PiecesReceived   atomic.Uint64
	Errors           atomic.Uint64
	ConnectedAt      time.Time
	DisconnectedAt   time.Time
}

// Metrics is a point-in-time snapshot of a Peer's Stats, logged by the
// scheduler when a session ends (see session.go's onDisconnect).
type Metrics struct {
	Addr           netip.AddrPort
	Downloaded     uint64
	RequestsSent   uint64
	PiecesReceived uint64
	LastActive     time.Time
	ConnectedAt    time.Time
	ConnectedFor   time.Duration
	IsChoked       bool
	IsInterested   bool
}

// Opts configures a new session. OnBitfield, OnHave, and OnPiece feed the
// scheduler's shared piece-selection state; OnUnchoked is the signal to
// ask the scheduler for work; OnDisconnect releases any assignment this
// session held.
type Opts struct {
	Log        *slog.Logger
	PieceCount int
	InfoHash   [sha1.Size]byte
	ClientID   [sha1.Size]byte

	DialTimeout       time.Duration
	ReadTimeout       time.Duration
	WriteTimeout      time.Duration
	KeepAliveInterval time.Duration
	OutboundQueueSize int

	OnBitfield   func(netip.AddrPort, bitfield.Bitfield)
	OnHave       func(netip.AddrPort, int)
	OnDisconnect func(netip.AddrPort)
	OnUnchoked   func(netip.AddrPort)
	OnPiece      func(netip.AddrPort, int, int, []byte)
	OnKeepAlive  func(netip.AddrPort)
}

// Dial connects to addr, performs the BitTorrent handshake verifying
// info_hash, and returns a Peer ready for Run. The handshake itself is
// not subject to dialTimeout's read/write deadlines; callers should wrap
// ctx with their own timeout if they want to bound it.
func Dial(ctx context.Context, addr netip.AddrPort, opts Opts) (*Peer, error) {
	log := opts.Log.With("addr", addr)

	dialer := net.Dialer{Timeout: opts.DialTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", addr.String())
	if err != nil {
		return nil, err
	}

	hs := protocol.NewHandshake(opts.InfoHash, opts.ClientID)
	if _, err := hs.Exchange(conn, true); err != nil {
		_ = conn.Close()
		return nil, err
	}

	queueSize := opts.OutboundQueueSize
	if queueSize <= 0 {
		queueSize = 64
	}

	p := &Peer{
		log:               log,
		conn:              conn,
		addr:              addr,
		stats:             &Stats{ConnectedAt: time.Now()},
		bitfield:          bitfield.New(opts.PieceCount),
		outbox:            make(chan *protocol.Message, queueSize),
		dialTimeout:       opts.DialTimeout,
		readTimeout:       opts.ReadTimeout,
		writeTimeout:      opts.WriteTimeout,
		keepAliveInterval: opts.KeepAliveInterval,
		onBitfield:        opts.OnBitfield,
		onHave:            opts.OnHave,
		onDisconnect:      opts.OnDisconnect,
		onUnchoked:        opts.OnUnchoked,
		onPiece:           opts.OnPiece,
		onKeepAlive:       opts.OnKeepAlive,
	}
	p.setState(maskAmChoking|maskPeerChoking, true)
	p.lastActivity.Store(time.Now().UnixNano())

	return p, nil
}

// Run drives the read and write loops until ctx is cancelled or either
// loop returns an error (connection dropped, protocol violation). It
// always closes the connection before returning and notifies
// OnDisconnect exactly once.
func (p *Peer) Run(ctx context.Context) error {
	defer p.Close()

	ctx, cancel := context.WithCancel(ctx)
	p.cancel = cancel

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return p.readLoop(gctx) })
	g.Go(func() error { return p.writeLoop(gctx) })

	return g.Wait()
}

// Close tears down the connection. Safe to call multiple times and
// concurrently with Run.
func (p *Peer) Close() {
	p.closeOnce.Do(func() {
		p.sendMu.Lock()
		p.stopped.Store(true)
		close(p.outbox)
		p.sendMu.Unlock()

		if p.cancel != nil {
			p.cancel()
		}
		_ = p.conn.Close()
		p.stats.DisconnectedAt = time.Now()

		if p.onDisconnect != nil {
			p.onDisconnect(p.addr)
		}
	})
}

func (p *Peer) Addr() netip.AddrPort { return p.addr }

func (p *Peer) Bitfield() bitfield.Bitfield {
	p.bitfieldMu.RLock()
	defer p.bitfieldMu.RUnlock()
	return p.bitfield.Clone()
}

func (p *Peer) SendKeepAlive()  { p.enqueue(nil) }
func (p *Peer) SendInterested() { p.enqueue(protocol.MessageInterested()) }

// SendRequest asks the peer for one block. A no-op while the peer is
// choking us: there is nothing useful to request.
func (p *Peer) SendRequest(index, begin, length int) {
	if p.PeerChoking() {
		return
	}
	p.enqueue(protocol.MessageRequest(uint32(index), uint32(begin), uint32(length)))
}

func (p *Peer) AmChoking() bool      { return p.getState(maskAmChoking) }
func (p *Peer) AmInterested() bool   { return p.getState(maskAmInterested) }
func (p *Peer) PeerChoking() bool    { return p.getState(maskPeerChoking) }
func (p *Peer) PeerInterested() bool { return p.getState(maskPeerInterested) }

func (p *Peer) getState(mask uint32) bool { return atomic.LoadUint32(&p.state)&mask != 0 }

func (p *Peer) setState(mask uint32, on bool) {
	for {
		old := atomic.LoadUint32(&p.state)
		next := old &^ mask
		if on {
			next = old | mask
		}
		if atomic.CompareAndSwapUint32(&p.state, old, next) {
			return
		}
	}
}

func (p *Peer) readLoop(ctx context.Context) error {
	l := p.log.With("component", "read loop")

	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}

		msg, err := p.readMessage()
		if err != nil {
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				continue
			}
			l.Debug("read failed, ending session", "error", err)
			return err
		}

		if err := p.handleMessage(msg); err != nil {
			l.Debug("handle message failed, ending session", "error", err)
			return err
		}
	}
}

func (p *Peer) writeLoop(ctx context.Context) error {
	ticker := time.NewTicker(p.keepAliveInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil

		case msg, ok := <-p.outbox:
			if !ok {
				return nil
			}
			if err := p.writeMessage(msg); err != nil {
				return err
			}

		case <-ticker.C:
			last := time.Unix(0, p.lastActivity.Load())
			if time.Since(last) >= p.keepAliveInterval {
				p.SendKeepAlive()
			}
		}
	}
}

func (p *Peer) readMessage() (*protocol.Message, error) {
	_ = p.conn.SetReadDeadline(time.Now().Add(p.readTimeout))
	defer p.conn.SetReadDeadline(time.Time{})

	msg, err := protocol.ReadMessage(p.conn)
	if err != nil {
		p.stats.Errors.Add(1)
		return nil, err
	}

	p.stats.MessagesReceived.Add(1)
	p.lastActivity.Store(time.Now().UnixNano())
	return msg, nil
}

func (p *Peer) writeMessage(msg *protocol.Message) error {
	_ = p.conn.SetWriteDeadline(time.Now().Add(p.writeTimeout))
	defer p.conn.SetWriteDeadline(time.Time{})

	if err := protocol.WriteMessage(p.conn, msg); err != nil {
		p.stats.Errors.Add(1)
		return err
	}

	p.onMessageWritten(msg)
	return nil
}

func (p *Peer) handleMessage(msg *protocol.Message) error {
	if protocol.IsKeepAlive(msg) {
		if p.onKeepAlive != nil {
			p.onKeepAlive(p.addr)
		}
		return nil
	}

	switch msg.ID {
	case protocol.Choke:
		p.setState(maskPeerChoking, true)

	case protocol.Unchoke:
		p.setState(maskPeerChoking, false)
		if p.onUnchoked != nil {
			p.onUnchoked(p.addr)
		}

	case protocol.Interested:
		p.setState(maskPeerInterested, true)

	case protocol.NotInterested:
		p.setState(maskPeerInterested, false)

	case protocol.Bitfield:
		bf := bitfield.FromBytes(msg.Payload)
		p.bitfieldMu.Lock()
		p.bitfield = bf
		p.bitfieldMu.Unlock()
		if p.onBitfield != nil {
			p.onBitfield(p.addr, bf)
		}

	case protocol.Have:
		index, ok := msg.ParseHave()
		if !ok {
			return errors.New("peer: malformed have message")
		}
		p.bitfieldMu.Lock()
		p.bitfield.Set(int(index))
		p.bitfieldMu.Unlock()
		if p.onHave != nil {
			p.onHave(p.addr, int(index))
		}

	case protocol.Piece:
		index, begin, block, ok := msg.ParsePiece()
		if !ok {
			return errors.New("peer: malformed piece message")
		}
		p.stats.PiecesReceived.Add(1)
		p.stats.Downloaded.Add(uint64(len(block)))
		if p.onPiece != nil {
			p.onPiece(p.addr, int(index), int(begin), block)
		}

	case protocol.Request, protocol.Cancel:
		// This client never uploads, so Request and Cancel from a
		// remote peer are accepted and ignored.

	case protocol.Extended:
		// Opaque payload, delivered to no one; this client does not
		// negotiate any extension.

	default:
		return fmt.Errorf("peer: unexpected message id %d", msg.ID)
	}

	return nil
}

func (p *Peer) onMessageWritten(msg *protocol.Message) {
	p.stats.MessagesSent.Add(1)
	p.lastActivity.Store(time.Now().UnixNano())

	if msg == nil {
		return
	}

	switch msg.ID {
	case protocol.Interested:
		p.setState(maskAmInterested, true)
	case protocol.Request:
		p.stats.RequestsSent.Add(1)
	}
}

// enqueue hands msg to the write loop unless the session has already been
// closed. sendMu excludes Close from flipping stopped and closing outbox
// while a send is in flight, so a concurrent enqueue can never reach a
// closed channel.
func (p *Peer) enqueue(msg *protocol.Message) bool {
	p.sendMu.RLock()
	defer p.sendMu.RUnlock()

	if p.stopped.Load() {
		return false
	}
	select {
	case p.outbox <- msg:
		return true
	default:
		return false
	}
}

// Stats returns a snapshot of this session's counters.
func (p *Peer) Stats() Metrics {
	last := time.Unix(0, p.lastActivity.Load())
	return Metrics{
		Addr:           p.addr,
		Downloaded:     p.stats.Downloaded.Load(),
		RequestsSent:   p.stats.RequestsSent.Load(),
		PiecesReceived: p.stats.PiecesReceived.Load(),
		LastActive:     last,
		ConnectedAt:    p.stats.ConnectedAt,
		ConnectedFor:   time.Since(p.stats.ConnectedAt),
		IsChoked:       p.PeerChoking(),
		IsInterested:   p.AmInterested(),
	}
}
