package scheduler

import (
	"net/netip"
	"sync"

	"github.com/prxssh/rabbit-core/internal/bitfield"
	"github.com/prxssh/rabbit-core/internal/peer"
	"github.com/prxssh/rabbit-core/internal/piece"
)

// session tracks the one piece assignment a single peer connection may
// hold at a time: which piece, and how many bytes of it have been
// received so far. It mediates between a *peer.Peer's callbacks and the
// Scheduler's shared fileBitfield/inFlight state.
type session struct {
	sched *Scheduler
	addr  netip.AddrPort
	peer  *peer.Peer

	mu            sync.Mutex
	hasAssignment bool
	pieceIndex    int
	nextOffset    int
}

func newSession(s *Scheduler, addr netip.AddrPort) *session {
	return &session{sched: s, addr: addr}
}

func (sess *session) onBitfield(_ netip.AddrPort, _ bitfield.Bitfield) {
	sess.maybeSendInterested()
}

func (sess *session) onHave(_ netip.AddrPort, _ int) {
	sess.maybeSendInterested()
}

func (sess *session) maybeSendInterested() {
	if sess.peer.AmInterested() {
		return
	}

	peerBF := sess.peer.Bitfield()

	sess.sched.mu.RLock()
	needed := sess.sched.hasNeededLocked(peerBF)
	sess.sched.mu.RUnlock()

	if needed {
		sess.peer.SendInterested()
	}
}

func (sess *session) onUnchoked(_ netip.AddrPort) {
	sess.mu.Lock()
	defer sess.mu.Unlock()

	if sess.hasAssignment {
		sess.requestNextLocked()
		return
	}
	sess.acquireLocked()
}

func (sess *session) onPiece(_ netip.AddrPort, index, begin int, block []byte) {
	completed, err := sess.sched.assembler.AddBlock(piece.Block{
		PieceIndex: index,
		Begin:      begin,
		Data:       block,
	})
	if err != nil {
		sess.sched.log.Warn("block rejected", "piece", index, "begin", begin, "error", err)
	}
	if completed != nil {
		if err := sess.sched.store.Submit(sess.sched.runCtx, completed); err != nil {
			sess.sched.log.Warn("submit to storage failed", "piece", index, "error", err)
		}
	}

	sess.mu.Lock()
	defer sess.mu.Unlock()

	if !sess.hasAssignment || index != sess.pieceIndex {
		return
	}

	sess.nextOffset += len(block)
	if sess.nextOffset >= sess.sched.pieceSize(index) {
		sess.sched.release(index)
		sess.hasAssignment = false
		sess.acquireLocked()
		return
	}
	sess.requestNextLocked()
}

func (sess *session) onKeepAlive(_ netip.AddrPort) {
	peerBF := sess.peer.Bitfield()

	sess.sched.mu.RLock()
	needed := sess.sched.hasNeededLocked(peerBF)
	sess.sched.mu.RUnlock()

	if !needed {
		sess.peer.Close()
	}
}

func (sess *session) onDisconnect(addr netip.AddrPort) {
	stats := sess.peer.Stats()
	sess.sched.log.Info("session ended",
		"addr", addr,
		"downloaded", stats.Downloaded,
		"pieces_received", stats.PiecesReceived,
		"requests_sent", stats.RequestsSent,
		"connected_for", stats.ConnectedFor,
	)

	sess.mu.Lock()
	defer sess.mu.Unlock()

	if sess.hasAssignment {
		sess.sched.assembler.Discard(sess.pieceIndex)
		sess.sched.release(sess.pieceIndex)
		sess.hasAssignment = false
	}
}

// acquireLocked claims the smallest needed piece this peer advertises,
// or closes the session if nothing is available. sess.mu must be held.
func (sess *session) acquireLocked() {
	peerBF := sess.peer.Bitfield()

	sess.sched.mu.Lock()
	index, ok := sess.sched.pickAssignableLocked(peerBF)
	if ok {
		sess.sched.inFlight[index] = struct{}{}
	}
	sess.sched.mu.Unlock()

	if !ok {
		// Close runs onDisconnect, which takes sess.mu; the caller holds
		// it, so close from another goroutine.
		go sess.peer.Close()
		return
	}

	sess.hasAssignment = true
	sess.pieceIndex = index
	sess.nextOffset = 0
	sess.requestNextLocked()
}

// requestNextLocked sends a Request for the block of the current
// assignment that starts at nextOffset. sess.mu must be held.
func (sess *session) requestNextLocked() {
	size := sess.sched.pieceSize(sess.pieceIndex)
	if sess.nextOffset >= size {
		return
	}

	blockIdx, ok := piece.BlockIndexForBegin(uint32(sess.nextOffset), uint32(size))
	if !ok {
		return
	}

	begin, length, ok := piece.BlockOffsetBounds(uint32(size), piece.MaxBlockLength, blockIdx)
	if !ok {
		return
	}

	sess.peer.SendRequest(sess.pieceIndex, int(begin), int(length))
}
