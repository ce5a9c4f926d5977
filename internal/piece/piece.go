// Package piece assembles verified pieces out of the blocks peer
// sessions deliver, and provides the piece/block size arithmetic shared
// by sessions, the assembler, and storage.
package piece

import (
	"crypto/sha1"
	"errors"
	"fmt"
	"sync"
)

// MaxBlockLength is the unit of transfer requested from peers (16KiB).
const MaxBlockLength = 16 * 1024

// Block is one "piece" message payload received from a peer session.
type Block struct {
	PieceIndex int
	Begin      int
	Data       []byte
}

// Completed is a fully received, hash-verified piece, ready for storage.
type Completed struct {
	Index int
	Data  []byte
}

var (
	ErrUnknownPiece = errors.New("piece: index out of range")
	ErrBlockOOB     = errors.New("piece: block out of bounds for piece")
	ErrHashMismatch = errors.New("piece: sha1 mismatch")
)

// Assembler accumulates blocks per piece index and verifies each piece's
// SHA-1 digest against the metainfo hash the instant it is fully
// received. Multiple distinct pieces may be in flight concurrently
// (assigned to different peer sessions); only one partial buffer exists
// per piece index at a time.
type Assembler struct {
	pieceLen int64
	total    int64
	hashes   [][sha1.Size]byte

	mu      sync.Mutex
	buffers map[int]*buffer
}

type buffer struct {
	size     int
	received int
	blocks   map[int][]byte
}

// NewAssembler builds an Assembler for a torrent of the given total size,
// nominal piece length, and per-piece SHA-1 digests.
func NewAssembler(hashes [][sha1.Size]byte, pieceLen, total int64) *Assembler {
	return &Assembler{
		pieceLen: pieceLen,
		total:    total,
		hashes:   hashes,
		buffers:  make(map[int]*buffer),
	}
}

// PieceLength returns the exact byte length of the piece at index,
// accounting for a possibly-shorter final piece.
func (a *Assembler) PieceLength(index int) (int, error) {
	if index < 0 || index >= len(a.hashes) {
		return 0, ErrUnknownPiece
	}

	length, ok := PieceLengthAt(uint32(index), uint64(a.total), uint32(a.pieceLen))
	if !ok {
		return 0, ErrUnknownPiece
	}
	return int(length), nil
}

// AddBlock records one received block. When the block completes its
// piece, the piece's SHA-1 is checked against the torrent's digest; a
// match returns the verified Completed piece, a mismatch returns
// ErrHashMismatch and discards the buffer so the piece can be
// re-requested from a different peer.
func (a *Assembler) AddBlock(b Block) (*Completed, error) {
	size, err := a.PieceLength(b.PieceIndex)
	if err != nil {
		return nil, err
	}
	if b.Begin < 0 || b.Begin+len(b.Data) > size {
		return nil, ErrBlockOOB
	}

	a.mu.Lock()
	buf, ok := a.buffers[b.PieceIndex]
	if !ok {
		buf = &buffer{size: size, blocks: make(map[int][]byte)}
		a.buffers[b.PieceIndex] = buf
	}

	if _, dup := buf.blocks[b.Begin]; dup {
		a.mu.Unlock()
		return nil, nil
	}

	buf.blocks[b.Begin] = b.Data
	buf.received += len(b.Data)

	if buf.received != buf.size {
		a.mu.Unlock()
		return nil, nil
	}

	data := make([]byte, buf.size)
	for begin, block := range buf.blocks {
		copy(data[begin:], block)
	}
	delete(a.buffers, b.PieceIndex)
	a.mu.Unlock()

	if sha1.Sum(data) != a.hashes[b.PieceIndex] {
		return nil, fmt.Errorf("%w: piece %d", ErrHashMismatch, b.PieceIndex)
	}

	return &Completed{Index: b.PieceIndex, Data: data}, nil
}

// Discard drops any partial buffer for a piece, used when a session that
// owned the assignment dies mid-piece so the next owner starts clean.
func (a *Assembler) Discard(index int) {
	a.mu.Lock()
	delete(a.buffers, index)
	a.mu.Unlock()
}
