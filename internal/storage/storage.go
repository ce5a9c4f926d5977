// Package storage lays out a torrent's files on disk and writes verified
// pieces to their correct byte ranges, potentially spanning file
// boundaries in multi-file mode.
package storage

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/prxssh/rabbit-core/internal/meta"
	"github.com/prxssh/rabbit-core/internal/piece"
)

// Config controls where and how a download's output is written.
type Config struct {
	// DownloadDir is the directory single-file output is written into,
	// and under which a multi-file torrent's named subtree is created.
	DownloadDir string
	// WriteQueueSize bounds how many verified pieces may be buffered
	// waiting for the disk-writer goroutine.
	WriteQueueSize int
}

// DefaultConfig returns a Config writing into ./downloads under the
// current working directory.
func DefaultConfig() Config {
	dir := "./downloads"
	if cwd, err := os.Getwd(); err == nil {
		dir = filepath.Join(cwd, "downloads")
	}
	return Config{DownloadDir: dir, WriteQueueSize: 64}
}

type datafile struct {
	f      *os.File
	offset int64
	length int64
	path   string
}

// Store owns the on-disk layout for one torrent and serializes writes of
// completed, hash-verified pieces through a single goroutine.
type Store struct {
	log      *slog.Logger
	pieceLen int64
	files    []*datafile

	writeQueue chan *piece.Completed
	results    chan WriteResult
}

// WriteResult reports whether a piece was committed to disk.
type WriteResult struct {
	Index int
	Err   error
}

// Open lays out (creating and truncating, but not zero-filling content
// beyond what truncate guarantees) the files described by m under
// cfg.DownloadDir, and returns a Store ready to accept completed pieces
// via Submit.
func Open(m *meta.Metainfo, cfg Config, log *slog.Logger) (*Store, error) {
	if cfg.DownloadDir == "" {
		cfg = DefaultConfig()
	}
	if cfg.WriteQueueSize <= 0 {
		cfg.WriteQueueSize = 64
	}

	files, err := layoutFiles(m, cfg.DownloadDir)
	if err != nil {
		return nil, fmt.Errorf("storage: layout files: %w", err)
	}

	return &Store{
		log:        log.With("component", "storage"),
		pieceLen:   m.Info.PieceLength,
		files:      files,
		writeQueue: make(chan *piece.Completed, cfg.WriteQueueSize),
		results:    make(chan WriteResult, cfg.WriteQueueSize),
	}, nil
}

// Results returns the channel on which write outcomes are delivered, one
// per Submit call, in submission order per piece (not globally ordered
// across pieces).
func (s *Store) Results() <-chan WriteResult { return s.results }

// Submit enqueues a verified piece for writing. Blocks if the write
// queue is full, applying backpressure to the assembler.
func (s *Store) Submit(ctx context.Context, c *piece.Completed) error {
	select {
	case s.writeQueue <- c:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Run drains the write queue until ctx is cancelled.
func (s *Store) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case c, ok := <-s.writeQueue:
			if !ok {
				return nil
			}
			err := s.writePiece(c)
			if err != nil {
				s.log.Error("write piece failed", "piece", c.Index, "error", err)
			}
			select {
			case s.results <- WriteResult{Index: c.Index, Err: err}:
			case <-ctx.Done():
				return nil
			}
		}
	}
}

// Close releases the underlying file handles. Safe to call once, after
// Run has returned.
func (s *Store) Close() error {
	var firstErr error
	for _, f := range s.files {
		if err := f.f.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// writePiece scatters one piece's bytes across every file it overlaps,
// computed from each file's absolute byte range in the torrent.
func (s *Store) writePiece(c *piece.Completed) error {
	pieceStart := int64(c.Index) * s.pieceLen
	pieceEnd := pieceStart + int64(len(c.Data))

	for _, file := range s.files {
		fileStart := file.offset
		fileEnd := fileStart + file.length

		overlapStart := max(pieceStart, fileStart)
		overlapEnd := min(pieceEnd, fileEnd)
		if overlapStart >= overlapEnd {
			continue
		}

		writeLen := overlapEnd - overlapStart
		offsetInFile := overlapStart - fileStart
		offsetInData := overlapStart - pieceStart

		n, err := file.f.WriteAt(c.Data[offsetInData:offsetInData+writeLen], offsetInFile)
		if err != nil {
			return fmt.Errorf("write %s: %w", file.path, err)
		}
		if int64(n) != writeLen {
			return fmt.Errorf("short write to %s: wrote %d want %d", file.path, n, writeLen)
		}
	}

	return nil
}

// layoutFiles creates (or truncates to size) every output file and
// records its absolute byte offset within the torrent's logical byte
// stream. Single-file mode is the required path; multi-file mode
// reconstructs the directory tree from each file's path segments.
func layoutFiles(m *meta.Metainfo, downloadDir string) ([]*datafile, error) {
	if err := os.MkdirAll(downloadDir, 0o755); err != nil {
		return nil, err
	}

	if m.Info.Mode == meta.SingleFile {
		path := filepath.Join(downloadDir, m.Info.Name)
		df, err := createFile(path, m.Info.Length, 0)
		if err != nil {
			return nil, err
		}
		return []*datafile{df}, nil
	}

	var (
		offset int64
		files  []*datafile
	)
	for _, f := range m.Info.Files {
		segments := append([]string{downloadDir, m.Info.Name}, f.Path...)
		path := filepath.Join(segments...)

		df, err := createFile(path, f.Length, offset)
		if err != nil {
			return nil, err
		}
		files = append(files, df)
		offset += f.Length
	}
	return files, nil
}

func createFile(path string, size, offset int64) (*datafile, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return nil, err
	}
	if err := f.Truncate(size); err != nil {
		f.Close()
		return nil, err
	}

	return &datafile{f: f, offset: offset, length: size, path: path}, nil
}
