// Package meta decodes .torrent files into a typed Metainfo descriptor.
package meta

import (
	"crypto/sha1"
	"errors"
	"fmt"
	"time"

	"github.com/prxssh/rabbit-core/internal/bencode"
)

// Metainfo is the parsed content of a .torrent file.
type Metainfo struct {
	InfoHash     [sha1.Size]byte
	Info         *Info
	Announce     string
	AnnounceList [][]string
	CreationDate time.Time
	CreatedBy    string
	Comment      string
	Encoding     string
}

// FileMode distinguishes single-file torrents from multi-file torrents.
type FileMode int

const (
	SingleFile FileMode = iota
	MultipleFiles
)

// Info is the decoded "info" dictionary: the part of the .torrent that is
// hashed to produce the swarm identifier.
type Info struct {
	Name        string
	PieceLength int64
	Pieces      [][sha1.Size]byte
	Private     bool

	Mode FileMode

	// Length and MD5Sum are populated when Mode == SingleFile.
	Length int64
	MD5Sum []byte

	// Files is populated when Mode == MultipleFiles.
	Files []*File
}

// File describes one entry of a multi-file torrent.
type File struct {
	Length int64
	MD5Sum []byte
	Path   []string
}

var (
	ErrTopLevelNotDict     = errors.New("metainfo: top-level value is not a dict")
	ErrAnnounceMissing     = errors.New("metainfo: 'announce' missing")
	ErrInfoMissing         = errors.New("metainfo: 'info' missing")
	ErrInfoNotDict         = errors.New("metainfo: 'info' is not a dict")
	ErrNameMissing         = errors.New("metainfo: 'info.name' missing")
	ErrPieceLenMissing     = errors.New("metainfo: 'info.piece length' missing")
	ErrPieceLenNonPositive = errors.New("metainfo: 'info.piece length' must be > 0")
	ErrPiecesMissing       = errors.New("metainfo: 'info.pieces' missing")
	ErrPiecesLenInvalid    = errors.New("metainfo: 'info.pieces' length not a multiple of 20")
	ErrLayoutInvalid       = errors.New("metainfo: exactly one of 'length' or 'files' is required")
	ErrCreationDateInvalid = errors.New("metainfo: invalid 'creation date'")
)

// Size returns the total content size in bytes: the single file's length,
// or the sum of all multi-file lengths.
func (m *Metainfo) Size() int64 {
	if m.Info.Mode == SingleFile {
		return m.Info.Length
	}

	var sum int64
	for _, f := range m.Info.Files {
		sum += f.Length
	}
	return sum
}

// PieceCount returns the number of pieces in the torrent.
func (m *Metainfo) PieceCount() int { return len(m.Info.Pieces) }

// ParseMetainfo decodes a .torrent file's bytes into a Metainfo.
//
// info_hash is computed as SHA-1 over the raw bencode bytes of the "info"
// subtree exactly as they appeared in data -- not a re-encoding. This is
// required so that non-canonical but well-formed torrents (arbitrary key
// order, unusual whitespace within string payloads, etc.) still produce
// the info-hash the rest of the swarm agrees on.
func ParseMetainfo(data []byte) (*Metainfo, error) {
	root, err := bencode.Decode(data)
	if err != nil {
		return nil, err
	}
	if root.Kind != bencode.KindDict {
		return nil, ErrTopLevelNotDict
	}

	infoVal := root.Get("info")
	if infoVal == nil {
		return nil, ErrInfoMissing
	}
	if infoVal.Kind != bencode.KindDict {
		return nil, ErrInfoNotDict
	}

	infoHash := sha1.Sum(infoVal.Raw)

	info, err := parseInfo(infoVal)
	if err != nil {
		return nil, err
	}

	announce, err := optionalString(root.Get("announce"))
	if err != nil {
		return nil, fmt.Errorf("metainfo: 'announce': %w", err)
	}

	announceList, err := parseAnnounceList(root.Get("announce-list"))
	if err != nil {
		return nil, err
	}
	if announce == "" && len(announceList) == 0 {
		return nil, ErrAnnounceMissing
	}

	var creationDate time.Time
	if cd := root.Get("creation date"); cd != nil {
		secs, err := cd.Int64()
		if err != nil || secs < 0 {
			return nil, ErrCreationDateInvalid
		}
		creationDate = time.Unix(secs, 0).UTC()
	}

	createdBy, err := optionalString(root.Get("created by"))
	if err != nil {
		return nil, fmt.Errorf("metainfo: 'created by': %w", err)
	}
	comment, err := optionalString(root.Get("comment"))
	if err != nil {
		return nil, fmt.Errorf("metainfo: 'comment': %w", err)
	}
	encoding, err := optionalString(root.Get("encoding"))
	if err != nil {
		return nil, fmt.Errorf("metainfo: 'encoding': %w", err)
	}

	return &Metainfo{
		InfoHash:     infoHash,
		Info:         info,
		Announce:     announce,
		AnnounceList: announceList,
		CreationDate: creationDate,
		CreatedBy:    createdBy,
		Comment:      comment,
		Encoding:     encoding,
	}, nil
}

func parseInfo(dict *bencode.Value) (*Info, error) {
	var out Info

	nameVal := dict.Get("name")
	if nameVal == nil {
		return nil, ErrNameMissing
	}
	nameBytes, err := nameVal.Bytes()
	if err != nil || len(nameBytes) == 0 {
		return nil, ErrNameMissing
	}
	out.Name = string(nameBytes)

	plVal := dict.Get("piece length")
	if plVal == nil {
		return nil, ErrPieceLenMissing
	}
	plen, err := plVal.Int64()
	if err != nil || plen <= 0 {
		return nil, ErrPieceLenNonPositive
	}
	out.PieceLength = plen

	out.Pieces, err = parsePieces(dict.Get("pieces"))
	if err != nil {
		return nil, err
	}

	if priv := dict.Get("private"); priv != nil {
		n, err := priv.Int64()
		if err != nil {
			return nil, fmt.Errorf("metainfo: invalid 'private' flag: %w", err)
		}
		out.Private = n != 0
	}

	lengthVal := dict.Get("length")
	filesVal := dict.Get("files")

	switch {
	case lengthVal != nil && filesVal == nil:
		out.Mode = SingleFile
		length, err := lengthVal.Int64()
		if err != nil || length < 0 {
			return nil, fmt.Errorf("metainfo: invalid 'length'")
		}
		out.Length = length
		if md5 := dict.Get("md5sum"); md5 != nil {
			out.MD5Sum, _ = md5.Bytes()
		}

	case filesVal != nil && lengthVal == nil:
		out.Mode = MultipleFiles
		out.Files, err = parseFiles(filesVal)
		if err != nil {
			return nil, err
		}

	default:
		return nil, ErrLayoutInvalid
	}

	return &out, nil
}

func parseFiles(v *bencode.Value) ([]*File, error) {
	items, err := v.Items()
	if err != nil || len(items) == 0 {
		return nil, fmt.Errorf("metainfo: invalid or empty 'files'")
	}

	files := make([]*File, 0, len(items))
	for i, it := range items {
		if it.Kind != bencode.KindDict {
			return nil, fmt.Errorf("metainfo: files[%d]: not a dict", i)
		}

		lenVal := it.Get("length")
		if lenVal == nil {
			return nil, fmt.Errorf("metainfo: files[%d]: length missing", i)
		}
		length, err := lenVal.Int64()
		if err != nil || length < 0 {
			return nil, fmt.Errorf("metainfo: files[%d]: invalid length", i)
		}

		pathVal := it.Get("path")
		if pathVal == nil {
			return nil, fmt.Errorf("metainfo: files[%d]: path missing", i)
		}
		segments, err := parsePathSegments(pathVal)
		if err != nil {
			return nil, fmt.Errorf("metainfo: files[%d]: %w", i, err)
		}

		f := &File{Length: length, Path: segments}
		if md5 := it.Get("md5sum"); md5 != nil {
			f.MD5Sum, _ = md5.Bytes()
		}
		files = append(files, f)
	}

	return files, nil
}

// parsePathSegments converts a bencode list of byte strings into ordered
// path segments, one per list entry, matching the original client's
// segment-at-a-time path reconstruction.
func parsePathSegments(v *bencode.Value) ([]string, error) {
	items, err := v.Items()
	if err != nil || len(items) == 0 {
		return nil, fmt.Errorf("invalid path")
	}

	segments := make([]string, 0, len(items))
	for _, it := range items {
		b, err := it.Bytes()
		if err != nil {
			return nil, fmt.Errorf("invalid path segment: %w", err)
		}
		segments = append(segments, string(b))
	}
	return segments, nil
}

func parseAnnounceList(v *bencode.Value) ([][]string, error) {
	if v == nil {
		return nil, nil
	}
	tiers, err := v.Items()
	if err != nil {
		return nil, fmt.Errorf("metainfo: invalid 'announce-list'")
	}

	out := make([][]string, 0, len(tiers))
	for i, tier := range tiers {
		urls, err := tier.Items()
		if err != nil {
			return nil, fmt.Errorf("metainfo: announce-list[%d]: invalid tier", i)
		}

		tierURLs := make([]string, 0, len(urls))
		for _, u := range urls {
			b, err := u.Bytes()
			if err != nil {
				return nil, fmt.Errorf("metainfo: announce-list[%d]: invalid url", i)
			}
			tierURLs = append(tierURLs, string(b))
		}
		if len(tierURLs) > 0 {
			out = append(out, tierURLs)
		}
	}
	return out, nil
}

func optionalString(v *bencode.Value) (string, error) {
	if v == nil {
		return "", nil
	}
	b, err := v.Bytes()
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func parsePieces(v *bencode.Value) ([][sha1.Size]byte, error) {
	if v == nil {
		return nil, ErrPiecesMissing
	}
	raw, err := v.Bytes()
	if err != nil {
		return nil, fmt.Errorf("metainfo: 'pieces': %w", err)
	}
	if len(raw)%sha1.Size != 0 {
		return nil, ErrPiecesLenInvalid
	}

	n := len(raw) / sha1.Size
	out := make([][sha1.Size]byte, n)
	for i := 0; i < n; i++ {
		copy(out[i][:], raw[i*sha1.Size:(i+1)*sha1.Size])
	}
	return out, nil
}
