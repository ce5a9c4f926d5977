// Package config holds the tunables shared by the tracker client, peer
// sessions, and the download scheduler.
package config

import (
	"crypto/rand"
	"crypto/sha1"
	"time"
)

const blockSize = 16 * 1024

// Config defines behavior and resource limits for a single download.
type Config struct {
	// ClientID is this client's 20-byte peer id, sent in every handshake
	// and tracker announce.
	ClientID [sha1.Size]byte

	// Port is the TCP port advertised to the tracker. This client does
	// not accept inbound connections; it is carried for protocol
	// completeness only.
	Port uint16

	// DialTimeout bounds connecting to a peer.
	DialTimeout time.Duration
	// ReadTimeout bounds a single read from a peer connection.
	ReadTimeout time.Duration
	// WriteTimeout bounds a single write to a peer connection.
	WriteTimeout time.Duration

	// MaxPeers is the maximum number of concurrent peer sessions.
	MaxPeers int
	// NumWant is the number of peers requested per tracker announce.
	NumWant int

	// MinAnnounceInterval is the floor on how often the scheduler will
	// re-announce, even if the tracker asks for more frequent contact.
	MinAnnounceInterval time.Duration
	// TrackerReadTimeout bounds waiting for a tracker HTTP response.
	TrackerReadTimeout time.Duration
	// TrackerRetries is how many times a single announce is retried after
	// a failed attempt before giving up on that tracker URL.
	TrackerRetries int

	// KeepAliveInterval is how often a session sends a keep-alive when
	// otherwise idle.
	KeepAliveInterval time.Duration
	// PeerOutboundQueueBacklog bounds the number of messages buffered for
	// send to a single peer; a message enqueued while the buffer is full
	// is dropped.
	PeerOutboundQueueBacklog int

	// BlockSize is the unit of transfer requested from peers.
	BlockSize int
}

// Default returns sensible defaults for a leech-only download.
func Default() (Config, error) {
	clientID, err := generateClientID()
	if err != nil {
		return Config{}, err
	}

	return Config{
		ClientID:                 clientID,
		Port:                     6881,
		DialTimeout:              7 * time.Second,
		ReadTimeout:              30 * time.Second,
		WriteTimeout:             30 * time.Second,
		MaxPeers:                 50,
		NumWant:                  50,
		MinAnnounceInterval:      20 * time.Minute,
		TrackerReadTimeout:       10 * time.Second,
		TrackerRetries:           3,
		KeepAliveInterval:        90 * time.Second,
		PeerOutboundQueueBacklog: 256,
		BlockSize:                blockSize,
	}, nil
}

// generateClientID returns a BEP-20-style client id: a short identifying
// prefix followed by random bytes.
func generateClientID() ([sha1.Size]byte, error) {
	var id [sha1.Size]byte

	prefix := []byte("-GR0001-")
	copy(id[:], prefix)

	if _, err := rand.Read(id[len(prefix):]); err != nil {
		return [sha1.Size]byte{}, err
	}
	return id, nil
}
