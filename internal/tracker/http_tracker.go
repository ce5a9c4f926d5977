package tracker

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/prxssh/rabbit-core/internal/bencode"
)

const maxTrackerResponseSize = 2 * 1024 * 1024 // 2MB

// HTTPTracker announces to a single http(s) tracker URL.
type HTTPTracker struct {
	baseURL *url.URL
	client  *http.Client

	mu        sync.RWMutex
	trackerID string

	logger *slog.Logger
}

// NewHTTPTracker builds a tracker client for one announce URL. readTimeout
// bounds each announce request; on expiry the caller (Tracker.Announce)
// sees a retryable error and may try again or fail over to the next URL.
func NewHTTPTracker(u *url.URL, logger *slog.Logger, readTimeout time.Duration) (*HTTPTracker, error) {
	transport := &http.Transport{
		MaxIdleConns:        100,
		IdleConnTimeout:     30 * time.Second,
		TLSHandshakeTimeout: 10 * time.Second,
	}

	return &HTTPTracker{
		baseURL: u,
		client:  &http.Client{Transport: transport, Timeout: readTimeout},
		logger:  logger.With("type", "http"),
	}, nil
}

func (ht *HTTPTracker) Announce(ctx context.Context, req *AnnounceRequest) (*AnnounceResponse, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, ht.buildAnnounceURL(req), nil)
	if err != nil {
		return nil, err
	}

	resp, err := ht.client.Do(httpReq)
	if err != nil {
		return nil, classifyTransportError(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return nil, fmt.Errorf("tracker: announce returned status %d: %s", resp.StatusCode, body)
	}

	out, err := parseAnnounceResponse(resp.Body)
	if err != nil {
		return nil, err
	}

	if out.TrackerID != "" {
		ht.mu.Lock()
		ht.trackerID = out.TrackerID
		ht.mu.Unlock()
	}

	return out, nil
}

// buildAnnounceURL URL-encodes every field per RFC 3986; info_hash and
// peer_id are raw 20-byte sequences, percent-encoded byte-by-byte by
// url.Values.Encode.
func (ht *HTTPTracker) buildAnnounceURL(req *AnnounceRequest) string {
	u := *ht.baseURL
	q := u.Query()

	q.Set("info_hash", string(req.InfoHash[:]))
	q.Set("peer_id", string(req.PeerID[:]))
	q.Set("port", strconv.Itoa(int(req.Port)))
	q.Set("uploaded", strconv.FormatUint(req.Uploaded, 10))
	q.Set("downloaded", strconv.FormatUint(req.Downloaded, 10))
	q.Set("left", strconv.FormatUint(req.Left, 10))
	q.Set("compact", "1")

	if req.NumWant > 0 {
		q.Set("numwant", strconv.Itoa(req.NumWant))
	}
	if req.Key != 0 {
		q.Set("key", strconv.FormatUint(uint64(req.Key), 10))
	}
	if req.Event != EventNone {
		q.Set("event", req.Event.String())
	}

	ht.mu.RLock()
	trackerID := ht.trackerID
	ht.mu.RUnlock()
	if trackerID != "" {
		q.Set("trackerid", trackerID)
	}

	u.RawQuery = q.Encode()
	return u.String()
}

func parseAnnounceResponse(r io.Reader) (*AnnounceResponse, error) {
	data, err := io.ReadAll(io.LimitReader(r, maxTrackerResponseSize))
	if err != nil {
		return nil, err
	}

	root, err := bencode.Decode(data)
	if err != nil {
		return nil, fmt.Errorf("tracker: decode response: %w", err)
	}
	if root.Kind != bencode.KindDict {
		return nil, fmt.Errorf("tracker: response is not a dict")
	}

	if failure := root.Get("failure reason"); failure != nil {
		msg, _ := failure.Bytes()
		return nil, fmt.Errorf("tracker: announce failure: %s", msg)
	}

	intervalVal := root.Get("interval")
	if intervalVal == nil {
		return nil, fmt.Errorf("tracker: response missing 'interval'")
	}
	interval, err := intervalVal.Int64()
	if err != nil {
		return nil, fmt.Errorf("tracker: invalid 'interval': %w", err)
	}

	peersVal := root.Get("peers")
	if peersVal == nil {
		return nil, fmt.Errorf("tracker: response missing 'peers'")
	}
	peers, err := decodePeers(peersVal)
	if err != nil {
		return nil, fmt.Errorf("tracker: invalid 'peers': %w", err)
	}

	var minInterval int64
	if v := root.Get("min interval"); v != nil {
		minInterval, _ = v.Int64()
	}
	var seeders, leechers int64
	if v := root.Get("complete"); v != nil {
		seeders, _ = v.Int64()
	}
	if v := root.Get("incomplete"); v != nil {
		leechers, _ = v.Int64()
	}
	var trackerID string
	if v := root.Get("tracker id"); v != nil {
		b, _ := v.Bytes()
		trackerID = string(b)
	}

	return &AnnounceResponse{
		TrackerID:   trackerID,
		Interval:    time.Duration(interval) * time.Second,
		MinInterval: time.Duration(minInterval) * time.Second,
		Seeders:     seeders,
		Leechers:    leechers,
		Peers:       peers,
	}, nil
}

// classifyTransportError gives net.Error timeouts a stable message; the
// retry policy that matters (which tiers/URLs get retried) lives in
// Tracker.Announce and Tracker.announceLoop, not here.
func classifyTransportError(err error) error {
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return fmt.Errorf("tracker: request timed out: %w", err)
	}
	return err
}
