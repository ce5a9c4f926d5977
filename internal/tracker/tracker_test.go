package tracker

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/netip"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/prxssh/rabbit-core/internal/bencode"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestDecodePeers_Compact(t *testing.T) {
	raw := []byte{0x0A, 0x00, 0x00, 0x01, 0x1A, 0xE1}
	v, err := bencode.Decode([]byte("6:" + string(raw)))
	if err != nil {
		t.Fatalf("Decode error: %v", err)
	}

	peers, err := decodePeers(v)
	if err != nil {
		t.Fatalf("decodePeers error: %v", err)
	}
	if len(peers) != 1 {
		t.Fatalf("got %d peers, want 1", len(peers))
	}

	want := netip.MustParseAddrPort("10.0.0.1:6881")
	if peers[0] != want {
		t.Fatalf("peer = %v, want %v", peers[0], want)
	}
}

func TestDecodePeers_NonCompact(t *testing.T) {
	doc := "l" +
		"d2:ip8:10.0.0.27:peer id20:aaaaaaaaaaaaaaaaaaaa4:porti6882ee" +
		"e"
	v, err := bencode.Decode([]byte(doc))
	if err != nil {
		t.Fatalf("Decode error: %v", err)
	}

	peers, err := decodePeers(v)
	if err != nil {
		t.Fatalf("decodePeers error: %v", err)
	}
	if len(peers) != 1 {
		t.Fatalf("got %d peers, want 1", len(peers))
	}
	want := netip.MustParseAddrPort("10.0.0.2:6882")
	if peers[0] != want {
		t.Fatalf("peer = %v, want %v", peers[0], want)
	}
}

func TestParseAnnounceResponse_MissingInterval(t *testing.T) {
	doc := "d5:peers0:e"
	_, err := parseAnnounceResponse(strings.NewReader(doc))
	if err == nil {
		t.Fatalf("expected error for missing interval")
	}
}

func TestParseAnnounceResponse_FailureReason(t *testing.T) {
	doc := "d14:failure reason11:bad requeste"
	_, err := parseAnnounceResponse(strings.NewReader(doc))
	if err == nil {
		t.Fatalf("expected failure reason error")
	}
}

func TestHTTPTracker_Announce_Success(t *testing.T) {
	raw := []byte{0x0A, 0x00, 0x00, 0x01, 0x1A, 0xE1}
	body := "d8:intervali1800e5:peers6:" + string(raw) + "e"

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		if q.Get("compact") != "1" {
			t.Errorf("compact = %q, want 1", q.Get("compact"))
		}
		w.Write([]byte(body))
	}))
	defer srv.Close()

	u, err := url.Parse(srv.URL)
	if err != nil {
		t.Fatalf("parse url: %v", err)
	}

	ht, err := NewHTTPTracker(u, discardLogger(), 2*time.Second)
	if err != nil {
		t.Fatalf("NewHTTPTracker: %v", err)
	}

	req := &AnnounceRequest{Port: 6881, NumWant: 50}
	resp, err := ht.Announce(context.Background(), req)
	if err != nil {
		t.Fatalf("Announce error: %v", err)
	}
	if resp.Interval != 1800*time.Second {
		t.Fatalf("Interval = %v, want 1800s", resp.Interval)
	}
	if len(resp.Peers) != 1 {
		t.Fatalf("Peers = %v, want 1 entry", resp.Peers)
	}
}

func TestCalculateBackoff_CapsAtMax(t *testing.T) {
	d := calculateBackoff(50, maxBackoffShift)
	if d > maxAnnounceBackoff {
		t.Fatalf("backoff %v exceeds cap %v", d, maxAnnounceBackoff)
	}
	if d <= 0 {
		t.Fatalf("backoff must be positive, got %v", d)
	}
}

func TestBuildAnnounceURLs_HTTPOnly(t *testing.T) {
	tiers, err := buildAnnounceURLs("http://a.example/announce", [][]string{
		{"udp://b.example:80", "https://c.example/announce"},
	})
	if err != nil {
		t.Fatalf("buildAnnounceURLs error: %v", err)
	}
	if len(tiers) != 2 {
		t.Fatalf("tiers = %d, want 2", len(tiers))
	}
	if len(tiers[1]) != 1 {
		t.Fatalf("udp tracker should have been filtered out, got %d urls", len(tiers[1]))
	}
}
