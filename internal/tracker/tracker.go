// Package tracker implements the HTTP(S) tracker announce protocol: it
// builds announce requests, decodes bencoded responses, and fails over
// across announce-list tiers.
package tracker

import (
	"context"
	"crypto/sha1"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"net/netip"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prxssh/rabbit-core/internal/retry"
	"github.com/prxssh/rabbit-core/internal/syncmap"
	"golang.org/x/sync/errgroup"
)

const (
	maxBackoffShift        = 5
	maxConsecutiveFailures = 5
	maxAnnounceBackoff     = 15 * time.Minute
	defaultAnnounceInterval = 2 * time.Minute
)

// Event is the optional "event" announce parameter.
type Event uint32

const (
	EventNone Event = iota
	EventStarted
	EventStopped
	EventCompleted
)

func (e Event) String() string {
	switch e {
	case EventStarted:
		return "started"
	case EventCompleted:
		return "completed"
	case EventStopped:
		return "stopped"
	default:
		return "none"
	}
}

// AnnounceRequest is the set of fields sent to the tracker on announce.
type AnnounceRequest struct {
	InfoHash   [sha1.Size]byte
	PeerID     [sha1.Size]byte
	Port       uint16
	Uploaded   uint64
	Downloaded uint64
	Left       uint64
	Event      Event
	NumWant    int
	Key        uint32
	TrackerID  string
}

// AnnounceResponse is the decoded tracker reply.
type AnnounceResponse struct {
	TrackerID   string
	Interval    time.Duration
	MinInterval time.Duration
	Seeders     int64
	Leechers    int64
	Peers       []netip.AddrPort
}

// Protocol is implemented by a single tracker address's transport.
// HTTPTracker is the only implementation; UDP trackers, DHT, and PEX are
// out of scope.
type Protocol interface {
	Announce(ctx context.Context, req *AnnounceRequest) (*AnnounceResponse, error)
}

// Stats are atomic counters updated as announces happen, safe to read
// concurrently with Tracker.Run.
type Stats struct {
	TotalAnnounces      atomic.Uint64
	SuccessfulAnnounces atomic.Uint64
	FailedAnnounces     atomic.Uint64
	LastAnnounce        atomic.Int64
	LastSuccess         atomic.Int64
	TotalPeersReceived  atomic.Uint64
	CurrentSeeders      atomic.Int64
	CurrentLeechers     atomic.Int64
}

// Metrics is a point-in-time snapshot of Stats.
type Metrics struct {
	TotalAnnounces      uint64
	SuccessfulAnnounces uint64
	FailedAnnounces     uint64
	TotalPeersReceived  uint64
	CurrentSeeders      int64
	CurrentLeechers     int64
	LastAnnounce        time.Time
	LastSuccess         time.Time
}

// Tracker fails over across a tiered announce-list (BEP-12 semantics: try
// tier 0's URLs in order, then tier 1's, etc.; a URL that succeeds is
// promoted to the front of its tier).
type Tracker struct {
	tiers    [][]*url.URL
	mu       sync.Mutex
	trackers *syncmap.Map[string, Protocol]
	log      *slog.Logger
	stats    *Stats

	minAnnounceInterval time.Duration
	readTimeout         time.Duration
	retries             int

	onAnnounceStart   func() *AnnounceRequest
	onAnnounceSuccess func(peers []netip.AddrPort)
}

// Opts configures a Tracker. OnAnnounceStart and OnAnnounceSuccess are
// required: the scheduler supplies current progress and consumes the
// resulting peer list.
type Opts struct {
	Log                 *slog.Logger
	MinAnnounceInterval time.Duration
	ReadTimeout         time.Duration
	// Retries bounds how many times a single URL is retried after a
	// failed announce before Announce moves on to the next URL in the
	// tier. A value below 1 means one attempt, no retry.
	Retries           int
	OnAnnounceStart   func() *AnnounceRequest
	OnAnnounceSuccess func(peers []netip.AddrPort)
}

// New builds a Tracker from a primary announce URL and an optional
// announce-list (BEP-12). At least one usable http(s) URL is required.
func New(announce string, announceList [][]string, opts Opts) (*Tracker, error) {
	if opts.OnAnnounceStart == nil {
		return nil, errors.New("tracker: OnAnnounceStart hook missing")
	}
	if opts.OnAnnounceSuccess == nil {
		return nil, errors.New("tracker: OnAnnounceSuccess hook missing")
	}

	tiers, err := buildAnnounceURLs(announce, announceList)
	if err != nil {
		return nil, err
	}

	r := rand.New(rand.NewSource(time.Now().UnixNano()))
	for i := range tiers {
		if len(tiers[i]) < 2 {
			continue
		}
		r.Shuffle(len(tiers[i]), func(a, b int) {
			tiers[i][a], tiers[i][b] = tiers[i][b], tiers[i][a]
		})
	}

	log := opts.Log.With("component", "tracker", "tiers", len(tiers))

	readTimeout := opts.ReadTimeout
	if readTimeout <= 0 {
		readTimeout = 10 * time.Second
	}

	return &Tracker{
		log:                 log,
		tiers:                tiers,
		stats:                &Stats{},
		trackers:             syncmap.New[string, Protocol](),
		minAnnounceInterval:  opts.MinAnnounceInterval,
		readTimeout:          readTimeout,
		retries:              opts.Retries,
		onAnnounceStart:      opts.OnAnnounceStart,
		onAnnounceSuccess:    opts.OnAnnounceSuccess,
	}, nil
}

// Run drives the periodic announce loop until ctx is cancelled, at which
// point it makes a best-effort "stopped" announce before returning.
func (t *Tracker) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return t.announceLoop(gctx) })
	return g.Wait()
}

// Metrics returns a snapshot of the tracker's announce counters.
func (t *Tracker) Metrics() Metrics {
	s := t.stats

	var lastAnnT, lastSucT time.Time
	if v := s.LastAnnounce.Load(); v > 0 {
		lastAnnT = time.Unix(v, 0)
	}
	if v := s.LastSuccess.Load(); v > 0 {
		lastSucT = time.Unix(v, 0)
	}

	return Metrics{
		TotalAnnounces:      s.TotalAnnounces.Load(),
		SuccessfulAnnounces: s.SuccessfulAnnounces.Load(),
		FailedAnnounces:     s.FailedAnnounces.Load(),
		TotalPeersReceived:  s.TotalPeersReceived.Load(),
		CurrentSeeders:      s.CurrentSeeders.Load(),
		CurrentLeechers:     s.CurrentLeechers.Load(),
		LastAnnounce:        lastAnnT,
		LastSuccess:         lastSucT,
	}
}

// Announce tries each tier in order, and within a tier each URL in order,
// returning the first successful response. A URL that succeeds is moved
// to the front of its tier for next time.
func (t *Tracker) Announce(ctx context.Context, req *AnnounceRequest) (*AnnounceResponse, error) {
	t.stats.TotalAnnounces.Add(1)
	t.stats.LastAnnounce.Store(time.Now().Unix())

	var lastErr error

	for tierIdx := 0; tierIdx < len(t.tiers); tierIdx++ {
		tier := t.snapshotTier(tierIdx)

		for i, u := range tier {
			tr, err := t.getTracker(u)
			if err != nil {
				lastErr = err
				continue
			}

			var resp *AnnounceResponse
			err = retry.Do(ctx, func(ctx context.Context) error {
				var attemptErr error
				resp, attemptErr = tr.Announce(ctx, req)
				return attemptErr
			}, retry.WithMaxAttempts(t.retries+1), retry.WithInitialDelay(200*time.Millisecond), retry.WithMaxDelay(2*time.Second))
			if err != nil {
				lastErr = err
				continue
			}

			t.promoteWithinTier(tierIdx, i)

			t.stats.SuccessfulAnnounces.Add(1)
			t.stats.LastSuccess.Store(time.Now().Unix())
			t.stats.TotalPeersReceived.Add(uint64(len(resp.Peers)))
			t.stats.CurrentSeeders.Store(resp.Seeders)
			t.stats.CurrentLeechers.Store(resp.Leechers)

			t.log.Info("announce success",
				"tier", tierIdx,
				"url", u.String(),
				"peers", len(resp.Peers),
				"seeders", resp.Seeders,
				"leechers", resp.Leechers,
			)

			return resp, nil
		}

		t.log.Warn("announce tier exhausted", "tier", tierIdx)
	}

	t.stats.FailedAnnounces.Add(1)
	if lastErr == nil {
		lastErr = errors.New("tracker: all tiers exhausted")
	}
	return nil, lastErr
}

func (t *Tracker) announceLoop(ctx context.Context) error {
	l := t.log.With("component", "announce loop")
	l.Debug("started")

	consecutiveFailures := 0
	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			l.Info("stopping; sending final announce")
			sctx, scancel := context.WithTimeout(context.Background(), 5*time.Second)

			req := t.onAnnounceStart()
			req.Event = EventStopped
			_, _ = t.Announce(sctx, req)

			scancel()
			return nil

		case <-ticker.C:
			if consecutiveFailures >= maxConsecutiveFailures {
				return errors.New("tracker: exhausted all announce attempts")
			}

			resp, err := t.Announce(ctx, t.onAnnounceStart())
			if err != nil {
				consecutiveFailures++
				l.Warn("announce failed", "attempt", consecutiveFailures, "error", err)
				ticker.Reset(calculateBackoff(consecutiveFailures, maxBackoffShift))
				continue
			}

			t.onAnnounceSuccess(resp.Peers)

			consecutiveFailures = 0
			ticker.Reset(t.nextAnnounceInterval(resp))
		}
	}
}

func (t *Tracker) nextAnnounceInterval(resp *AnnounceResponse) time.Duration {
	interval := defaultAnnounceInterval
	if resp.Interval > 0 {
		interval = resp.Interval
	}
	if resp.MinInterval > interval {
		interval = resp.MinInterval
	}
	if t.minAnnounceInterval > 0 && interval < t.minAnnounceInterval {
		interval = t.minAnnounceInterval
	}
	return interval
}

func (t *Tracker) snapshotTier(at int) []*url.URL {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]*url.URL(nil), t.tiers[at]...)
}

func (t *Tracker) promoteWithinTier(tierIdx, urlIdx int) {
	t.mu.Lock()
	defer t.mu.Unlock()

	tier := t.tiers[tierIdx]
	if urlIdx <= 0 || urlIdx >= len(tier) {
		return
	}

	u := tier[urlIdx]
	copy(tier[1:urlIdx+1], tier[0:urlIdx])
	tier[0] = u
}

func (t *Tracker) getTracker(u *url.URL) (Protocol, error) {
	key := u.String()

	if tr, ok := t.trackers.Get(key); ok {
		return tr, nil
	}

	log := t.log.With("scheme", u.Scheme, "host", u.Host, "path", u.EscapedPath())

	var (
		tracker Protocol
		err     error
	)

	switch u.Scheme {
	case "http", "https":
		tracker, err = NewHTTPTracker(u, log, t.readTimeout)
	default:
		err = fmt.Errorf("tracker: unsupported scheme %q", u.Scheme)
	}
	if err != nil {
		return nil, err
	}

	t.trackers.Put(key, tracker)

	return tracker, nil
}

func buildAnnounceURLs(announce string, announceList [][]string) ([][]*url.URL, error) {
	tiers := make([][]*url.URL, 0, len(announceList)+1)

	if s := strings.TrimSpace(announce); s != "" {
		if u, ok := parseTrackerURL(s); ok {
			tiers = append(tiers, []*url.URL{u})
		}
	}

	for _, tier := range announceList {
		out := make([]*url.URL, 0, len(tier))
		for _, str := range tier {
			if u, ok := parseTrackerURL(str); ok {
				out = append(out, u)
			}
		}
		if len(out) > 0 {
			tiers = append(tiers, out)
		}
	}

	if len(tiers) == 0 {
		return nil, errors.New("tracker: no usable http(s) announce urls")
	}
	return tiers, nil
}

// parseTrackerURL accepts http(s) only. UDP trackers are a documented
// out-of-scope collaborator.
func parseTrackerURL(raw string) (*url.URL, bool) {
	u, err := url.Parse(raw)
	if err != nil {
		return nil, false
	}
	switch u.Scheme {
	case "http", "https":
		return u, true
	default:
		return nil, false
	}
}

func calculateBackoff(failures int, maxShift int) time.Duration {
	const baseDelay = 15 * time.Second

	shift := failures - 1
	if shift > maxShift {
		shift = maxShift
	}

	delay := baseDelay * (1 << uint(shift))
	if delay > maxAnnounceBackoff {
		delay = maxAnnounceBackoff
	}

	jitter := time.Duration(rand.Int63n(int64(delay)/2 + 1))
	return delay - (delay / 4) + jitter
}
