package directory

import (
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// Snapshot is an immutable, verified view of the directory. A Snapshot is
// never modified after it is published, so callers may keep using one while
// the store moves on to a newer directory.
type Snapshot struct {
	relays []Relay
	byID   map[Fingerprint]int

	ValidAfter        time.Time
	FreshUntil        time.Time
	ValidUntil        time.Time
	AuthorityIdentity string
	BandwidthWeights  map[string]int64

	Version  uint64    // assigned by the Store, 0 for a standalone load
	LoadID   uuid.UUID // correlates log lines of one load
	LoadedAt time.Time
	Churn    ChurnReport
	Warnings []Warning
}

// NewSnapshot builds a snapshot over relays, which must have unique
// fingerprints. LoadDirectory is the only way to obtain a verified one;
// this constructor exists for callers that assemble relays themselves.
func NewSnapshot(relays []Relay, weights map[string]int64, validAfter, validUntil time.Time) *Snapshot {
	snap := &Snapshot{
		relays:           relays,
		byID:             make(map[Fingerprint]int, len(relays)),
		ValidAfter:       validAfter,
		ValidUntil:       validUntil,
		BandwidthWeights: weights,
	}
	for i := range relays {
		snap.byID[relays[i].Fingerprint] = i
	}
	return snap
}

// Relays returns the usable relays in consensus order. The slice is shared
// and must not be modified.
func (s *Snapshot) Relays() []Relay {
	return s.relays
}

// Len returns the number of usable relays.
func (s *Snapshot) Len() int {
	return len(s.relays)
}

// Lookup finds a relay by fingerprint.
func (s *Snapshot) Lookup(fp Fingerprint) (*Relay, bool) {
	i, ok := s.byID[fp]
	if !ok {
		return nil, false
	}
	return &s.relays[i], true
}

// ValidAt reports whether t lies within the snapshot's validity window.
func (s *Snapshot) ValidAt(t time.Time) bool {
	return !t.Before(s.ValidAfter) && !t.After(s.ValidUntil)
}

// Weight returns a consensus bandwidth weight, 10000 when absent.
func (s *Snapshot) Weight(key string) int64 {
	if w, ok := s.BandwidthWeights[key]; ok {
		return w
	}
	return 10000
}

// LoadDirectory runs the full pipeline: parse the consensus, verify it
// against trust at now, parse and join the microdescriptors, then apply the
// optional churn file (nil means none). Trust and structural failures are
// fatal; churn failures are recorded in the snapshot's ChurnReport.
func LoadDirectory(consensus, descriptors, churn []byte, trust TrustConfig, now time.Time, logger *slog.Logger) (*Snapshot, error) {
	loadID := uuid.New()
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("load_id", loadID.String())

	c, warnings, err := ParseConsensus(string(consensus), logger)
	if err != nil {
		return nil, fmt.Errorf("parse consensus: %w", err)
	}
	if err := VerifyConsensus(c, trust, now); err != nil {
		return nil, fmt.Errorf("verify consensus: %w", err)
	}

	descs, descWarnings, err := ParseMicrodescriptors(string(descriptors), logger)
	if err != nil {
		return nil, fmt.Errorf("parse microdescriptors: %w", err)
	}
	warnings = append(warnings, descWarnings...)

	relays := make([]Relay, 0, len(c.Entries))
	for i, e := range c.Entries {
		d, ok := descs[e.MicrodescDigest]
		if !ok {
			w := Warning{Section: "join", Index: i, Reason: "no microdescriptor for " + e.Fingerprint.String()}
			warnings = append(warnings, w)
			logger.Warn("dropping relay without microdescriptor", "fingerprint", e.Fingerprint.String(), "nickname", e.Nickname)
			continue
		}
		relays = append(relays, Relay{NodeSummary: e, Descriptor: d})
	}
	if len(relays) == 0 {
		return nil, fmt.Errorf("%w: %d entries, %d descriptors, none joined",
			ErrInsufficientDirectory, len(c.Entries), len(descs))
	}

	relays, report := ApplyChurn(relays, c, churn, logger)

	snap := NewSnapshot(relays, c.BandwidthWeights, c.ValidAfter, c.ValidUntil)
	snap.FreshUntil = c.FreshUntil
	snap.AuthorityIdentity = trust.Identity
	snap.LoadID = loadID
	snap.LoadedAt = now
	snap.Churn = report
	snap.Warnings = warnings

	logger.Info("directory loaded",
		"relays", len(relays),
		"churn_removed", len(report.Removed),
		"warnings", len(warnings),
		"valid_until", c.ValidUntil)
	return snap, nil
}

// Store holds the current directory snapshot. Loads are serialized; reads
// never block and always see a complete snapshot.
type Store struct {
	Trust TrustConfig
	// TrustSource, when set, rebuilds Trust before every LoadFromCache so a
	// renewed authority certificate in the cache takes effect.
	TrustSource func() (TrustConfig, error)
	Clock       func() time.Time // nil means time.Now
	Logger  *slog.Logger
	Metrics *Metrics

	mu      sync.Mutex // serializes loads
	version uint64
	current atomic.Pointer[Snapshot]
}

// NewStore creates an empty store trusting the given authority.
func NewStore(trust TrustConfig, logger *slog.Logger) *Store {
	return &Store{Trust: trust, Logger: logger}
}

func (s *Store) now() time.Time {
	if s.Clock != nil {
		return s.Clock()
	}
	return time.Now()
}

func (s *Store) logger() *slog.Logger {
	if s.Logger != nil {
		return s.Logger
	}
	return slog.Default()
}

// Load verifies a new directory and, on success, makes it current. On
// failure the previous snapshot stays current.
func (s *Store) Load(consensus, descriptors, churn []byte) (*Snapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.load(consensus, descriptors, churn)
}

func (s *Store) load(consensus, descriptors, churn []byte) (*Snapshot, error) {
	snap, err := LoadDirectory(consensus, descriptors, churn, s.Trust, s.now(), s.logger())
	if err != nil {
		s.failed(err)
		return nil, err
	}
	s.version++
	snap.Version = s.version
	s.current.Store(snap)
	s.Metrics.observeLoad(snap, nil)
	return snap, nil
}

func (s *Store) failed(err error) {
	s.Metrics.observeLoad(nil, err)
	s.logger().Error("directory load failed", "error", err, "class", string(Classify(err)))
}

// LoadFromCache loads the directory files from a cache directory.
func (s *Store) LoadFromCache(c *Cache) (*Snapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.TrustSource != nil {
		trust, err := s.TrustSource()
		if err != nil {
			err = fmt.Errorf("load trusted authority: %w", err)
			s.failed(err)
			return nil, err
		}
		s.Trust = trust
	}
	files, err := c.ReadFiles()
	if err != nil {
		s.Metrics.observeLoad(nil, err)
		return nil, err
	}
	return s.load(files.Consensus, files.Microdescriptors, files.Churn)
}

// Current returns the current snapshot, or ErrNoDirectory if no load has
// ever succeeded.
func (s *Store) Current() (*Snapshot, error) {
	snap := s.current.Load()
	if snap == nil {
		return nil, ErrNoDirectory
	}
	return snap, nil
}

// IsValidAt reports whether the current snapshot is usable at t.
func (s *Store) IsValidAt(t time.Time) bool {
	snap := s.current.Load()
	return snap != nil && snap.ValidAt(t)
}
