package pathselect

import (
	"crypto/rand"
	"errors"
	"fmt"
	"io"
	"math"
	"math/big"
	"net"

	"github.com/cvsouth/lightor/directory"
)

// Path lengths.
const (
	DefaultLength = 3
	MinLength     = 2
	MaxLength     = 8
)

// Position is the role of a hop in a path.
type Position int

const (
	PositionEntry Position = iota
	PositionMiddle
	PositionExit
)

func (p Position) String() string {
	switch p {
	case PositionEntry:
		return "entry"
	case PositionMiddle:
		return "middle"
	case PositionExit:
		return "exit"
	}
	return fmt.Sprintf("Position(%d)", int(p))
}

// Constraints restrict which relays may be chosen.
type Constraints struct {
	// ExitPort must be allowed by the exit's policy. Zero accepts any exit
	// whose policy allows at least one port.
	ExitPort      uint16
	RequireStable bool
	RequireFast   bool
	Exclude       []directory.Fingerprint
}

// InsufficientRelaysError reports a path position that no relay could fill.
type InsufficientRelaysError struct {
	Position Position
	Hop      int // index in the path
}

func (e *InsufficientRelaysError) Error() string {
	return fmt.Sprintf("no suitable %s relay for hop %d", e.Position, e.Hop)
}

func (e *InsufficientRelaysError) Unwrap() error {
	return directory.ErrInsufficientRelays
}

// maxRedraws bounds how often SelectPath may replace an earlier choice
// that left a later hop without candidates.
const maxRedraws = 1024

// SelectPath picks length relays from snap, entry first and exit last.
// length 0 means DefaultLength. The exit is chosen first, then the entry,
// then the middles; each draw is bandwidth weighted and reads randomness
// from rnd (crypto/rand when nil). No two relays share an identity, an
// IPv4 /16 or a declared family.
//
// When a hop cannot be filled, the choice before it is drawn again without
// the relay that blocked it, so an InsufficientRelaysError means no path
// satisfies the constraints. It names the first hop found empty.
func SelectPath(snap *directory.Snapshot, length int, c Constraints, rnd io.Reader) ([]directory.Relay, error) {
	if snap == nil {
		return nil, directory.ErrNoDirectory
	}
	if length == 0 {
		length = DefaultLength
	}
	if length < MinLength || length > MaxLength {
		return nil, fmt.Errorf("path length %d outside %d..%d", length, MinLength, MaxLength)
	}
	if rnd == nil {
		rnd = rand.Reader
	}

	s := &selection{
		snap:     snap,
		c:        c,
		rnd:      rnd,
		excluded: make(map[directory.Fingerprint]bool, len(c.Exclude)),
	}
	for _, fp := range c.Exclude {
		s.excluded[fp] = true
	}

	order := make([]int, 0, length)
	order = append(order, length-1, 0)
	for hop := 1; hop < length-1; hop++ {
		order = append(order, hop)
	}

	path := make([]directory.Relay, length)
	if err := s.fill(path, order); err != nil {
		return nil, err
	}
	return path, nil
}

func positionOf(hop, length int) Position {
	switch hop {
	case 0:
		return PositionEntry
	case length - 1:
		return PositionExit
	}
	return PositionMiddle
}

type selection struct {
	snap     *directory.Snapshot
	c        Constraints
	rnd      io.Reader
	excluded map[directory.Fingerprint]bool
	chosen   []*directory.Relay

	redraws int
	failure *InsufficientRelaysError // first hop found empty
}

// fill chooses the hops in order, then the rest recursively. A candidate
// whose choice leaves a later hop empty is dropped and the hop redrawn.
func (s *selection) fill(path []directory.Relay, order []int) error {
	if len(order) == 0 {
		return nil
	}
	hop := order[0]
	pos := positionOf(hop, len(path))
	candidates, weights := s.candidates(pos)

	for len(candidates) > 0 {
		idx, err := weightedRandom(s.rnd, weights)
		if err != nil {
			return err
		}
		r := candidates[idx]
		s.chosen = append(s.chosen, r)
		err = s.fill(path, order[1:])
		if err == nil {
			path[hop] = *r
			return nil
		}
		s.chosen = s.chosen[:len(s.chosen)-1]

		var ire *InsufficientRelaysError
		if !errors.As(err, &ire) {
			return err
		}
		s.redraws++
		if s.redraws >= maxRedraws {
			return err
		}
		candidates = append(candidates[:idx], candidates[idx+1:]...)
		weights = append(weights[:idx], weights[idx+1:]...)
	}

	if s.failure == nil {
		s.failure = &InsufficientRelaysError{Position: pos, Hop: hop}
	}
	return s.failure
}

// candidates returns the relays that may fill pos next to the relays chosen
// so far, with their draw weights.
func (s *selection) candidates(pos Position) ([]*directory.Relay, []int64) {
	relays := s.snap.Relays()
	var candidates []*directory.Relay
	var weights []int64

	for i := range relays {
		r := &relays[i]
		if !s.usable(r) || !s.eligible(r, pos) || !s.compatible(r) {
			continue
		}
		candidates = append(candidates, r)
		weights = append(weights, drawWeight(r.Bandwidth, s.weight(r, pos)))
	}
	return candidates, weights
}

// drawWeight is bandwidth times the consensus weight, clamped to int64.
// Positive inputs always give a positive weight.
func drawWeight(bandwidth, w int64) int64 {
	if bandwidth <= 0 || w <= 0 {
		return 0
	}
	if bandwidth > math.MaxInt64/w {
		return math.MaxInt64
	}
	return bandwidth * w
}

func (s *selection) usable(r *directory.Relay) bool {
	switch {
	case r.Descriptor == nil, !r.Flags.Running, !r.Flags.Valid:
		return false
	case s.c.RequireStable && !r.Flags.Stable:
		return false
	case s.c.RequireFast && !r.Flags.Fast:
		return false
	}
	return !s.excluded[r.Fingerprint]
}

func (s *selection) eligible(r *directory.Relay, pos Position) bool {
	switch pos {
	case PositionExit:
		if !r.Flags.Exit || r.Flags.BadExit {
			return false
		}
		if s.c.ExitPort == 0 {
			return r.Descriptor.ExitPolicy.AllowsAny()
		}
		return r.Descriptor.ExitPolicy.Allows(s.c.ExitPort)
	case PositionEntry:
		return r.Flags.Guard
	}
	return true
}

// compatible reports whether r may share a path with the relays chosen so far.
func (s *selection) compatible(r *directory.Relay) bool {
	sub := subnet16(r.Address)
	for _, o := range s.chosen {
		if o.Fingerprint == r.Fingerprint {
			return false
		}
		// Same /16 subnet check
		if sub != "" && sub == subnet16(o.Address) {
			return false
		}
		if r.InFamily(o) || o.InFamily(r) {
			return false
		}
	}
	return true
}

// weight returns the consensus bandwidth weight for r at pos.
func (s *selection) weight(r *directory.Relay, pos Position) int64 {
	switch pos {
	case PositionExit:
		if r.Flags.Guard {
			return s.snap.Weight("Wed")
		}
		return s.snap.Weight("Wee")
	case PositionEntry:
		if r.Flags.Exit {
			return s.snap.Weight("Wgd")
		}
		return s.snap.Weight("Wgg")
	}
	switch {
	case r.Flags.Guard && r.Flags.Exit:
		return s.snap.Weight("Wmd")
	case r.Flags.Guard:
		return s.snap.Weight("Wmg")
	case r.Flags.Exit:
		return s.snap.Weight("Wme")
	}
	return s.snap.Weight("Wmm")
}

// subnet16 returns the /16 prefix of an IPv4 address as a string.
func subnet16(addr string) string {
	ip := net.ParseIP(addr)
	if ip == nil {
		return ""
	}
	ip4 := ip.To4()
	if ip4 == nil {
		return ""
	}
	return fmt.Sprintf("%d.%d", ip4[0], ip4[1])
}

// weightedRandom selects an index proportional to the given weights.
// Negative weights count as zero.
func weightedRandom(rnd io.Reader, weights []int64) (int, error) {
	if len(weights) == 0 {
		return 0, fmt.Errorf("empty weights")
	}

	total := new(big.Int)
	for _, w := range weights {
		if w > 0 {
			total.Add(total, big.NewInt(w))
		}
	}

	if total.Sign() == 0 {
		// All zero weights: uniform random (unbiased)
		n, err := rand.Int(rnd, big.NewInt(int64(len(weights))))
		if err != nil {
			return 0, fmt.Errorf("read randomness: %w", err)
		}
		return int(n.Int64()), nil
	}

	// Generate random value in [0, total) without modulo bias
	r, err := rand.Int(rnd, total)
	if err != nil {
		return 0, fmt.Errorf("read randomness: %w", err)
	}

	cumulative := new(big.Int)
	for i, w := range weights {
		if w <= 0 {
			continue
		}
		cumulative.Add(cumulative, big.NewInt(w))
		if r.Cmp(cumulative) < 0 {
			return i, nil
		}
	}

	return len(weights) - 1, nil
}
