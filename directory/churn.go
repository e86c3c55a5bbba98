package directory

import (
	"encoding/hex"
	"fmt"
	"log/slog"
	"strings"
	"time"
)

// ChurnFraction bounds churn: at most 1/ChurnFraction of the directory's
// relays may be removed by a churn file.
const ChurnFraction = 6

// ChurnFile is an unsigned list of relays to treat as unreachable, bound to
// the consensus it was generated for.
type ChurnFile struct {
	HasDigest        bool
	TargetDigest     [32]byte // SHA3-256 of the canonical consensus
	TargetValidAfter time.Time
	TargetValidUntil time.Time
	Fingerprints     []Fingerprint // deduplicated, file order
}

// ParseChurn parses a churn file. Errors wrap ErrChurnMalformed.
func ParseChurn(text string) (*ChurnFile, error) {
	cf := &ChurnFile{}
	seen := make(map[Fingerprint]bool)
	canonical := strings.TrimSuffix(Canonicalize(text), "\n")
	if canonical == "" {
		return cf, nil
	}

	for i, line := range strings.Split(canonical, "\n") {
		switch {
		case strings.HasPrefix(line, "#"):
		case strings.HasPrefix(line, "churn-version "):
			if v := line[len("churn-version "):]; v != "1" {
				return nil, fmt.Errorf("%w: line %d: unsupported version %q", ErrChurnMalformed, i+1, v)
			}
		case strings.HasPrefix(line, "consensus-sha3-256 "):
			b, err := hex.DecodeString(line[len("consensus-sha3-256 "):])
			if err != nil || len(b) != 32 {
				return nil, fmt.Errorf("%w: line %d: bad consensus digest", ErrChurnMalformed, i+1)
			}
			copy(cf.TargetDigest[:], b)
			cf.HasDigest = true
		case strings.HasPrefix(line, "valid-after "):
			t, err := time.Parse(timeLayout, line[len("valid-after "):])
			if err != nil {
				return nil, fmt.Errorf("%w: line %d: %v", ErrChurnMalformed, i+1, err)
			}
			cf.TargetValidAfter = t.UTC()
		case strings.HasPrefix(line, "valid-until "):
			t, err := time.Parse(timeLayout, line[len("valid-until "):])
			if err != nil {
				return nil, fmt.Errorf("%w: line %d: %v", ErrChurnMalformed, i+1, err)
			}
			cf.TargetValidUntil = t.UTC()
		default:
			fp, err := ParseFingerprint(line)
			if err != nil {
				return nil, fmt.Errorf("%w: line %d: %v", ErrChurnMalformed, i+1, err)
			}
			if !seen[fp] {
				seen[fp] = true
				cf.Fingerprints = append(cf.Fingerprints, fp)
			}
		}
	}
	return cf, nil
}

// Empty reports whether the file lists nothing and targets nothing.
func (cf *ChurnFile) Empty() bool {
	return len(cf.Fingerprints) == 0 && !cf.HasDigest &&
		cf.TargetValidAfter.IsZero() && cf.TargetValidUntil.IsZero()
}

// CheckTarget verifies that the churn file was generated for c. Every
// reference present must match and at least one must be present.
func (cf *ChurnFile) CheckTarget(c *Consensus) error {
	if !cf.HasDigest && cf.TargetValidAfter.IsZero() && cf.TargetValidUntil.IsZero() {
		return fmt.Errorf("%w: no consensus reference", ErrChurnTargetMismatch)
	}
	if cf.HasDigest && cf.TargetDigest != c.Digest {
		return fmt.Errorf("%w: digest %x, consensus %x", ErrChurnTargetMismatch, cf.TargetDigest[:8], c.Digest[:8])
	}
	if !cf.TargetValidAfter.IsZero() && !cf.TargetValidAfter.Equal(c.ValidAfter) {
		return fmt.Errorf("%w: valid-after %s, consensus %s", ErrChurnTargetMismatch,
			cf.TargetValidAfter.Format(timeLayout), c.ValidAfter.Format(timeLayout))
	}
	if !cf.TargetValidUntil.IsZero() && !cf.TargetValidUntil.Equal(c.ValidUntil) {
		return fmt.Errorf("%w: valid-until %s, consensus %s", ErrChurnTargetMismatch,
			cf.TargetValidUntil.Format(timeLayout), c.ValidUntil.Format(timeLayout))
	}
	return nil
}

// ChurnReport describes what the churn corrector did.
type ChurnReport struct {
	Present bool          // a churn file was supplied
	Listed  int           // unique fingerprints in the file
	Bound   int           // largest number of entries that may be honored
	Removed []Fingerprint // relays actually removed
	Err     error         // why the file was ignored, if it was
}

// Rejected reports whether a supplied churn file was ignored.
func (r ChurnReport) Rejected() bool {
	return r.Err != nil
}

// ApplyChurn removes churned relays from the candidate set. It never fails
// the load: a malformed, mismatched or oversized churn file is ignored
// outright and the reason is recorded in the report. The input slice is not
// modified.
func ApplyChurn(relays []Relay, c *Consensus, churn []byte, logger *slog.Logger) ([]Relay, ChurnReport) {
	if logger == nil {
		logger = slog.Default()
	}
	report := ChurnReport{Present: churn != nil, Bound: len(relays) / ChurnFraction}
	if churn == nil {
		return relays, report
	}

	reject := func(err error) ([]Relay, ChurnReport) {
		report.Err = err
		logger.Warn("churn file ignored", "error", err, "listed", report.Listed, "bound", report.Bound)
		return relays, report
	}

	cf, err := ParseChurn(string(churn))
	if err != nil {
		return reject(err)
	}
	if cf.Empty() {
		logger.Debug("churn file empty")
		return relays, report
	}
	report.Listed = len(cf.Fingerprints)
	if err := cf.CheckTarget(c); err != nil {
		return reject(err)
	}
	// A churn file trying to remove more than the bound is treated as an
	// attack and ignored entirely, never partially applied.
	if report.Listed > report.Bound {
		return reject(fmt.Errorf("%w: %d entries, at most %d of %d relays",
			ErrChurnBoundsExceeded, report.Listed, report.Bound, len(relays)))
	}

	churned := make(map[Fingerprint]bool, len(cf.Fingerprints))
	for _, fp := range cf.Fingerprints {
		churned[fp] = true
	}
	kept := make([]Relay, 0, len(relays))
	for _, r := range relays {
		if churned[r.Fingerprint] {
			report.Removed = append(report.Removed, r.Fingerprint)
			continue
		}
		kept = append(kept, r)
	}

	if len(report.Removed) == 0 {
		logger.Debug("all relays in custom consensus are still valid")
	} else {
		logger.Info("removed churned relays", "removed", len(report.Removed), "listed", report.Listed)
	}
	return kept, report
}
