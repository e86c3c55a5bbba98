package directory

import (
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"log/slog"
	"strings"

	"filippo.io/edwards25519"
)

// ParseMicrodescriptors parses a microdescriptor document into descriptors
// keyed by their unpadded base64 SHA-256 digest, the form used by consensus
// "m" lines. Entries without a usable ntor key or with an invalid Ed25519
// identity are skipped and reported as warnings.
func ParseMicrodescriptors(text string, logger *slog.Logger) (map[string]*NodeDescriptor, []Warning, error) {
	if logger == nil {
		logger = slog.Default()
	}

	canonical := Canonicalize(text)
	entries := splitMicrodescriptors(canonical)
	if len(entries) == 0 && canonical != "" {
		return nil, nil, malformed("microdescriptors", "header", "no microdescriptor entries found")
	}

	descs := make(map[string]*NodeDescriptor, len(entries))
	var warnings []Warning
	skip := func(i int, reason string) {
		w := Warning{Section: "microdescriptor", Index: i, Reason: reason}
		warnings = append(warnings, w)
		logger.Warn("skipping microdescriptor", "index", i, "reason", reason)
	}

	for i, entry := range entries {
		d, err := ParseMicrodescriptor(entry)
		if err != nil {
			skip(i, err.Error())
			continue
		}
		if _, dup := descs[d.Digest]; dup {
			skip(i, "duplicate digest "+d.Digest)
			continue
		}
		descs[d.Digest] = d
	}

	logger.Debug("microdescriptors parsed", "entries", len(descs), "skipped", len(warnings))
	return descs, warnings, nil
}

// ParseMicrodescriptor parses a single canonical microdescriptor entry.
func ParseMicrodescriptor(entry string) (*NodeDescriptor, error) {
	hash := sha256.Sum256([]byte(entry))
	d := &NodeDescriptor{Digest: base64.RawStdEncoding.EncodeToString(hash[:])}
	hasNtor := false

	for _, line := range strings.Split(entry, "\n") {
		switch {
		case strings.HasPrefix(line, "ntor-onion-key "):
			key, err := decodeKey32(line[len("ntor-onion-key "):])
			if err != nil {
				return nil, fmt.Errorf("ntor-onion-key: %w", err)
			}
			d.NtorOnionKey = key
			hasNtor = true

		case strings.HasPrefix(line, "id ed25519 "):
			key, err := decodeKey32(line[len("id ed25519 "):])
			if err != nil {
				return nil, fmt.Errorf("id ed25519: %w", err)
			}
			// Validate the identity is a valid Ed25519 point
			if _, err := new(edwards25519.Point).SetBytes(key[:]); err != nil {
				return nil, fmt.Errorf("id ed25519: invalid point: %w", err)
			}
			d.Ed25519ID = key
			d.HasEd25519 = true

		case strings.HasPrefix(line, "a "):
			d.IPv6Addresses = append(d.IPv6Addresses, line[len("a "):])

		case strings.HasPrefix(line, "family "):
			d.Family = append(d.Family, strings.Fields(line)[1:]...)

		case strings.HasPrefix(line, "p "):
			pol, err := ParsePortPolicy(line[len("p "):])
			if err != nil {
				return nil, err
			}
			d.ExitPolicy = pol

		case strings.HasPrefix(line, "p6 "):
			pol, err := ParsePortPolicy(line[len("p6 "):])
			if err != nil {
				return nil, err
			}
			d.ExitPolicy6 = pol
		}
	}

	if !hasNtor {
		return nil, fmt.Errorf("missing ntor-onion-key")
	}
	return d, nil
}

func decodeKey32(b64 string) ([32]byte, error) {
	var key [32]byte
	keyBytes, err := base64.RawStdEncoding.DecodeString(strings.TrimRight(b64, "="))
	if err != nil {
		return key, err
	}
	if len(keyBytes) != 32 {
		return key, fmt.Errorf("wrong length: %d", len(keyBytes))
	}
	copy(key[:], keyBytes)
	return key, nil
}

// splitMicrodescriptors splits a canonical document into entries. An entry
// starts at an "onion-key" line, or at an "ntor-onion-key" line when the
// relay publishes no legacy onion key.
func splitMicrodescriptors(canonical string) []string {
	var entries []string
	var cur strings.Builder
	started, hasNtor := false, false

	flush := func() {
		if started {
			entries = append(entries, cur.String())
		}
		cur.Reset()
		started, hasNtor = false, false
	}

	for _, line := range strings.Split(strings.TrimSuffix(canonical, "\n"), "\n") {
		if line == "" {
			continue
		}
		isNtor := strings.HasPrefix(line, "ntor-onion-key ")
		if line == "onion-key" || (isNtor && (hasNtor || !started)) {
			flush()
			started = true
		}
		if !started {
			// Annotations and stray lines before the first entry.
			continue
		}
		if isNtor {
			hasNtor = true
		}
		cur.WriteString(line)
		cur.WriteByte('\n')
	}
	flush()
	return entries
}
