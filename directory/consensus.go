package directory

import (
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"
)

// timeLayout is the timestamp format used by directory documents (UTC).
const timeLayout = "2006-01-02 15:04:05"

// ParseConsensus parses a custom microdescriptor consensus. Parsing is purely
// syntactic; trust is evaluated by VerifyConsensus.
//
// Missing or broken header fields and a missing or broken signature block
// fail the whole document. A broken router entry is skipped and reported as
// a Warning.
func ParseConsensus(text string, logger *slog.Logger) (*Consensus, []Warning, error) {
	if logger == nil {
		logger = slog.Default()
	}

	canonical := Canonicalize(text)
	signed, ok := SignedPortion(canonical)
	if !ok {
		return nil, nil, malformed("consensus", "signature", "no directory-signature found")
	}

	c := &Consensus{
		BandwidthWeights: make(map[string]int64),
		SignedPortion:    signed,
		Digest:           DocumentDigest(canonical),
	}

	p := &consensusParser{c: c, seen: make(map[Fingerprint]bool), logger: logger}
	// The marker's leading newline belongs to the last body line.
	body := signed[:len(signed)-len(signatureMarker)+1]
	for _, line := range strings.Split(body, "\n") {
		if line == "" {
			continue
		}
		if err := p.line(line); err != nil {
			return nil, nil, err
		}
	}
	p.finishEntry()

	if err := p.checkHeader(); err != nil {
		return nil, nil, err
	}

	sigs, err := parseSignatureBlocks(canonical[len(signed)-len("directory-signature "):])
	if err != nil {
		return nil, nil, err
	}
	c.Signatures = sigs

	logger.Debug("consensus parsed",
		"entries", len(c.Entries),
		"skipped", len(p.warnings),
		"valid_after", c.ValidAfter,
		"valid_until", c.ValidUntil)
	return c, p.warnings, nil
}

type consensusParser struct {
	c          *Consensus
	hasVersion bool
	inFooter   bool

	current  *NodeSummary
	curIndex int
	curErr   string
	entries  int

	seen     map[Fingerprint]bool
	warnings []Warning
	logger   *slog.Logger
}

func (p *consensusParser) line(line string) error {
	c := p.c
	switch {
	case strings.HasPrefix(line, "network-status-version "):
		parts := strings.Fields(line)
		if len(parts) < 3 || parts[1] != "3" || parts[2] != "microdesc" {
			return malformed("consensus", "header", "unsupported %q", line)
		}
		p.hasVersion = true

	case strings.HasPrefix(line, "valid-after "):
		t, err := parseTime(line, "valid-after ")
		if err != nil {
			return err
		}
		c.ValidAfter = t

	case strings.HasPrefix(line, "fresh-until "):
		t, err := parseTime(line, "fresh-until ")
		if err != nil {
			return err
		}
		c.FreshUntil = t

	case strings.HasPrefix(line, "valid-until "):
		t, err := parseTime(line, "valid-until ")
		if err != nil {
			return err
		}
		c.ValidUntil = t

	case strings.HasPrefix(line, "dir-source "):
		// dir-source <nickname> <identity> <address> <IP> <dirport> <orport>
		parts := strings.Fields(line)
		if len(parts) < 3 {
			return malformed("consensus", "header", "dir-source too short: %q", line)
		}
		id := strings.ToUpper(parts[2])
		if b, err := hex.DecodeString(id); err != nil || len(b) != 20 {
			return malformed("consensus", "header", "dir-source identity %q", parts[2])
		}
		if c.AuthorityIdentity == "" {
			c.AuthorityIdentity = id
		}
		c.Authorities = append(c.Authorities, id)

	case line == "directory-footer":
		p.finishEntry()
		p.inFooter = true

	case strings.HasPrefix(line, "bandwidth-weights "):
		parseBandwidthWeights(c, line)

	case p.inFooter:
		// Unknown footer items are ignored.

	case strings.HasPrefix(line, "r "):
		p.finishEntry()
		p.curIndex = p.entries
		p.entries++
		relay, err := parseRouterLine(line)
		if err != nil {
			p.current = &NodeSummary{}
			p.curErr = err.Error()
			return nil
		}
		p.current = relay

	case strings.HasPrefix(line, "m "):
		if p.current != nil {
			// m line: "m <digest>"
			parts := strings.Fields(line)
			p.current.MicrodescDigest = strings.TrimPrefix(parts[1], "sha256=")
		}

	case strings.HasPrefix(line, "s "):
		if p.current != nil {
			parseFlags(p.current, line)
		}

	case strings.HasPrefix(line, "w "):
		if p.current != nil {
			if err := parseBandwidth(p.current, line); err != nil && p.curErr == "" {
				p.curErr = err.Error()
			}
		}
	}
	return nil
}

// finishEntry appends the entry being parsed, or records why it was skipped.
func (p *consensusParser) finishEntry() {
	if p.current == nil {
		return
	}
	r := p.current
	p.current = nil
	reason := p.curErr
	p.curErr = ""

	switch {
	case reason != "":
	case r.MicrodescDigest == "":
		reason = "missing m line"
	case p.seen[r.Fingerprint]:
		reason = "duplicate fingerprint " + r.Fingerprint.String()
	}
	if reason != "" {
		w := Warning{Section: "entry", Index: p.curIndex, Reason: reason}
		p.warnings = append(p.warnings, w)
		p.logger.Warn("skipping consensus entry", "index", w.Index, "reason", w.Reason)
		return
	}
	p.seen[r.Fingerprint] = true
	p.c.Entries = append(p.c.Entries, *r)
}

func (p *consensusParser) checkHeader() error {
	c := p.c
	switch {
	case !p.hasVersion:
		return malformed("consensus", "header", "missing network-status-version")
	case c.ValidAfter.IsZero():
		return malformed("consensus", "header", "missing valid-after")
	case c.ValidUntil.IsZero():
		return malformed("consensus", "header", "missing valid-until")
	case !c.ValidAfter.Before(c.ValidUntil):
		return malformed("consensus", "header", "valid-after %s not before valid-until %s",
			c.ValidAfter.Format(timeLayout), c.ValidUntil.Format(timeLayout))
	case c.AuthorityIdentity == "":
		return malformed("consensus", "header", "missing dir-source")
	}
	if !c.FreshUntil.IsZero() && (c.FreshUntil.Before(c.ValidAfter) || c.FreshUntil.After(c.ValidUntil)) {
		return malformed("consensus", "header", "fresh-until outside validity window")
	}
	return nil
}

func parseTime(line, prefix string) (time.Time, error) {
	t, err := time.Parse(timeLayout, line[len(prefix):])
	if err != nil {
		return time.Time{}, malformed("consensus", "header", "parse %s: %w", strings.TrimSpace(prefix), err)
	}
	return t.UTC(), nil
}

// parseSignatureBlocks extracts all directory-signature blocks. The text
// starts at the first "directory-signature" line.
func parseSignatureBlocks(text string) ([]Signature, error) {
	var sigs []Signature
	lines := strings.Split(strings.TrimSuffix(text, "\n"), "\n")

	for i := 0; i < len(lines); i++ {
		line := lines[i]
		if !strings.HasPrefix(line, "directory-signature ") {
			continue
		}
		parts := strings.Fields(line)

		var sig Signature
		switch len(parts) {
		case 3:
			sig.Algorithm = "sha1"
			sig.Identity = strings.ToUpper(parts[1])
			sig.SigningKeyDigest = strings.ToUpper(parts[2])
		case 4:
			sig.Algorithm = parts[1]
			sig.Identity = strings.ToUpper(parts[2])
			sig.SigningKeyDigest = strings.ToUpper(parts[3])
		default:
			return nil, malformed("consensus", "signature", "bad directory-signature line %q", line)
		}

		if i+1 >= len(lines) || lines[i+1] != "-----BEGIN SIGNATURE-----" {
			return nil, malformed("consensus", "signature", "missing signature object for %s", sig.Identity)
		}
		var b64 strings.Builder
		end := -1
		for j := i + 2; j < len(lines); j++ {
			if lines[j] == "-----END SIGNATURE-----" {
				end = j
				break
			}
			b64.WriteString(lines[j])
		}
		if end < 0 {
			return nil, malformed("consensus", "signature", "unterminated signature object for %s", sig.Identity)
		}

		sigBytes, err := base64.StdEncoding.DecodeString(b64.String())
		if err != nil {
			return nil, malformed("consensus", "signature", "decode signature for %s: %w", sig.Identity, err)
		}
		sig.Signature = sigBytes
		sigs = append(sigs, sig)
		i = end
	}

	if len(sigs) == 0 {
		return nil, malformed("consensus", "signature", "no signature blocks")
	}
	return sigs, nil
}

// parseRouterLine parses an "r" line from the consensus.
// Microdesc consensus r line: r <nick> <identity> <date> <time> <ip> <orport> <dirport>
func parseRouterLine(line string) (*NodeSummary, error) {
	parts := strings.Fields(line)
	if len(parts) < 8 {
		return nil, fmt.Errorf("r line too short: %q", line)
	}

	// Identity is base64-encoded SHA-1 (20 bytes), unpadded in consensus
	idBytes, err := base64.RawStdEncoding.DecodeString(strings.TrimRight(parts[2], "="))
	if err != nil {
		return nil, fmt.Errorf("decode identity: %w", err)
	}
	if len(idBytes) != 20 {
		return nil, fmt.Errorf("identity wrong length: %d", len(idBytes))
	}

	orPort, err := strconv.ParseUint(parts[6], 10, 16)
	if err != nil {
		return nil, fmt.Errorf("parse ORPort: %w", err)
	}

	dirPort, err := strconv.ParseUint(parts[7], 10, 16)
	if err != nil {
		return nil, fmt.Errorf("parse DirPort: %w", err)
	}

	relay := &NodeSummary{
		Nickname: parts[1],
		Address:  parts[5],
		ORPort:   uint16(orPort),
		DirPort:  uint16(dirPort),
	}
	copy(relay.Fingerprint[:], idBytes)

	return relay, nil
}

func parseFlags(relay *NodeSummary, line string) {
	flags := strings.Fields(line)[1:] // skip "s"
	for _, f := range flags {
		switch f {
		case "Authority":
			relay.Flags.Authority = true
		case "BadExit":
			relay.Flags.BadExit = true
		case "Exit":
			relay.Flags.Exit = true
		case "Fast":
			relay.Flags.Fast = true
		case "Guard":
			relay.Flags.Guard = true
		case "HSDir":
			relay.Flags.HSDir = true
		case "Running":
			relay.Flags.Running = true
		case "Stable":
			relay.Flags.Stable = true
		case "Valid":
			relay.Flags.Valid = true
		}
	}
}

func parseBandwidth(relay *NodeSummary, line string) error {
	// Format: w Bandwidth=1234 [Unmeasured=1]
	for _, field := range strings.Fields(line)[1:] {
		if strings.HasPrefix(field, "Bandwidth=") {
			bw, err := strconv.ParseInt(field[len("Bandwidth="):], 10, 64)
			if err != nil {
				return fmt.Errorf("parse bandwidth: %w", err)
			}
			if bw < 0 {
				return fmt.Errorf("negative bandwidth %d", bw)
			}
			relay.Bandwidth = bw
		}
	}
	return nil
}

func parseBandwidthWeights(c *Consensus, line string) {
	// Format: bandwidth-weights Wbd=0 Wbe=0 Wbg=4131 Wbm=10000 ...
	for _, field := range strings.Fields(line)[1:] {
		parts := strings.SplitN(field, "=", 2)
		if len(parts) == 2 {
			val, err := strconv.ParseInt(parts[1], 10, 64)
			if err == nil {
				c.BandwidthWeights[parts[0]] = val
			}
		}
	}
}
