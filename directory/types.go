package directory

import (
	"encoding/hex"
	"strings"
	"time"
)

// Fingerprint is the SHA-1 digest of a relay's RSA identity key.
type Fingerprint [20]byte

// String returns the fingerprint as uppercase hex.
func (f Fingerprint) String() string {
	return strings.ToUpper(hex.EncodeToString(f[:]))
}

// ParseFingerprint decodes a 40-character hex fingerprint. A leading "$" is accepted.
func ParseFingerprint(s string) (Fingerprint, error) {
	var fp Fingerprint
	s = strings.TrimPrefix(strings.TrimSpace(s), "$")
	b, err := hex.DecodeString(s)
	if err != nil {
		return fp, err
	}
	if len(b) != len(fp) {
		return fp, errFingerprintLength(len(b))
	}
	copy(fp[:], b)
	return fp, nil
}

// Consensus represents a parsed custom microdescriptor consensus.
type Consensus struct {
	ValidAfter        time.Time
	FreshUntil        time.Time
	ValidUntil        time.Time
	AuthorityIdentity string // v3ident of the first dir-source, uppercase hex
	Authorities       []string
	Signatures        []Signature
	Entries           []NodeSummary    // listing order
	BandwidthWeights  map[string]int64 // Wgg, Wgm, Wmg, Wmm, etc.

	// SignedPortion is the canonical text covered by the signatures.
	SignedPortion string
	// Digest is the SHA3-256 of the whole canonical document. Churn files
	// reference the consensus they target by this value.
	Digest [32]byte
}

// Signature holds a parsed directory-signature block.
type Signature struct {
	Algorithm        string // "sha1" or "sha256"
	Identity         string // authority v3ident, uppercase hex
	SigningKeyDigest string // SHA-1 of signing key DER, uppercase hex
	Signature        []byte
}

// NodeSummary represents a router entry in the consensus.
type NodeSummary struct {
	Nickname        string
	Fingerprint     Fingerprint // base64-decoded from the "r" line
	Address         string      // IPv4 address
	ORPort          uint16
	DirPort         uint16
	Flags           RelayFlags
	Bandwidth       int64  // From "w Bandwidth=" line
	MicrodescDigest string // Base64 SHA-256 digest from "m" line
}

// RelayFlags represents the flags assigned to a relay in the consensus.
type RelayFlags struct {
	Authority bool
	BadExit   bool
	Exit      bool
	Fast      bool
	Guard     bool
	HSDir     bool
	Running   bool
	Stable    bool
	Valid     bool
}

// NodeDescriptor is the per-relay microdescriptor referenced by a consensus entry.
type NodeDescriptor struct {
	Digest        string // unpadded base64 SHA-256 of the canonical entry
	NtorOnionKey  [32]byte
	Ed25519ID     [32]byte
	HasEd25519    bool
	IPv6Addresses []string // "a" lines, "[addr]:port"
	Family        []string // raw family members, "$HEX" or nicknames
	ExitPolicy    PortPolicy
	ExitPolicy6   PortPolicy
}

// Relay is a consensus entry joined with its descriptor. Relays handed out
// by a Snapshot must be treated as read-only.
type Relay struct {
	NodeSummary
	Descriptor *NodeDescriptor
}

// InFamily reports whether r declares other as a family member.
func (r *Relay) InFamily(other *Relay) bool {
	if r.Descriptor == nil {
		return false
	}
	want := "$" + other.Fingerprint.String()
	for _, member := range r.Descriptor.Family {
		m := strings.ToUpper(member)
		// "$HEX=nick" and "$HEX~nick" forms carry a nickname suffix.
		if i := strings.IndexAny(m, "=~"); i >= 0 {
			m = m[:i]
		}
		if m == want {
			return true
		}
	}
	return false
}
