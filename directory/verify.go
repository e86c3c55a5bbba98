package directory

import (
	"crypto/sha1"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
	"time"
)

// TrustConfig is the single developer-controlled authority the client trusts.
type TrustConfig struct {
	AuthorityName string
	Identity      string // v3ident: SHA-1 of the identity key DER, hex
	Cert          *KeyCert
}

// NewTrustConfig parses the authority certificate and binds it to the
// configured identity.
func NewTrustConfig(name, identity, certText string) (TrustConfig, error) {
	identity = strings.ToUpper(strings.TrimSpace(identity))
	if b, err := hex.DecodeString(identity); err != nil || len(b) != 20 {
		return TrustConfig{}, fmt.Errorf("authority %q: v3ident must be 40 hex characters", name)
	}
	cert, err := ParseKeyCert(certText)
	if err != nil {
		return TrustConfig{}, fmt.Errorf("authority %q certificate: %w", name, err)
	}
	if cert.IdentityFingerprint != identity {
		return TrustConfig{}, fmt.Errorf("%w: certificate is for %s, configured %s",
			ErrUntrustedAuthority, cert.IdentityFingerprint, identity)
	}
	return TrustConfig{AuthorityName: name, Identity: identity, Cert: cert}, nil
}

// VerifyConsensus checks a parsed consensus against the trusted authority.
// It returns nil or an error wrapping exactly one of ErrUntrustedAuthority,
// ErrExpiredCertificate, ErrBadSignature or ErrOutsideValidityWindow, checked
// in that order. There is no partial trust.
func VerifyConsensus(c *Consensus, trust TrustConfig, now time.Time) error {
	identity := strings.ToUpper(trust.Identity)
	cert := trust.Cert
	if cert == nil {
		return fmt.Errorf("%w: no certificate configured for %s", ErrUntrustedAuthority, identity)
	}
	if cert.IdentityFingerprint != identity {
		return fmt.Errorf("%w: certificate is for %s, configured %s",
			ErrUntrustedAuthority, cert.IdentityFingerprint, identity)
	}

	listed := false
	for _, a := range c.Authorities {
		if a == identity {
			listed = true
			break
		}
	}
	if !listed {
		return fmt.Errorf("%w: consensus lists no dir-source for %s", ErrUntrustedAuthority, identity)
	}

	var sig *Signature
	for i := range c.Signatures {
		if c.Signatures[i].Identity == identity {
			sig = &c.Signatures[i]
			break
		}
	}
	if sig == nil {
		return fmt.Errorf("%w: no signature from %s", ErrUntrustedAuthority, identity)
	}
	if sig.SigningKeyDigest != cert.SigningKeyDigest {
		return fmt.Errorf("%w: signed with key %s, certificate has %s",
			ErrUntrustedAuthority, sig.SigningKeyDigest, cert.SigningKeyDigest)
	}

	if !cert.ValidAt(now) {
		return fmt.Errorf("%w: certificate valid %s to %s, now %s", ErrExpiredCertificate,
			cert.Published.Format(time.RFC3339), cert.Expires.Format(time.RFC3339), now.UTC().Format(time.RFC3339))
	}

	var digest []byte
	switch sig.Algorithm {
	case "sha1":
		d := sha1.Sum([]byte(c.SignedPortion))
		digest = d[:]
	case "sha256":
		d := sha256.Sum256([]byte(c.SignedPortion))
		digest = d[:]
	default:
		return fmt.Errorf("%w: unsupported algorithm %q", ErrBadSignature, sig.Algorithm)
	}
	if err := verifyRawPKCS1(cert.SigningKey, digest, sig.Signature); err != nil {
		return fmt.Errorf("%w: %v", ErrBadSignature, err)
	}

	if now.Before(c.ValidAfter) || now.After(c.ValidUntil) {
		return fmt.Errorf("%w: valid %s to %s, now %s", ErrOutsideValidityWindow,
			c.ValidAfter.Format(time.RFC3339), c.ValidUntil.Format(time.RFC3339), now.UTC().Format(time.RFC3339))
	}
	return nil
}
