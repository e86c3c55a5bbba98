package directory

import (
	"crypto"
	"crypto/rsa"
	"crypto/sha1"
	"crypto/x509"
	"encoding/hex"
	"encoding/pem"
	"fmt"
	"strings"
	"time"
)

// KeyCert represents a parsed directory authority key certificate.
type KeyCert struct {
	IdentityFingerprint string         // SHA-1 of identity key DER, uppercase hex
	SigningKeyDigest    string         // SHA-1 of signing key DER, uppercase hex
	IdentityKey         *rsa.PublicKey // The long-term identity key
	SigningKey          *rsa.PublicKey // The medium-term signing key
	Published           time.Time      // dir-key-published
	Expires             time.Time      // dir-key-expires
}

// ValidAt reports whether t lies within the certificate's lifetime.
func (kc *KeyCert) ValidAt(t time.Time) bool {
	return !t.Before(kc.Published) && !t.After(kc.Expires)
}

const certificationMarker = "\ndir-key-certification\n"

// ParseKeyCert parses and self-verifies a single authority key certificate.
// It checks that the identity key matches the claimed fingerprint, that the
// signing key cross-certifies the identity key and that the identity key
// certifies the document. It does not check the lifetime; that is a trust
// decision made by VerifyConsensus.
func ParseKeyCert(text string) (*KeyCert, error) {
	canonical := Canonicalize(text)
	if !strings.HasPrefix(canonical, "dir-key-certificate-version 3\n") {
		return nil, malformed("certificate", "header", "missing dir-key-certificate-version 3")
	}

	f := extractKeyCertFields(canonical)
	switch {
	case f.fingerprint == "":
		return nil, malformed("certificate", "header", "missing fingerprint")
	case f.published.IsZero() || f.expires.IsZero():
		return nil, malformed("certificate", "header", "missing dir-key-published or dir-key-expires")
	case f.identityKeyPEM == "" || f.signingKeyPEM == "":
		return nil, malformed("certificate", "header", "missing identity or signing key")
	case f.crosscertPEM == "" || f.certificationPEM == "":
		return nil, malformed("certificate", "signature", "missing dir-key-crosscert or dir-key-certification")
	}

	identityKey, identityDER, err := parseRSAKey(f.identityKeyPEM)
	if err != nil {
		return nil, malformed("certificate", "header", "identity key: %w", err)
	}
	idDigest := sha1.Sum(identityDER)
	if computed := strings.ToUpper(hex.EncodeToString(idDigest[:])); computed != f.fingerprint {
		return nil, fmt.Errorf("%w: identity key fingerprint mismatch for %s: computed %s",
			ErrUntrustedAuthority, f.fingerprint, computed)
	}

	signingKey, signingDER, err := parseRSAKey(f.signingKeyPEM)
	if err != nil {
		return nil, malformed("certificate", "header", "signing key: %w", err)
	}

	crosscert, err := decodeObject(f.crosscertPEM)
	if err != nil {
		return nil, malformed("certificate", "signature", "dir-key-crosscert: %w", err)
	}
	if err := verifyRawPKCS1(signingKey, idDigest[:], crosscert); err != nil {
		return nil, fmt.Errorf("%w: dir-key-crosscert: %v", ErrBadSignature, err)
	}

	idx := strings.Index(canonical, certificationMarker)
	if idx < 0 {
		return nil, malformed("certificate", "signature", "missing dir-key-certification")
	}
	certDigest := sha1.Sum([]byte(canonical[:idx+len(certificationMarker)]))
	certification, err := decodeObject(f.certificationPEM)
	if err != nil {
		return nil, malformed("certificate", "signature", "dir-key-certification: %w", err)
	}
	if err := verifyRawPKCS1(identityKey, certDigest[:], certification); err != nil {
		return nil, fmt.Errorf("%w: dir-key-certification: %v", ErrBadSignature, err)
	}

	skDigest := sha1.Sum(signingDER)
	return &KeyCert{
		IdentityFingerprint: f.fingerprint,
		SigningKeyDigest:    strings.ToUpper(hex.EncodeToString(skDigest[:])),
		IdentityKey:         identityKey,
		SigningKey:          signingKey,
		Published:           f.published,
		Expires:             f.expires,
	}, nil
}

type keyCertFields struct {
	fingerprint      string
	published        time.Time
	expires          time.Time
	identityKeyPEM   string
	signingKeyPEM    string
	crosscertPEM     string
	certificationPEM string
}

func extractKeyCertFields(block string) keyCertFields {
	var f keyCertFields
	lines := strings.Split(block, "\n")
	for i, line := range lines {
		switch {
		case strings.HasPrefix(line, "fingerprint "):
			f.fingerprint = strings.ToUpper(strings.ReplaceAll(line[len("fingerprint "):], " ", ""))
		case strings.HasPrefix(line, "dir-key-published "):
			t, err := time.Parse(timeLayout, line[len("dir-key-published "):])
			if err == nil {
				f.published = t.UTC()
			}
		case strings.HasPrefix(line, "dir-key-expires "):
			t, err := time.Parse(timeLayout, line[len("dir-key-expires "):])
			if err == nil {
				f.expires = t.UTC()
			}
		case line == "dir-identity-key" && i+1 < len(lines):
			f.identityKeyPEM = extractPEMBlock(lines[i+1:])
		case line == "dir-signing-key" && i+1 < len(lines):
			f.signingKeyPEM = extractPEMBlock(lines[i+1:])
		case line == "dir-key-crosscert" && i+1 < len(lines):
			f.crosscertPEM = extractPEMBlock(lines[i+1:])
		case line == "dir-key-certification" && i+1 < len(lines):
			f.certificationPEM = extractPEMBlock(lines[i+1:])
		}
	}
	return f
}

func parseRSAKey(pemText string) (*rsa.PublicKey, []byte, error) {
	block, _ := pem.Decode([]byte(pemText))
	if block == nil {
		return nil, nil, fmt.Errorf("failed to decode PEM")
	}
	key, err := x509.ParsePKCS1PublicKey(block.Bytes)
	if err != nil {
		return nil, nil, err
	}
	return key, block.Bytes, nil
}

func decodeObject(pemText string) ([]byte, error) {
	block, _ := pem.Decode([]byte(pemText))
	if block == nil {
		return nil, fmt.Errorf("failed to decode object")
	}
	return block.Bytes, nil
}

// verifyRawPKCS1 checks a directory signature. Tor directory signatures use
// PKCS#1 v1.5 padding without the ASN.1 DigestInfo prefix, so crypto.Hash(0)
// makes Go verify the raw padding.
func verifyRawPKCS1(key *rsa.PublicKey, digest, sig []byte) error {
	return rsa.VerifyPKCS1v15(key, crypto.Hash(0), digest, sig)
}

// extractPEMBlock extracts a PEM block from lines starting at the given position.
func extractPEMBlock(lines []string) string {
	if len(lines) == 0 || !strings.HasPrefix(lines[0], "-----BEGIN ") {
		return ""
	}
	var sb strings.Builder
	for _, line := range lines {
		sb.WriteString(line)
		sb.WriteString("\n")
		if strings.HasPrefix(line, "-----END ") {
			break
		}
	}
	return sb.String()
}
