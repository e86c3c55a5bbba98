package directory

import (
	"crypto/ed25519"
	"crypto/sha256"
	"encoding/base64"
	"strings"
	"testing"
)

func testEd25519Key() (ed25519.PublicKey, string) {
	seed := sha256.Sum256([]byte("microdesc test"))
	pub := ed25519.NewKeyFromSeed(seed[:]).Public().(ed25519.PublicKey)
	return pub, base64.RawStdEncoding.EncodeToString(pub)
}

func TestParseMicrodescriptor(t *testing.T) {
	// Create a test ntor key (32 bytes)
	ntorKeyBytes := make([]byte, 32)
	for i := range ntorKeyBytes {
		ntorKeyBytes[i] = byte(i)
	}
	ntorKeyB64 := base64.RawStdEncoding.EncodeToString(ntorKeyBytes)
	edKey, edKeyB64 := testEd25519Key()

	text := "onion-key\n-----BEGIN RSA PUBLIC KEY-----\nMIGJAoGBALRFSomething\n-----END RSA PUBLIC KEY-----\n" +
		"ntor-onion-key " + ntorKeyB64 + "=\n" +
		"a [2001:db8::1]:9001\n" +
		"family $F533C81CEF0BC0267857C99B2F471ADF249FA232 somenick\n" +
		"p accept 80,443,8000-8080\n" +
		"p6 reject 1-65535\n" +
		"id ed25519 " + edKeyB64 + "\n"

	d, err := ParseMicrodescriptor(text)
	if err != nil {
		t.Fatalf("ParseMicrodescriptor: %v", err)
	}

	for i := 0; i < 32; i++ {
		if d.NtorOnionKey[i] != byte(i) {
			t.Fatalf("ntor key byte %d: got %d, want %d", i, d.NtorOnionKey[i], i)
		}
	}
	if !d.HasEd25519 || string(d.Ed25519ID[:]) != string(edKey) {
		t.Fatal("ed25519 identity not parsed")
	}
	if len(d.IPv6Addresses) != 1 || d.IPv6Addresses[0] != "[2001:db8::1]:9001" {
		t.Fatalf("IPv6Addresses = %v", d.IPv6Addresses)
	}
	if len(d.Family) != 2 {
		t.Fatalf("Family = %v", d.Family)
	}
	if !d.ExitPolicy.Allows(443) || !d.ExitPolicy.Allows(8080) || d.ExitPolicy.Allows(22) {
		t.Fatalf("ExitPolicy = %s", d.ExitPolicy)
	}
	if d.ExitPolicy6.AllowsAny() {
		t.Fatalf("ExitPolicy6 = %s", d.ExitPolicy6)
	}

	hash := sha256.Sum256([]byte(text))
	if d.Digest != base64.RawStdEncoding.EncodeToString(hash[:]) {
		t.Fatalf("digest = %q", d.Digest)
	}
}

func TestParseMicrodescriptorNoNtorKey(t *testing.T) {
	text := "onion-key\n-----BEGIN RSA PUBLIC KEY-----\nstuff\n-----END RSA PUBLIC KEY-----\n"
	if _, err := ParseMicrodescriptor(text); err == nil {
		t.Fatal("expected error without ntor-onion-key")
	}
}

func TestParseMicrodescriptorInvalidEd25519(t *testing.T) {
	ntor := base64.RawStdEncoding.EncodeToString(make([]byte, 32))
	tests := map[string]string{
		"bad base64":   "!!!not-base64!!!",
		"wrong length": base64.RawStdEncoding.EncodeToString(make([]byte, 16)),
		// y = 2 has no matching x on the curve.
		"not a point": base64.RawStdEncoding.EncodeToString(append([]byte{2}, make([]byte, 31)...)),
	}
	for name, key := range tests {
		text := "ntor-onion-key " + ntor + "\nid ed25519 " + key + "\n"
		if _, err := ParseMicrodescriptor(text); err == nil {
			t.Fatalf("%s: expected error", name)
		}
	}
}

func TestParseMicrodescriptorDefaultPolicyRejectsAll(t *testing.T) {
	ntor := base64.RawStdEncoding.EncodeToString(make([]byte, 32))
	d, err := ParseMicrodescriptor("ntor-onion-key " + ntor + "\n")
	if err != nil {
		t.Fatal(err)
	}
	if d.ExitPolicy.Allows(80) || d.ExitPolicy.AllowsAny() {
		t.Fatal("absent policy should reject everything")
	}
}

func TestDigestMatchingPipeline(t *testing.T) {
	// The consensus m line digest must match SHA-256 of the raw
	// microdescriptor once the "sha256=" prefix is stripped.
	microdesc := "onion-key\n-----BEGIN RSA PUBLIC KEY-----\nMIGJAoGBATest\n-----END RSA PUBLIC KEY-----\nntor-onion-key AAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAA\n"
	hash := sha256.Sum256([]byte(microdesc))
	digestB64 := base64.RawStdEncoding.EncodeToString(hash[:])

	consensus := strings.Replace(testConsensus,
		"m sha256=abcdefghijklmnopqrstuvwxyz012345678901234567",
		"m sha256="+digestB64, 1)
	c, _, err := ParseConsensus(consensus, nil)
	if err != nil {
		t.Fatal(err)
	}

	descs, warnings, err := ParseMicrodescriptors(microdesc, nil)
	if err != nil {
		t.Fatal(err)
	}
	if len(warnings) != 0 {
		t.Fatalf("warnings: %v", warnings)
	}
	if _, ok := descs[c.Entries[0].MicrodescDigest]; !ok {
		t.Fatalf("digest mismatch: consensus %q not among %d descriptors", c.Entries[0].MicrodescDigest, len(descs))
	}
}

func TestParseMicrodescriptorsSkipsBadEntries(t *testing.T) {
	ntor := base64.RawStdEncoding.EncodeToString(make([]byte, 32))
	_, edB64 := testEd25519Key()
	good := "ntor-onion-key " + ntor + "\nid ed25519 " + edB64 + "\n"
	noNtor := "onion-key\n-----BEGIN RSA PUBLIC KEY-----\nstuff\n-----END RSA PUBLIC KEY-----\nfamily $AA\n"
	badEd := "ntor-onion-key " + ntor + "\nid ed25519 AAAA\n"

	descs, warnings, err := ParseMicrodescriptors(good+badEd+good+noNtor, nil)
	if err != nil {
		t.Fatalf("ParseMicrodescriptors: %v", err)
	}
	if len(descs) != 1 {
		t.Fatalf("got %d descriptors, want 1", len(descs))
	}
	// bad ed25519, duplicate digest, no ntor key
	if len(warnings) != 3 {
		t.Fatalf("got %d warnings, want 3: %v", len(warnings), warnings)
	}
}

func TestParseMicrodescriptorsNoEntries(t *testing.T) {
	if _, _, err := ParseMicrodescriptors("@last-listed 2025-01-15\n", nil); err == nil {
		t.Fatal("expected error for a document without entries")
	}
	descs, _, err := ParseMicrodescriptors("", nil)
	if err != nil || len(descs) != 0 {
		t.Fatalf("empty document: %v, %d descriptors", err, len(descs))
	}
}

func TestSplitMicrodescriptors(t *testing.T) {
	body := "onion-key\nfirst entry\nntor-onion-key AAA\nonion-key\nsecond entry\nntor-onion-key BBB\nntor-onion-key CCC\nid ed25519 DDD\n"
	entries := splitMicrodescriptors(body)
	if len(entries) != 3 {
		t.Fatalf("got %d entries, want 3", len(entries))
	}
	if entries[2] != "ntor-onion-key CCC\nid ed25519 DDD\n" {
		t.Fatalf("entry 2 = %q", entries[2])
	}
}

func TestParsePortPolicy(t *testing.T) {
	tests := []struct {
		in     string
		port   uint16
		allows bool
	}{
		{"accept 80,443", 80, true},
		{"accept 80,443", 22, false},
		{"accept 1-65535", 65535, true},
		{"reject 25,119,135-139", 25, false},
		{"reject 25,119,135-139", 137, false},
		{"reject 25,119,135-139", 443, true},
		{"reject 1-65535", 443, false},
	}
	for _, tc := range tests {
		p, err := ParsePortPolicy(tc.in)
		if err != nil {
			t.Fatalf("ParsePortPolicy(%q): %v", tc.in, err)
		}
		if got := p.Allows(tc.port); got != tc.allows {
			t.Fatalf("%q allows %d = %v, want %v", tc.in, tc.port, got, tc.allows)
		}
		if p.String() != tc.in {
			t.Fatalf("String() = %q, want %q", p.String(), tc.in)
		}
	}

	for _, bad := range []string{"", "accept", "allow 80", "accept 0", "accept 70000", "accept 90-80", "accept a,b"} {
		if _, err := ParsePortPolicy(bad); err == nil {
			t.Fatalf("ParsePortPolicy(%q) should fail", bad)
		}
	}
}

func TestPortPolicyAllowsAny(t *testing.T) {
	full, _ := ParsePortPolicy("reject 1-100,50-65535")
	if full.AllowsAny() {
		t.Fatal("overlapping ranges covering every port should allow nothing")
	}
	partial, _ := ParsePortPolicy("reject 1-442,444-65535")
	if !partial.AllowsAny() || !partial.Allows(443) {
		t.Fatal("port 443 should be allowed")
	}
	var absent PortPolicy
	if absent.AllowsAny() {
		t.Fatal("absent policy allows nothing")
	}
}
