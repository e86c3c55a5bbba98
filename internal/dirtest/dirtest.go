// Package dirtest builds signed custom directories for tests: an authority
// with a valid key certificate, a microdescriptor consensus signed by it,
// the matching microdescriptors and churn files.
package dirtest

import (
	"archive/tar"
	"bytes"
	"compress/gzip"
	"crypto"
	"crypto/ed25519"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha1"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"encoding/pem"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"golang.org/x/crypto/sha3"
)

const timeLayout = "2006-01-02 15:04:05"

// Authority is a test directory authority with its private keys.
type Authority struct {
	Name             string
	Identity         string // v3ident, uppercase hex
	SigningKeyDigest string // uppercase hex
	IdentityKey      *rsa.PrivateKey
	SigningKey       *rsa.PrivateKey
	Published        time.Time
	Expires          time.Time
	Cert             string // certificate.txt
}

var (
	sharedOnce sync.Once
	shared     *Authority
	sharedErr  error
)

// SharedAuthority returns an authority generated once per test binary,
// with a certificate valid for all of 2025.
func SharedAuthority(tb testing.TB) *Authority {
	tb.Helper()
	sharedOnce.Do(func() {
		shared, sharedErr = NewAuthority("lightor-test",
			time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC),
			time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	})
	if sharedErr != nil {
		tb.Fatalf("generate authority: %v", sharedErr)
	}
	return shared
}

// NewAuthority generates identity and signing keys and a certificate
// binding them.
func NewAuthority(name string, published, expires time.Time) (*Authority, error) {
	idKey, err := rsa.GenerateKey(rand.Reader, 1024)
	if err != nil {
		return nil, err
	}
	signKey, err := rsa.GenerateKey(rand.Reader, 1024)
	if err != nil {
		return nil, err
	}
	a := &Authority{
		Name:        name,
		IdentityKey: idKey,
		SigningKey:  signKey,
		Published:   published.UTC(),
		Expires:     expires.UTC(),
	}
	if err := a.certify(); err != nil {
		return nil, err
	}
	return a, nil
}

// WithLifetime returns a copy of a re-certified for a different lifetime,
// keeping the same keys.
func (a *Authority) WithLifetime(published, expires time.Time) (*Authority, error) {
	b := *a
	b.Published, b.Expires = published.UTC(), expires.UTC()
	if err := b.certify(); err != nil {
		return nil, err
	}
	return &b, nil
}

func (a *Authority) certify() error {
	idDER := x509.MarshalPKCS1PublicKey(&a.IdentityKey.PublicKey)
	signDER := x509.MarshalPKCS1PublicKey(&a.SigningKey.PublicKey)
	idDigest := sha1.Sum(idDER)
	signDigest := sha1.Sum(signDER)
	a.Identity = strings.ToUpper(hex.EncodeToString(idDigest[:]))
	a.SigningKeyDigest = strings.ToUpper(hex.EncodeToString(signDigest[:]))

	crosscert, err := rsa.SignPKCS1v15(rand.Reader, a.SigningKey, crypto.Hash(0), idDigest[:])
	if err != nil {
		return err
	}

	var sb strings.Builder
	sb.WriteString("dir-key-certificate-version 3\n")
	fmt.Fprintf(&sb, "fingerprint %s\n", a.Identity)
	fmt.Fprintf(&sb, "dir-key-published %s\n", a.Published.Format(timeLayout))
	fmt.Fprintf(&sb, "dir-key-expires %s\n", a.Expires.Format(timeLayout))
	sb.WriteString("dir-identity-key\n")
	sb.Write(pem.EncodeToMemory(&pem.Block{Type: "RSA PUBLIC KEY", Bytes: idDER}))
	sb.WriteString("dir-signing-key\n")
	sb.Write(pem.EncodeToMemory(&pem.Block{Type: "RSA PUBLIC KEY", Bytes: signDER}))
	sb.WriteString("dir-key-crosscert\n")
	sb.Write(pem.EncodeToMemory(&pem.Block{Type: "ID SIGNATURE", Bytes: crosscert}))
	sb.WriteString("dir-key-certification\n")

	certDigest := sha1.Sum([]byte(sb.String()))
	certification, err := rsa.SignPKCS1v15(rand.Reader, a.IdentityKey, crypto.Hash(0), certDigest[:])
	if err != nil {
		return err
	}
	sb.Write(pem.EncodeToMemory(&pem.Block{Type: "SIGNATURE", Bytes: certification}))
	a.Cert = sb.String()
	return nil
}

// AuthorityJSON returns the content of authority.json for a.
func (a *Authority) AuthorityJSON() []byte {
	b, _ := json.Marshal(map[string]string{"name": a.Name, "v3ident": a.Identity})
	return b
}

// Relay describes one relay of a test directory.
type Relay struct {
	Nickname    string
	Fingerprint [20]byte
	Address     string
	ORPort      uint16
	Bandwidth   int64
	Flags       []string
	Policy      string // "p" line arguments, empty for none
	Family      []string
	Ed25519Seed [32]byte

	// NoDescriptor omits the relay from the microdescriptor document.
	NoDescriptor bool
}

// FingerprintHex returns the relay fingerprint as uppercase hex.
func (r *Relay) FingerprintHex() string {
	return strings.ToUpper(hex.EncodeToString(r.Fingerprint[:]))
}

// Directory is a test custom directory.
type Directory struct {
	Authority  *Authority
	Relays     []Relay
	ValidAfter time.Time
	FreshUntil time.Time
	ValidUntil time.Time

	BandwidthWeights string
	// ExtraEntries is inserted verbatim after the generated entries.
	ExtraEntries string
	// Algorithm is "sha256" (default) or "sha1".
	Algorithm string
}

// New builds a directory of n relays signed by a. Every relay has
// Fast, Running, Stable and Valid; every third relay (starting with the
// first) is an exit accepting ports 80 and 443; every second relay is a
// guard. Relays live in distinct /16 networks.
func New(a *Authority, n int) *Directory {
	d := &Directory{
		Authority:        a,
		ValidAfter:       time.Date(2025, 1, 15, 12, 0, 0, 0, time.UTC),
		FreshUntil:       time.Date(2025, 1, 15, 13, 0, 0, 0, time.UTC),
		ValidUntil:       time.Date(2025, 1, 15, 15, 0, 0, 0, time.UTC),
		BandwidthWeights: "Wbd=0 Wbe=0 Wbg=4131 Wbm=10000 Wdb=10000 Web=10000 Wed=10000 Wee=10000 Weg=10000 Wem=10000 Wgb=10000 Wgd=0 Wgg=5869 Wgm=5869 Wmb=10000 Wmd=0 Wme=0 Wmg=4131 Wmm=10000",
	}
	for i := 0; i < n; i++ {
		d.Relays = append(d.Relays, NewRelay(i))
	}
	return d
}

// NewRelay returns the i-th generated relay.
func NewRelay(i int) Relay {
	r := Relay{
		Nickname:    fmt.Sprintf("relay%03d", i),
		Fingerprint: sha1.Sum([]byte(fmt.Sprintf("relay-%d", i))),
		Address:     fmt.Sprintf("%d.%d.0.1", 10+i/256, i%256),
		ORPort:      9001,
		Bandwidth:   1000 + int64(i%10)*500,
		Flags:       []string{"Fast", "Running", "Stable", "Valid"},
		Ed25519Seed: sha256.Sum256([]byte(fmt.Sprintf("ed25519-%d", i))),
	}
	if i%3 == 0 {
		r.Flags = append(r.Flags, "Exit")
		r.Policy = "accept 80,443"
	}
	if i%2 == 0 {
		r.Flags = append(r.Flags, "Guard")
	}
	sort.Strings(r.Flags)
	return r
}

// Now returns a time inside the validity window.
func (d *Directory) Now() time.Time {
	return d.ValidAfter.Add(30 * time.Minute)
}

// SetFamily declares relays i and j as family members of each other.
func (d *Directory) SetFamily(i, j int) {
	d.Relays[i].Family = append(d.Relays[i].Family, "$"+d.Relays[j].FingerprintHex())
	d.Relays[j].Family = append(d.Relays[j].Family, "$"+d.Relays[i].FingerprintHex())
}

// Microdescriptor returns the microdescriptor text of relay i.
func (d *Directory) Microdescriptor(i int) string {
	r := &d.Relays[i]
	ntor := sha256.Sum256([]byte("ntor-" + r.Nickname))
	pub := ed25519.NewKeyFromSeed(r.Ed25519Seed[:]).Public().(ed25519.PublicKey)

	var sb strings.Builder
	fmt.Fprintf(&sb, "ntor-onion-key %s\n", base64.RawStdEncoding.EncodeToString(ntor[:]))
	if len(r.Family) > 0 {
		fmt.Fprintf(&sb, "family %s\n", strings.Join(r.Family, " "))
	}
	if r.Policy != "" {
		fmt.Fprintf(&sb, "p %s\n", r.Policy)
	}
	fmt.Fprintf(&sb, "id ed25519 %s\n", base64.RawStdEncoding.EncodeToString(pub))
	return sb.String()
}

// MicrodescDigest returns the consensus "m" digest of relay i.
func (d *Directory) MicrodescDigest(i int) string {
	h := sha256.Sum256([]byte(d.Microdescriptor(i)))
	return base64.RawStdEncoding.EncodeToString(h[:])
}

// Microdescriptors returns microdescriptors.txt.
func (d *Directory) Microdescriptors() []byte {
	var sb strings.Builder
	for i := range d.Relays {
		if d.Relays[i].NoDescriptor {
			continue
		}
		sb.WriteString(d.Microdescriptor(i))
	}
	return []byte(sb.String())
}

// Body returns the signed part of the consensus up to, not including, the
// first directory-signature line.
func (d *Directory) Body() string {
	a := d.Authority
	var sb strings.Builder
	sb.WriteString("network-status-version 3 microdesc\n")
	sb.WriteString("vote-status consensus\n")
	sb.WriteString("consensus-method 32\n")
	fmt.Fprintf(&sb, "valid-after %s\n", d.ValidAfter.Format(timeLayout))
	if !d.FreshUntil.IsZero() {
		fmt.Fprintf(&sb, "fresh-until %s\n", d.FreshUntil.Format(timeLayout))
	}
	fmt.Fprintf(&sb, "valid-until %s\n", d.ValidUntil.Format(timeLayout))
	sb.WriteString("known-flags BadExit Exit Fast Guard Running Stable Valid\n")
	fmt.Fprintf(&sb, "dir-source %s %s 127.0.0.1 127.0.0.1 80 443\n", a.Name, a.Identity)
	fmt.Fprintf(&sb, "contact %s\n", a.Name)
	for i := range d.Relays {
		r := &d.Relays[i]
		fmt.Fprintf(&sb, "r %s %s %s %s %d 0\n", r.Nickname,
			base64.RawStdEncoding.EncodeToString(r.Fingerprint[:]),
			d.ValidAfter.Add(-time.Hour).Format(timeLayout), r.Address, r.ORPort)
		fmt.Fprintf(&sb, "m %s\n", d.MicrodescDigest(i))
		fmt.Fprintf(&sb, "s %s\n", strings.Join(r.Flags, " "))
		fmt.Fprintf(&sb, "w Bandwidth=%d\n", r.Bandwidth)
	}
	sb.WriteString(d.ExtraEntries)
	sb.WriteString("directory-footer\n")
	if d.BandwidthWeights != "" {
		fmt.Fprintf(&sb, "bandwidth-weights %s\n", d.BandwidthWeights)
	}
	return sb.String()
}

// Consensus returns consensus.txt signed by the directory's authority.
func (d *Directory) Consensus() []byte {
	return []byte(SignBody(d.Authority, d.Body(), d.Algorithm))
}

// SignBody appends a directory-signature block by a over body. body must
// be canonical and end in a newline.
func SignBody(a *Authority, body, algorithm string) string {
	signed := body + "directory-signature "
	var digest []byte
	var line string
	switch algorithm {
	case "sha1":
		h := sha1.Sum([]byte(signed))
		digest = h[:]
		line = fmt.Sprintf("directory-signature %s %s\n", a.Identity, a.SigningKeyDigest)
	default:
		h := sha256.Sum256([]byte(signed))
		digest = h[:]
		line = fmt.Sprintf("directory-signature sha256 %s %s\n", a.Identity, a.SigningKeyDigest)
	}
	sig, err := rsa.SignPKCS1v15(rand.Reader, a.SigningKey, crypto.Hash(0), digest)
	if err != nil {
		panic(err)
	}
	return body + line + string(pem.EncodeToMemory(&pem.Block{Type: "SIGNATURE", Bytes: sig}))
}

// Digest returns the SHA3-256 of the (already canonical) consensus.
func Digest(consensus []byte) [32]byte {
	return sha3.Sum256(consensus)
}

// Churn returns a churn file targeting consensus by digest and validity
// window, listing the given relays.
func (d *Directory) Churn(consensus []byte, fps ...[20]byte) []byte {
	digest := Digest(consensus)
	var sb strings.Builder
	sb.WriteString("churn-version 1\n")
	fmt.Fprintf(&sb, "consensus-sha3-256 %s\n", hex.EncodeToString(digest[:]))
	fmt.Fprintf(&sb, "valid-after %s\n", d.ValidAfter.Format(timeLayout))
	fmt.Fprintf(&sb, "valid-until %s\n", d.ValidUntil.Format(timeLayout))
	for _, fp := range fps {
		fmt.Fprintf(&sb, "%s\n", strings.ToUpper(hex.EncodeToString(fp[:])))
	}
	return []byte(sb.String())
}

// ChurnRelays returns a churn file listing relays [0, k).
func (d *Directory) ChurnRelays(consensus []byte, k int) []byte {
	fps := make([][20]byte, 0, k)
	for i := 0; i < k; i++ {
		fps = append(fps, d.Relays[i].Fingerprint)
	}
	return d.Churn(consensus, fps...)
}

// Files returns the cache directory files of d keyed by file name. churn
// is included when non-nil.
func (d *Directory) Files(churn []byte) map[string][]byte {
	files := map[string][]byte{
		"consensus.txt":        d.Consensus(),
		"microdescriptors.txt": d.Microdescriptors(),
		"certificate.txt":      []byte(d.Authority.Cert),
		"authority.json":       d.Authority.AuthorityJSON(),
	}
	if churn != nil {
		files["churn.txt"] = churn
	}
	return files
}

// WriteFiles writes files into dir.
func WriteFiles(dir string, files map[string][]byte) error {
	if err := os.MkdirAll(dir, 0700); err != nil {
		return err
	}
	for name, data := range files {
		if err := os.WriteFile(filepath.Join(dir, name), data, 0600); err != nil {
			return err
		}
	}
	return nil
}

// Archive packs files into a gzipped tar under a "directory-cache/" prefix,
// the layout of the published cache archive.
func Archive(files map[string][]byte) ([]byte, error) {
	names := make([]string, 0, len(files))
	for name := range files {
		names = append(names, name)
	}
	sort.Strings(names)

	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	tw := tar.NewWriter(zw)
	for _, name := range names {
		data := files[name]
		hdr := &tar.Header{
			Name:     "directory-cache/" + name,
			Mode:     0644,
			Size:     int64(len(data)),
			Typeflag: tar.TypeReg,
		}
		if err := tw.WriteHeader(hdr); err != nil {
			return nil, err
		}
		if _, err := tw.Write(data); err != nil {
			return nil, err
		}
	}
	if err := tw.Close(); err != nil {
		return nil, err
	}
	if err := zw.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
