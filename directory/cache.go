package directory

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// Cache directory file names.
const (
	ConsensusFileName        = "consensus.txt"
	MicrodescriptorsFileName = "microdescriptors.txt"
	CertificateFileName      = "certificate.txt"
	ChurnFileName            = "churn.txt"
	AuthorityFileName        = "authority.json"
)

var requiredFiles = []string{
	ConsensusFileName,
	MicrodescriptorsFileName,
	CertificateFileName,
	AuthorityFileName,
}

// DefaultCacheDir returns the default cache directory (~/.lightor/cache/).
func DefaultCacheDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".lightor", "cache")
}

// Cache is an on-disk directory cache holding the custom directory files.
type Cache struct {
	Dir string
}

// CacheFiles holds the raw contents of a cache directory.
type CacheFiles struct {
	Consensus        []byte
	Microdescriptors []byte
	Certificate      []byte
	Churn            []byte // nil when there is no churn file
}

// Authority is the content of authority.json.
type Authority struct {
	Name    string `json:"name"`
	V3Ident string `json:"v3ident"`
}

// UpdateNeeded says which cache files should be downloaded again.
type UpdateNeeded int

const (
	UpdateNone UpdateNeeded = iota
	UpdateChurn
	UpdateAll
)

func (u UpdateNeeded) String() string {
	switch u {
	case UpdateNone:
		return "none"
	case UpdateChurn:
		return "churn"
	case UpdateAll:
		return "all"
	}
	return fmt.Sprintf("UpdateNeeded(%d)", int(u))
}

// Path returns the location of a cache file.
func (c *Cache) Path(name string) string {
	return filepath.Join(c.Dir, name)
}

// Check reports an error naming every required file missing from the cache.
func (c *Cache) Check() error {
	if c.Dir == "" {
		return fmt.Errorf("cache directory not set")
	}
	info, err := os.Stat(c.Dir)
	if err != nil {
		return fmt.Errorf("cache directory: %w", err)
	}
	if !info.IsDir() {
		return fmt.Errorf("cache directory %s is not a directory", c.Dir)
	}
	var missing []string
	for _, name := range requiredFiles {
		if _, err := os.Stat(c.Path(name)); err != nil {
			missing = append(missing, name)
		}
	}
	if len(missing) > 0 {
		return fmt.Errorf("cache %s missing required files: %s", c.Dir, strings.Join(missing, ", "))
	}
	return nil
}

// ReadFiles reads the directory documents. A missing churn file is not an
// error.
func (c *Cache) ReadFiles() (*CacheFiles, error) {
	if err := c.Check(); err != nil {
		return nil, err
	}
	var f CacheFiles
	var err error
	if f.Consensus, err = os.ReadFile(c.Path(ConsensusFileName)); err != nil {
		return nil, fmt.Errorf("read consensus: %w", err)
	}
	if f.Microdescriptors, err = os.ReadFile(c.Path(MicrodescriptorsFileName)); err != nil {
		return nil, fmt.Errorf("read microdescriptors: %w", err)
	}
	if f.Certificate, err = os.ReadFile(c.Path(CertificateFileName)); err != nil {
		return nil, fmt.Errorf("read certificate: %w", err)
	}
	f.Churn, err = os.ReadFile(c.Path(ChurnFileName))
	if err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("read churn: %w", err)
		}
		f.Churn = nil
	}
	return &f, nil
}

// LoadAuthority reads authority.json.
func (c *Cache) LoadAuthority() (Authority, error) {
	var a Authority
	data, err := os.ReadFile(c.Path(AuthorityFileName))
	if err != nil {
		return a, fmt.Errorf("read authority: %w", err)
	}
	if err := json.Unmarshal(data, &a); err != nil {
		return a, fmt.Errorf("parse authority: %w", err)
	}
	if a.V3Ident == "" {
		return a, fmt.Errorf("parse authority: missing v3ident")
	}
	return a, nil
}

// LoadTrust builds the trust configuration from authority.json and
// certificate.txt.
func (c *Cache) LoadTrust() (TrustConfig, error) {
	a, err := c.LoadAuthority()
	if err != nil {
		return TrustConfig{}, err
	}
	cert, err := os.ReadFile(c.Path(CertificateFileName))
	if err != nil {
		return TrustConfig{}, fmt.Errorf("read certificate: %w", err)
	}
	return NewTrustConfig(a.Name, a.V3Ident, string(cert))
}

// State decides what should be refreshed at now. The full directory is
// refreshed weekly: when files are missing or the microdescriptors were
// written in an earlier ISO week. The churn file is refreshed daily.
func (c *Cache) State(now time.Time) UpdateNeeded {
	if c.Check() != nil {
		return UpdateAll
	}
	now = now.UTC()
	md, err := os.Stat(c.Path(MicrodescriptorsFileName))
	if err != nil {
		return UpdateAll
	}
	y1, w1 := md.ModTime().UTC().ISOWeek()
	y2, w2 := now.ISOWeek()
	if y1 != y2 || w1 != w2 {
		return UpdateAll
	}

	churn, err := os.Stat(c.Path(ChurnFileName))
	if err != nil {
		return UpdateChurn
	}
	if !sameDay(churn.ModTime().UTC(), now) {
		return UpdateChurn
	}
	return UpdateNone
}

func sameDay(a, b time.Time) bool {
	ay, am, ad := a.Date()
	by, bm, bd := b.Date()
	return ay == by && am == bm && ad == bd
}

// WriteFile atomically replaces a cache file.
func (c *Cache) WriteFile(name string, data []byte) error {
	if c.Dir == "" {
		return fmt.Errorf("cache directory not set")
	}
	if name != filepath.Base(name) || name == "." || name == ".." {
		return fmt.Errorf("invalid cache file name %q", name)
	}
	if err := os.MkdirAll(c.Dir, 0700); err != nil {
		return fmt.Errorf("create cache dir: %w", err)
	}
	tmp, err := os.CreateTemp(c.Dir, "."+name+".*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	defer func() { _ = os.Remove(tmp.Name()) }()

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("write %s: %w", name, err)
	}
	if err := tmp.Chmod(0600); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("chmod %s: %w", name, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close %s: %w", name, err)
	}
	if err := os.Rename(tmp.Name(), c.Path(name)); err != nil {
		return fmt.Errorf("rename %s: %w", name, err)
	}
	return nil
}
