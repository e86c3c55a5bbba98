// Package config provides the lightor client configuration.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/robfig/cron/v3"

	"github.com/cvsouth/lightor/directory"
	"github.com/cvsouth/lightor/pathselect"
)

const (
	defaultLogLevel       = "INFO"
	defaultSchedule       = "@every 1h"
	defaultFetchTimeout   = 60
	defaultAPIAddress     = "127.0.0.1:9380"
	defaultMaxAttempts    = 3
	defaultLogMaxSizeMB   = 10
	defaultLogMaxBackups  = 3
	defaultLogMaxAgeDays  = 28
	defaultStdoutLogLevel = "INFO"
)

// Logging is the logging configuration.
type Logging struct {
	// File is the JSON log file. Empty disables file logging.
	File string

	// Level is the level of the file log: ERROR, WARN, INFO or DEBUG.
	Level string

	// StdoutLevel is the level of the human readable log on stdout.
	StdoutLevel string

	// Rotation of File.
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
}

func parseLevel(s string) (slog.Level, error) {
	switch strings.ToUpper(s) {
	case "ERROR":
		return slog.LevelError, nil
	case "WARN", "WARNING":
		return slog.LevelWarn, nil
	case "INFO":
		return slog.LevelInfo, nil
	case "DEBUG":
		return slog.LevelDebug, nil
	}
	return 0, fmt.Errorf("config: Logging: Level '%v' is invalid", s)
}

func (l *Logging) validate() error {
	if l.Level == "" {
		l.Level = defaultLogLevel
	}
	if l.StdoutLevel == "" {
		l.StdoutLevel = defaultStdoutLogLevel
	}
	for _, lvl := range []*string{&l.Level, &l.StdoutLevel} {
		if _, err := parseLevel(*lvl); err != nil {
			return err
		}
		*lvl = strings.ToUpper(*lvl)
	}
	if l.MaxSizeMB == 0 {
		l.MaxSizeMB = defaultLogMaxSizeMB
	}
	if l.MaxBackups == 0 {
		l.MaxBackups = defaultLogMaxBackups
	}
	if l.MaxAgeDays == 0 {
		l.MaxAgeDays = defaultLogMaxAgeDays
	}
	return nil
}

// FileLevel returns the validated file log level.
func (l *Logging) FileLevel() slog.Level {
	lvl, _ := parseLevel(l.Level)
	return lvl
}

// ConsoleLevel returns the validated stdout log level.
func (l *Logging) ConsoleLevel() slog.Level {
	lvl, _ := parseLevel(l.StdoutLevel)
	return lvl
}

// Authority pins the directory authority. When V3Ident is empty the
// authority.json and certificate.txt files of the cache directory are used.
type Authority struct {
	Name    string
	V3Ident string

	// CertificateFile overrides the cache's certificate.txt.
	CertificateFile string
}

// Refresh is the cache refresh configuration.
type Refresh struct {
	// Disable turns off downloads. The cache is then only read.
	Disable bool

	// Schedule is a cron expression, "@every 1h" by default.
	Schedule string

	ArchiveURL string

	// ChurnURL is where the daily churn file is downloaded from. It is
	// empty by default, which disables churn downloads. The file must carry
	// the consensus-sha3-256 or valid-after line of the directory it
	// corrects, otherwise every load ignores it.
	ChurnURL string

	// Timeout is the number of seconds a single download may take.
	Timeout int
}

func (r *Refresh) validate() error {
	if r.Schedule == "" {
		r.Schedule = defaultSchedule
	}
	if _, err := cron.ParseStandard(r.Schedule); err != nil {
		return fmt.Errorf("config: Refresh: Schedule '%v' is invalid: %w", r.Schedule, err)
	}
	if r.ArchiveURL == "" {
		r.ArchiveURL = directory.DefaultArchiveURL
	}
	if r.Timeout == 0 {
		r.Timeout = defaultFetchTimeout
	}
	if r.Timeout < 0 {
		return errors.New("config: Refresh: Timeout must be positive")
	}
	return nil
}

// FetchTimeout returns Timeout as a duration.
func (r *Refresh) FetchTimeout() time.Duration {
	return time.Duration(r.Timeout) * time.Second
}

// API is the local status endpoint configuration.
type API struct {
	Disable bool

	// Address must be a loopback host:port.
	Address string
}

func (a *API) validate() error {
	if a.Address == "" {
		a.Address = defaultAPIAddress
	}
	return CheckLoopback(a.Address)
}

// CheckLoopback returns an error unless addr is a loopback host:port.
func CheckLoopback(addr string) error {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return fmt.Errorf("parse listen address: %w", err)
	}
	if host == "localhost" {
		return nil
	}
	ip := net.ParseIP(host)
	if ip == nil || !ip.IsLoopback() {
		return fmt.Errorf("API server must bind to loopback address, got %s", host)
	}
	return nil
}

// Path holds the relay selection preferences for requests.
type Path struct {
	RequireStable bool
	RequireFast   bool

	// Exclude lists relay fingerprints never to use.
	Exclude []string

	// MaxAttempts is the number of circuits tried per request.
	MaxAttempts int

	exclude []directory.Fingerprint
}

func (p *Path) validate() error {
	if p.MaxAttempts == 0 {
		p.MaxAttempts = defaultMaxAttempts
	}
	if p.MaxAttempts < 0 {
		return errors.New("config: Path: MaxAttempts must be positive")
	}
	p.exclude = p.exclude[:0]
	for _, s := range p.Exclude {
		fp, err := directory.ParseFingerprint(s)
		if err != nil {
			return fmt.Errorf("config: Path: Exclude %q: %w", s, err)
		}
		p.exclude = append(p.exclude, fp)
	}
	return nil
}

// Constraints returns the selection constraints for p.
func (p *Path) Constraints() pathselect.Constraints {
	return pathselect.Constraints{
		RequireStable: p.RequireStable,
		RequireFast:   p.RequireFast,
		Exclude:       p.exclude,
	}
}

// Config is the top level lightor configuration.
type Config struct {
	// CacheDir holds the custom directory files, ~/.lightor/cache by default.
	CacheDir string

	Authority *Authority
	Refresh   *Refresh
	API       *API
	Path      *Path
	Logging   *Logging
}

// FixupAndValidate applies defaults to config entries and validates the
// configuration sections.
func (c *Config) FixupAndValidate() error {
	if c.CacheDir == "" {
		c.CacheDir = directory.DefaultCacheDir()
	}

	// Handle missing sections if possible.
	if c.Authority == nil {
		c.Authority = &Authority{}
	}
	if c.Refresh == nil {
		c.Refresh = &Refresh{}
	}
	if c.API == nil {
		c.API = &API{}
	}
	if c.Path == nil {
		c.Path = &Path{}
	}
	if c.Logging == nil {
		c.Logging = &Logging{}
	}

	if c.Authority.V3Ident == "" && c.Authority.CertificateFile != "" {
		return errors.New("config: Authority: CertificateFile requires V3Ident")
	}
	if err := c.Refresh.validate(); err != nil {
		return err
	}
	if err := c.API.validate(); err != nil {
		return fmt.Errorf("config: API: %w", err)
	}
	if err := c.Path.validate(); err != nil {
		return err
	}
	return c.Logging.validate()
}

// Cache returns the cache directory handle.
func (c *Config) Cache() *directory.Cache {
	return &directory.Cache{Dir: c.CacheDir}
}

// Trust builds the trust configuration from the Authority section, falling
// back to the files in the cache directory.
func (c *Config) Trust() (directory.TrustConfig, error) {
	a := c.Authority
	if a == nil || a.V3Ident == "" {
		return c.Cache().LoadTrust()
	}
	certFile := a.CertificateFile
	if certFile == "" {
		certFile = c.Cache().Path(directory.CertificateFileName)
	}
	cert, err := os.ReadFile(certFile)
	if err != nil {
		return directory.TrustConfig{}, fmt.Errorf("read authority certificate: %w", err)
	}
	return directory.NewTrustConfig(a.Name, a.V3Ident, string(cert))
}

// Default returns a validated configuration with every default applied.
func Default() *Config {
	cfg := new(Config)
	if err := cfg.FixupAndValidate(); err != nil {
		panic(err)
	}
	return cfg
}

// Load parses and validates the provided buffer b as a config file body and
// returns the Config.
func Load(b []byte) (*Config, error) {
	cfg := new(Config)

	err := toml.Unmarshal(b, cfg)
	if err != nil {
		return nil, err
	}
	if err := cfg.FixupAndValidate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadFile loads, parses, and validates the provided file and returns the
// Config.
func LoadFile(f string) (*Config, error) {
	b, err := os.ReadFile(f)
	if err != nil {
		return nil, err
	}
	return Load(b)
}
