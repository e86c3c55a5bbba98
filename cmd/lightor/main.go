package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/cvsouth/lightor/config"
	"github.com/cvsouth/lightor/directory"
)

// options holds the command line configuration shared by all commands.
type options struct {
	ConfigFile string
	At         string
}

func newRootCommand() *cobra.Command {
	var opts options

	cmd := &cobra.Command{
		Use:   "lightor",
		Short: "Light onion routing client backed by a custom signed directory",
		Long: `lightor verifies a compact custom directory signed by a single pinned
authority, applies the optional churn file, and selects relay paths from
the result. The directory is read from a cache directory holding
consensus.txt, microdescriptors.txt, certificate.txt, authority.json and
churn.txt, which lightor can keep up to date on a schedule.`,
		Example: `  # Verify the cached directory
  lightor check

  # Download what the cache policy asks for, then verify
  lightor check --update

  # Pick a 3-hop path whose exit accepts port 443
  lightor path --port 443

  # Run the refresh scheduler and the local status API
  lightor serve -f /etc/lightor/lightor.toml`,
		SilenceUsage: true,
	}

	cmd.PersistentFlags().StringVarP(&opts.ConfigFile, "config", "f", "",
		"path to the configuration file (TOML format)")
	cmd.PersistentFlags().StringVar(&opts.At, "at", "",
		"evaluate directory validity at this RFC 3339 time instead of now")

	cmd.AddCommand(
		newCheckCommand(&opts),
		newFetchCommand(&opts),
		newPathCommand(&opts),
		newServeCommand(&opts),
	)
	return cmd
}

func main() {
	if err := newRootCommand().ExecuteContext(context.Background()); err != nil {
		os.Exit(1)
	}
}

// app is the state a command runs with.
type app struct {
	cfg      *config.Config
	logger   *slog.Logger
	rotator  *lumberjack.Logger
	clock    func() time.Time
	registry *prometheus.Registry
}

func (o *options) setup(cmd *cobra.Command) (*app, error) {
	cfg := config.Default()
	if o.ConfigFile != "" {
		var err error
		cfg, err = config.LoadFile(o.ConfigFile)
		if err != nil {
			return nil, fmt.Errorf("failed to load config file '%v': %v", o.ConfigFile, err)
		}
	}

	clock := time.Now
	if o.At != "" {
		at, err := time.Parse(time.RFC3339, o.At)
		if err != nil {
			return nil, fmt.Errorf("invalid argument --at: %w", err)
		}
		clock = func() time.Time { return at }
	}

	// Command output goes to stdout, so the console log uses stderr.
	logger, rotator := newLogger(cfg.Logging, cmd.ErrOrStderr())
	return &app{
		cfg:      cfg,
		logger:   logger,
		rotator:  rotator,
		clock:    clock,
		registry: prometheus.NewRegistry(),
	}, nil
}

func (a *app) Close() {
	if a.rotator != nil {
		_ = a.rotator.Close()
	}
}

func (a *app) cache() *directory.Cache {
	return a.cfg.Cache()
}

// newStore returns an empty store trusting the configured authority. The
// authority is read again on every cache load.
func (a *app) newStore() (*directory.Store, error) {
	trust, err := a.cfg.Trust()
	if err != nil {
		return nil, fmt.Errorf("load trusted authority: %w", err)
	}
	store := directory.NewStore(trust, a.logger)
	store.TrustSource = a.cfg.Trust
	store.Clock = a.clock
	store.Metrics = directory.NewMetrics(a.registry)
	return store, nil
}

// fetcher returns nil when downloads are disabled.
func (a *app) fetcher() *directory.Fetcher {
	r := a.cfg.Refresh
	if r.Disable {
		return nil
	}
	return &directory.Fetcher{
		ArchiveURL: r.ArchiveURL,
		ChurnURL:   r.ChurnURL,
		Client:     &http.Client{Timeout: r.FetchTimeout()},
		Logger:     a.logger,
	}
}
