package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/cvsouth/lightor/api"
	"github.com/cvsouth/lightor/directory"
	"github.com/cvsouth/lightor/pathselect"
	"github.com/cvsouth/lightor/refresh"
)

func newCheckCommand(opts *options) *cobra.Command {
	var update bool
	cmd := &cobra.Command{
		Use:   "check",
		Short: "Verify the cached directory and print a summary",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := opts.setup(cmd)
			if err != nil {
				return err
			}
			defer a.Close()

			if update {
				if f := a.fetcher(); f != nil {
					need, err := f.Update(cmd.Context(), a.cache(), time.Now())
					if err != nil {
						return fmt.Errorf("update cache (%s): %w", need, err)
					}
				}
			}
			store, err := a.newStore()
			if err != nil {
				return err
			}
			snap, err := store.LoadFromCache(a.cache())
			if err != nil {
				return fmt.Errorf("directory rejected (%s): %w", directory.Classify(err), err)
			}
			printSummary(cmd.OutOrStdout(), snap)
			return nil
		},
	}
	cmd.Flags().BoolVarP(&update, "update", "u", false,
		"download what the cache policy asks for before verifying")
	return cmd
}

func printSummary(w io.Writer, snap *directory.Snapshot) {
	fmt.Fprintf(w, "directory ok: %d usable relays (load %s)\n", snap.Len(), snap.LoadID)
	fmt.Fprintf(w, "authority:    %s\n", snap.AuthorityIdentity)
	fmt.Fprintf(w, "valid:        %s to %s\n", snap.ValidAfter.Format(time.RFC3339), snap.ValidUntil.Format(time.RFC3339))
	switch c := snap.Churn; {
	case !c.Present:
		fmt.Fprintln(w, "churn:        none")
	case c.Rejected():
		fmt.Fprintf(w, "churn:        ignored: %v\n", c.Err)
	default:
		fmt.Fprintf(w, "churn:        %d listed, %d removed, bound %d\n", c.Listed, len(c.Removed), c.Bound)
	}
	fmt.Fprintf(w, "warnings:     %d\n", len(snap.Warnings))
	for _, warn := range snap.Warnings {
		fmt.Fprintf(w, "  %s %d: %s\n", warn.Section, warn.Index, warn.Reason)
	}
}

func newFetchCommand(opts *options) *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "fetch",
		Short: "Download the directory archive and churn file into the cache",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := opts.setup(cmd)
			if err != nil {
				return err
			}
			defer a.Close()

			f := a.fetcher()
			if f == nil {
				return errors.New("downloads are disabled in the configuration")
			}
			cache := a.cache()
			if force {
				if err := f.FetchArchive(cmd.Context(), cache); err != nil {
					return err
				}
				if f.ChurnURL != "" {
					if err := f.FetchChurn(cmd.Context(), cache); err != nil {
						return err
					}
				}
				fmt.Fprintln(cmd.OutOrStdout(), "updated: all")
				return nil
			}
			need, err := f.Update(cmd.Context(), cache, time.Now())
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "updated: %s\n", need)
			return nil
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "download everything regardless of the cache state")
	return cmd
}

func newPathCommand(opts *options) *cobra.Command {
	var (
		length int
		port   uint16
		seed   string
		count  int
	)
	cmd := &cobra.Command{
		Use:   "path",
		Short: "Select relay paths from the cached directory",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := opts.setup(cmd)
			if err != nil {
				return err
			}
			defer a.Close()

			store, err := a.newStore()
			if err != nil {
				return err
			}
			snap, err := store.LoadFromCache(a.cache())
			if err != nil {
				return fmt.Errorf("directory rejected (%s): %w", directory.Classify(err), err)
			}

			c := a.cfg.Path.Constraints()
			c.ExitPort = port
			var rnd io.Reader
			if seed != "" {
				rnd = pathselect.NewSeededReader([]byte(seed))
			}
			w := cmd.OutOrStdout()
			for i := 0; i < count; i++ {
				path, err := pathselect.SelectPath(snap, length, c, rnd)
				if err != nil {
					return err
				}
				if i > 0 {
					fmt.Fprintln(w)
				}
				for hop, r := range path {
					fmt.Fprintf(w, "%d %-6s %-19s %s %s:%d\n", hop, role(hop, len(path)), r.Nickname,
						r.Fingerprint, r.Address, r.ORPort)
				}
			}
			return nil
		},
	}
	cmd.Flags().IntVarP(&length, "length", "n", 0, "number of hops, 0 for the default of 3")
	cmd.Flags().Uint16VarP(&port, "port", "p", 0, "port the exit must allow, 0 for any")
	cmd.Flags().StringVar(&seed, "seed", "", "seed for a reproducible selection")
	cmd.Flags().IntVarP(&count, "count", "c", 1, "number of paths to select")
	return cmd
}

func role(hop, n int) string {
	switch hop {
	case 0:
		return pathselect.PositionEntry.String()
	case n - 1:
		return pathselect.PositionExit.String()
	}
	return pathselect.PositionMiddle.String()
}

func newServeCommand(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Keep the directory fresh and serve the local status API",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := opts.setup(cmd)
			if err != nil {
				return err
			}
			defer a.Close()
			return a.serve(cmd.Context())
		},
	}
}

func (a *app) serve(ctx context.Context) error {
	cache := a.cache()
	fetcher := a.fetcher()

	// A first run may need the archive before the authority files exist.
	if fetcher != nil && cache.Check() != nil {
		if _, err := fetcher.Update(ctx, cache, time.Now()); err != nil {
			a.logger.Error("initial cache download failed", "error", err)
		}
	}
	store, err := a.newStore()
	if err != nil {
		return err
	}

	sched := refresh.New(store, cache, fetcher, a.logger)
	if res := sched.RunOnce(ctx); res.Err() != nil {
		a.logger.Warn("initial refresh failed, serving without a directory until the next run", "error", res.Err())
	}
	if err := sched.Start(a.cfg.Refresh.Schedule); err != nil {
		return err
	}
	defer sched.Stop()

	errCh := make(chan error, 1)
	var srv *api.Server
	if !a.cfg.API.Disable {
		srv = &api.Server{
			Addr:        a.cfg.API.Address,
			Store:       store,
			Refresher:   sched,
			Gatherer:    a.registry,
			Constraints: a.cfg.Path.Constraints(),
			Clock:       a.clock,
			Logger:      a.logger,
		}
		go func() { errCh <- srv.ListenAndServe() }()
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)
	defer signal.Stop(sigCh)

	for {
		select {
		case sig := <-sigCh:
			if sig == syscall.SIGHUP {
				// Rotate logs and refresh now.
				if a.rotator != nil {
					if err := a.rotator.Rotate(); err != nil {
						a.logger.Warn("log rotation failed", "error", err)
					}
				}
				go sched.RunOnce(ctx)
				continue
			}
			a.logger.Info("shutting down", "signal", sig.String())
			return shutdown(srv)
		case err := <-errCh:
			if err != nil {
				return fmt.Errorf("API server: %w", err)
			}
			return nil
		case <-ctx.Done():
			return shutdown(srv)
		}
	}
}

func shutdown(srv *api.Server) error {
	if srv == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return srv.Shutdown(ctx)
}
