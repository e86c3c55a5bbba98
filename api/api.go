// Package api serves the local status and control endpoints of a lightor
// client. It only ever listens on loopback.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/cvsouth/lightor/config"
	"github.com/cvsouth/lightor/directory"
	"github.com/cvsouth/lightor/pathselect"
	"github.com/cvsouth/lightor/refresh"
)

// Refresher runs directory refreshes on demand.
type Refresher interface {
	RunOnce(ctx context.Context) refresh.Result
	Last() (refresh.Result, bool)
}

// Server is the local HTTP API.
type Server struct {
	Addr        string
	Store       *directory.Store
	Refresher   Refresher           // optional
	Gatherer    prometheus.Gatherer // optional, serves /metrics
	Constraints pathselect.Constraints
	Clock       func() time.Time
	Logger      *slog.Logger

	mu  sync.Mutex
	srv *http.Server
}

func (s *Server) logger() *slog.Logger {
	if s.Logger != nil {
		return s.Logger
	}
	return slog.Default()
}

func (s *Server) now() time.Time {
	if s.Clock != nil {
		return s.Clock()
	}
	return time.Now()
}

// Handler returns the API routes.
func (s *Server) Handler() http.Handler {
	r := mux.NewRouter()
	r.HandleFunc("/v1/status", s.handleStatus).Methods(http.MethodGet)
	r.HandleFunc("/v1/relays", s.handleRelays).Methods(http.MethodGet)
	r.HandleFunc("/v1/relays/{fingerprint}", s.handleRelay).Methods(http.MethodGet)
	r.HandleFunc("/v1/path", s.handlePath).Methods(http.MethodGet)
	r.HandleFunc("/v1/refresh", s.handleRefresh).Methods(http.MethodPost)
	if s.Gatherer != nil {
		r.Handle("/metrics", promhttp.HandlerFor(s.Gatherer, promhttp.HandlerOpts{})).Methods(http.MethodGet)
	}
	return r
}

// ListenAndServe starts the API server.
func (s *Server) ListenAndServe() error {
	// Validate the address is a loopback address to prevent accidental exposure.
	if err := config.CheckLoopback(s.Addr); err != nil {
		return err
	}
	ln, err := net.Listen("tcp", s.Addr)
	if err != nil {
		return fmt.Errorf("listen: %w", err)
	}
	return s.Serve(ln)
}

// Serve accepts connections on the given listener. Unlike ListenAndServe,
// this allows the caller to create the listener first and know the exact
// address before serving begins.
func (s *Server) Serve(ln net.Listener) error {
	if tcpAddr, ok := ln.Addr().(*net.TCPAddr); ok && !tcpAddr.IP.IsLoopback() {
		ln.Close()
		return fmt.Errorf("API server must bind to loopback address, got %s", tcpAddr.IP)
	}
	srv := &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	s.mu.Lock()
	s.srv = srv
	s.mu.Unlock()
	s.logger().Info("API server listening", "addr", ln.Addr().String())
	err := srv.Serve(ln)
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Shutdown stops the API server, waiting for active requests up to ctx.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	srv := s.srv
	s.mu.Unlock()
	if srv != nil {
		return srv.Shutdown(ctx)
	}
	return nil
}

type churnJSON struct {
	Present bool     `json:"present"`
	Listed  int      `json:"listed"`
	Bound   int      `json:"bound"`
	Removed []string `json:"removed"`
	Error   string   `json:"error,omitempty"`
}

type refreshJSON struct {
	RunID    string    `json:"run_id"`
	Started  time.Time `json:"started"`
	Duration string    `json:"duration"`
	Update   string    `json:"update"`
	Status   string    `json:"status"`
	Version  uint64    `json:"version"`
	Error    string    `json:"error,omitempty"`
}

type statusJSON struct {
	Version     uint64       `json:"version"`
	LoadID      string       `json:"load_id"`
	LoadedAt    time.Time    `json:"loaded_at"`
	Authority   string       `json:"authority"`
	ValidAfter  time.Time    `json:"valid_after"`
	FreshUntil  time.Time    `json:"fresh_until"`
	ValidUntil  time.Time    `json:"valid_until"`
	ValidNow    bool         `json:"valid_now"`
	Relays      int          `json:"relays"`
	Warnings    int          `json:"warnings"`
	Churn       churnJSON    `json:"churn"`
	LastRefresh *refreshJSON `json:"last_refresh,omitempty"`
}

type relayJSON struct {
	Fingerprint string   `json:"fingerprint"`
	Nickname    string   `json:"nickname"`
	Address     string   `json:"address"`
	ORPort      uint16   `json:"or_port"`
	Bandwidth   int64    `json:"bandwidth"`
	Flags       []string `json:"flags"`
	ExitPolicy  string   `json:"exit_policy,omitempty"`
	Family      []string `json:"family,omitempty"`
}

type errorJSON struct {
	Error string `json:"error"`
	Class string `json:"class"`
}

func toRefreshJSON(res refresh.Result) *refreshJSON {
	out := &refreshJSON{
		RunID:    res.RunID.String(),
		Started:  res.Started,
		Duration: res.Duration.String(),
		Update:   res.Update.String(),
		Status:   string(res.Status),
		Version:  res.Version,
	}
	if err := res.Err(); err != nil {
		out.Error = err.Error()
	}
	return out
}

func toRelayJSON(r *directory.Relay) relayJSON {
	out := relayJSON{
		Fingerprint: r.Fingerprint.String(),
		Nickname:    r.Nickname,
		Address:     r.Address,
		ORPort:      r.ORPort,
		Bandwidth:   r.Bandwidth,
		Flags:       flagNames(r.Flags),
	}
	if r.Descriptor != nil {
		out.ExitPolicy = r.Descriptor.ExitPolicy.String()
		out.Family = r.Descriptor.Family
	}
	return out
}

func flagNames(f directory.RelayFlags) []string {
	var names []string
	for _, fl := range []struct {
		set  bool
		name string
	}{
		{f.Authority, "Authority"},
		{f.BadExit, "BadExit"},
		{f.Exit, "Exit"},
		{f.Fast, "Fast"},
		{f.Guard, "Guard"},
		{f.HSDir, "HSDir"},
		{f.Running, "Running"},
		{f.Stable, "Stable"},
		{f.Valid, "Valid"},
	} {
		if fl.set {
			names = append(names, fl.name)
		}
	}
	return names
}

func hasFlag(f directory.RelayFlags, name string) (bool, bool) {
	for _, n := range flagNames(f) {
		if n == name {
			return true, true
		}
	}
	switch name {
	case "Authority", "BadExit", "Exit", "Fast", "Guard", "HSDir", "Running", "Stable", "Valid":
		return false, true
	}
	return false, false
}

func (s *Server) writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger().Debug("write response failed", "error", err)
	}
}

func (s *Server) writeError(w http.ResponseWriter, err error) {
	class := directory.Classify(err)
	code := http.StatusInternalServerError
	switch class {
	case directory.ClassExhaustion, directory.ClassTrust:
		code = http.StatusServiceUnavailable
	case directory.ClassSelection:
		code = http.StatusUnprocessableEntity
	}
	s.writeJSON(w, code, errorJSON{Error: err.Error(), Class: string(class)})
}

func (s *Server) badRequest(w http.ResponseWriter, format string, args ...any) {
	s.writeJSON(w, http.StatusBadRequest, errorJSON{Error: fmt.Sprintf(format, args...), Class: "request"})
}

func (s *Server) snapshot(w http.ResponseWriter) (*directory.Snapshot, bool) {
	snap, err := s.Store.Current()
	if err != nil {
		s.writeError(w, err)
		return nil, false
	}
	return snap, true
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	snap, ok := s.snapshot(w)
	if !ok {
		return
	}
	st := statusJSON{
		Version:    snap.Version,
		LoadID:     snap.LoadID.String(),
		LoadedAt:   snap.LoadedAt,
		Authority:  snap.AuthorityIdentity,
		ValidAfter: snap.ValidAfter,
		FreshUntil: snap.FreshUntil,
		ValidUntil: snap.ValidUntil,
		ValidNow:   snap.ValidAt(s.now()),
		Relays:     snap.Len(),
		Warnings:   len(snap.Warnings),
		Churn: churnJSON{
			Present: snap.Churn.Present,
			Listed:  snap.Churn.Listed,
			Bound:   snap.Churn.Bound,
			Removed: make([]string, 0, len(snap.Churn.Removed)),
		},
	}
	for _, fp := range snap.Churn.Removed {
		st.Churn.Removed = append(st.Churn.Removed, fp.String())
	}
	if snap.Churn.Err != nil {
		st.Churn.Error = snap.Churn.Err.Error()
	}
	if s.Refresher != nil {
		if res, ok := s.Refresher.Last(); ok {
			st.LastRefresh = toRefreshJSON(res)
		}
	}
	s.writeJSON(w, http.StatusOK, st)
}

func (s *Server) handleRelays(w http.ResponseWriter, r *http.Request) {
	snap, ok := s.snapshot(w)
	if !ok {
		return
	}
	flag := r.URL.Query().Get("flag")
	relays := snap.Relays()
	out := make([]relayJSON, 0, len(relays))
	for i := range relays {
		if flag != "" {
			set, known := hasFlag(relays[i].Flags, flag)
			if !known {
				s.badRequest(w, "unknown flag %q", flag)
				return
			}
			if !set {
				continue
			}
		}
		out = append(out, toRelayJSON(&relays[i]))
	}
	s.writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleRelay(w http.ResponseWriter, r *http.Request) {
	snap, ok := s.snapshot(w)
	if !ok {
		return
	}
	fp, err := directory.ParseFingerprint(mux.Vars(r)["fingerprint"])
	if err != nil {
		s.badRequest(w, "bad fingerprint: %v", err)
		return
	}
	relay, ok := snap.Lookup(fp)
	if !ok {
		s.writeJSON(w, http.StatusNotFound, errorJSON{Error: "relay not found", Class: "request"})
		return
	}
	s.writeJSON(w, http.StatusOK, toRelayJSON(relay))
}

// handlePath selects a path without building it. Query parameters:
// length, port, and seed for a reproducible selection.
func (s *Server) handlePath(w http.ResponseWriter, r *http.Request) {
	snap, ok := s.snapshot(w)
	if !ok {
		return
	}
	if now := s.now(); !snap.ValidAt(now) {
		s.writeError(w, fmt.Errorf("%w: now %s", directory.ErrOutsideValidityWindow, now.Format(time.RFC3339)))
		return
	}
	q := r.URL.Query()
	c := s.Constraints

	length := 0
	if v := q.Get("length"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			s.badRequest(w, "bad length %q", v)
			return
		}
		length = n
	}
	if v := q.Get("port"); v != "" {
		n, err := strconv.ParseUint(v, 10, 16)
		if err != nil {
			s.badRequest(w, "bad port %q", v)
			return
		}
		c.ExitPort = uint16(n)
	}
	if length != 0 && (length < pathselect.MinLength || length > pathselect.MaxLength) {
		s.badRequest(w, "length must be between %d and %d", pathselect.MinLength, pathselect.MaxLength)
		return
	}
	var rnd io.Reader
	if seed := q.Get("seed"); seed != "" {
		rnd = pathselect.NewSeededReader([]byte(seed))
	}

	path, err := pathselect.SelectPath(snap, length, c, rnd)
	if err != nil {
		s.writeError(w, err)
		return
	}
	out := make([]relayJSON, len(path))
	for i := range path {
		out[i] = toRelayJSON(&path[i])
	}
	s.writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleRefresh(w http.ResponseWriter, r *http.Request) {
	if s.Refresher == nil {
		s.writeJSON(w, http.StatusNotImplemented, errorJSON{Error: "refresh disabled", Class: "request"})
		return
	}
	res := s.Refresher.RunOnce(r.Context())
	code := http.StatusOK
	if res.Status == refresh.StatusFailed {
		code = http.StatusBadGateway
	}
	s.writeJSON(w, code, toRefreshJSON(res))
}
