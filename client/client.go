// Package client drives one anonymous HTTP(S) exchange over a circuit built
// through relays chosen from the current directory snapshot.
package client

import (
	"bufio"
	"bytes"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/cvsouth/lightor/directory"
	"github.com/cvsouth/lightor/pathselect"
)

// DefaultMaxAttempts is the number of circuits tried per request.
const DefaultMaxAttempts = 3

// maxResponseSize bounds the body read from the exit.
const maxResponseSize = 16 << 20

// CircuitBuilder builds a circuit through path and opens a stream from the
// last hop to target ("host:port"). The onion protocol lives behind it.
type CircuitBuilder interface {
	BuildCircuit(ctx context.Context, path []directory.Relay, target string) (net.Conn, error)
}

// Client sends requests over freshly selected circuits. It only reads the
// store, so a directory refresh never blocks a request.
type Client struct {
	Store       *directory.Store
	Builder     CircuitBuilder
	TLSConfig   *tls.Config // nil means system roots, TLS 1.2+
	Rand        io.Reader   // nil means crypto/rand
	Logger      *slog.Logger
	Clock       func() time.Time
	MaxAttempts int // 0 means DefaultMaxAttempts
	Constraints pathselect.Constraints
}

func (c *Client) logger() *slog.Logger {
	if c.Logger != nil {
		return c.Logger
	}
	return slog.Default()
}

func (c *Client) now() time.Time {
	if c.Clock != nil {
		return c.Clock()
	}
	return time.Now()
}

// Get issues a GET request for url.
func (c *Client) Get(ctx context.Context, url string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	return c.Do(ctx, req)
}

// RoundTrip implements http.RoundTripper so a Client can back an
// http.Client. Each call uses a new circuit.
func (c *Client) RoundTrip(req *http.Request) (*http.Response, error) {
	return c.Do(req.Context(), req)
}

// Do sends req through a new circuit and returns the response with its body
// fully read. Up to MaxAttempts circuits are tried, each over a newly
// selected path; the directory is not re-verified between attempts.
func (c *Client) Do(ctx context.Context, req *http.Request) (*http.Response, error) {
	if req.URL == nil {
		return nil, errors.New("request has no URL")
	}
	host, port, err := target(req)
	if err != nil {
		return nil, err
	}
	if c.Store == nil {
		return nil, directory.ErrNoDirectory
	}
	snap, err := c.Store.Current()
	if err != nil {
		return nil, err
	}
	if now := c.now(); !snap.ValidAt(now) {
		return nil, fmt.Errorf("%w: snapshot valid %s to %s, now %s", directory.ErrOutsideValidityWindow,
			snap.ValidAfter.Format(time.RFC3339), snap.ValidUntil.Format(time.RFC3339), now.Format(time.RFC3339))
	}

	addr := net.JoinHostPort(host, strconv.Itoa(int(port)))
	conn, err := c.buildCircuit(ctx, snap, addr, port)
	if err != nil {
		return nil, err
	}
	defer conn.Close()
	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	defer stop()
	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	}

	if req.URL.Scheme == "https" {
		tlsConn := tls.Client(conn, c.tlsConfig(host))
		if err := tlsConn.HandshakeContext(ctx); err != nil {
			return nil, fmt.Errorf("tls handshake with %s: %w", host, err)
		}
		conn = tlsConn
	}

	return exchange(ctx, conn, req)
}

func (c *Client) buildCircuit(ctx context.Context, snap *directory.Snapshot, addr string, port uint16) (net.Conn, error) {
	attempts := c.MaxAttempts
	if attempts <= 0 {
		attempts = DefaultMaxAttempts
	}
	constraints := c.Constraints
	constraints.ExitPort = port

	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		path, err := pathselect.SelectPath(snap, pathselect.DefaultLength, constraints, c.Rand)
		if err != nil {
			return nil, fmt.Errorf("select path: %w", err)
		}
		c.logger().Debug("building circuit", "attempt", attempt, "path", nicknames(path), "target", addr)

		conn, err := c.Builder.BuildCircuit(ctx, path, addr)
		if err == nil {
			c.logger().Info("circuit built", "attempt", attempt, "exit", path[len(path)-1].Nickname)
			return conn, nil
		}
		c.logger().Warn("circuit build attempt failed", "attempt", attempt, "error", err)
		lastErr = err
	}
	return nil, fmt.Errorf("failed to build circuit after %d attempts: %w", attempts, lastErr)
}

func (c *Client) tlsConfig(host string) *tls.Config {
	var cfg *tls.Config
	if c.TLSConfig != nil {
		cfg = c.TLSConfig.Clone()
	} else {
		cfg = &tls.Config{MinVersion: tls.VersionTLS12}
	}
	if cfg.ServerName == "" {
		cfg.ServerName = host
	}
	return cfg
}

// exchange writes req with HTTP/1.1 framing and reads the whole response.
func exchange(ctx context.Context, conn net.Conn, req *http.Request) (*http.Response, error) {
	out := req.Clone(ctx)
	out.Close = true
	if out.Header == nil {
		out.Header = make(http.Header)
	}
	out.Header.Set("Connection", "close")
	// An empty value suppresses the Go default User-Agent.
	if out.Header.Get("User-Agent") == "" {
		out.Header.Set("User-Agent", "")
	}

	w := bufio.NewWriter(conn)
	if err := out.Write(w); err != nil {
		return nil, fmt.Errorf("write request: %w", err)
	}
	if err := w.Flush(); err != nil {
		return nil, fmt.Errorf("write request: %w", err)
	}

	resp, err := http.ReadResponse(bufio.NewReader(conn), out)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize+1))
	if err != nil {
		return nil, fmt.Errorf("read response body: %w", err)
	}
	if len(body) > maxResponseSize {
		return nil, fmt.Errorf("response body exceeds %d bytes", maxResponseSize)
	}
	resp.Body = io.NopCloser(bytes.NewReader(body))
	resp.ContentLength = int64(len(body))
	resp.Request = req
	return resp, nil
}

// target returns the host and port a request must reach.
func target(req *http.Request) (string, uint16, error) {
	var port uint16
	switch req.URL.Scheme {
	case "https":
		port = 443
	case "http":
		port = 80
	default:
		return "", 0, fmt.Errorf("unsupported scheme %q", req.URL.Scheme)
	}
	host := req.URL.Hostname()
	if host == "" {
		return "", 0, errors.New("request URL has no host")
	}
	if p := req.URL.Port(); p != "" {
		n, err := strconv.ParseUint(p, 10, 16)
		if err != nil || n == 0 {
			return "", 0, fmt.Errorf("bad port %q", p)
		}
		port = uint16(n)
	}
	return host, port, nil
}

func nicknames(path []directory.Relay) []string {
	names := make([]string, len(path))
	for i := range path {
		names[i] = path[i].Nickname
	}
	return names
}
