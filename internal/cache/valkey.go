package cache

import (
	"bufio"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"
)

// ValkeyConfig holds connection parameters for a Valkey/Redis server.
type ValkeyConfig struct {
	Addr         string
	Username     string
	Password     string
	DB           int
	DialTimeout  time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	MaxRetries   int
	TLS          bool
}

// ValkeyProvider implements Provider over one lazily (re)established RESP
// connection. Commands are serialised; claim traffic is a few calls per flush.
type ValkeyProvider struct {
	cfg ValkeyConfig

	mu   sync.Mutex
	conn *respConn
}

// NewValkeyProvider pings the server so bad credentials fail at startup.
func NewValkeyProvider(ctx context.Context, cfg ValkeyConfig) (*ValkeyProvider, error) {
	if cfg.Addr == "" {
		return nil, errors.New("valkey addr is required")
	}
	applyValkeyDefaults(&cfg)

	p := &ValkeyProvider{cfg: cfg}
	pingCtx, cancel := context.WithTimeout(ctx, cfg.DialTimeout)
	defer cancel()
	reply, err := p.do(pingCtx, "PING")
	if err != nil {
		return nil, fmt.Errorf("valkey ping: %w", err)
	}
	if reply.kind != kindStatus || reply.text() != "PONG" {
		return nil, fmt.Errorf("valkey ping: unexpected reply %q", reply.text())
	}
	return p, nil
}

// Get fetches a claim value.
func (p *ValkeyProvider) Get(ctx context.Context, key string) ([]byte, error) {
	reply, err := p.do(ctx, "GET", key)
	if err != nil {
		return nil, err
	}
	switch reply.kind {
	case kindNil:
		return nil, ErrCacheMiss
	case kindBulk:
		return reply.data, nil
	default:
		return nil, fmt.Errorf("valkey GET: unexpected reply kind %c", reply.kind)
	}
}

// SetNX issues SET key value NX [PX ttl].
func (p *ValkeyProvider) SetNX(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error) {
	args := []string{key, string(value), "NX"}
	if ttl > 0 {
		args = append(args, "PX", strconv.FormatInt(ttl.Milliseconds(), 10))
	}
	reply, err := p.do(ctx, "SET", args...)
	if err != nil {
		return false, err
	}
	switch reply.kind {
	case kindStatus:
		return true, nil
	case kindNil:
		return false, nil
	default:
		return false, fmt.Errorf("valkey SET NX: unexpected reply kind %c", reply.kind)
	}
}

// Del removes key.
func (p *ValkeyProvider) Del(ctx context.Context, key string) error {
	_, err := p.do(ctx, "DEL", key)
	return err
}

// Close releases the connection.
func (p *ValkeyProvider) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.conn == nil {
		return nil
	}
	err := p.conn.Close()
	p.conn = nil
	return err
}

func (p *ValkeyProvider) do(ctx context.Context, cmd string, args ...string) (respValue, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	var lastErr error
	for attempt := 0; attempt < p.cfg.MaxRetries; attempt++ {
		if err := ctx.Err(); err != nil {
			return respValue{}, err
		}
		if p.conn == nil {
			conn, err := p.open(ctx)
			if err != nil {
				lastErr = err
				continue
			}
			p.conn = conn
		}

		reply, err := p.conn.roundTrip(ctx, p.cfg, cmd, args...)
		if err == nil {
			return reply, nil
		}
		var serverErr respError
		if errors.As(err, &serverErr) {
			return respValue{}, err
		}
		// Transport failure: drop the connection and retry on a fresh one.
		_ = p.conn.Close()
		p.conn = nil
		lastErr = err
	}
	return respValue{}, lastErr
}

func (p *ValkeyProvider) open(ctx context.Context) (*respConn, error) {
	dialer := &net.Dialer{Timeout: p.cfg.DialTimeout}
	var (
		raw net.Conn
		err error
	)
	if p.cfg.TLS {
		host, _, splitErr := net.SplitHostPort(p.cfg.Addr)
		if splitErr != nil {
			host = p.cfg.Addr
		}
		tlsDialer := &tls.Dialer{NetDialer: dialer, Config: &tls.Config{MinVersion: tls.VersionTLS12, ServerName: host}}
		raw, err = tlsDialer.DialContext(ctx, "tcp", p.cfg.Addr)
	} else {
		raw, err = dialer.DialContext(ctx, "tcp", p.cfg.Addr)
	}
	if err != nil {
		return nil, fmt.Errorf("dial valkey %s: %w", p.cfg.Addr, err)
	}

	conn := &respConn{Conn: raw, r: bufio.NewReader(raw), w: bufio.NewWriter(raw)}
	if p.cfg.Password != "" {
		auth := []string{p.cfg.Password}
		if p.cfg.Username != "" {
			auth = []string{p.cfg.Username, p.cfg.Password}
		}
		if _, err := conn.roundTrip(ctx, p.cfg, "AUTH", auth...); err != nil {
			_ = conn.Close()
			return nil, fmt.Errorf("valkey auth: %w", err)
		}
	}
	if p.cfg.DB > 0 {
		if _, err := conn.roundTrip(ctx, p.cfg, "SELECT", strconv.Itoa(p.cfg.DB)); err != nil {
			_ = conn.Close()
			return nil, fmt.Errorf("valkey select %d: %w", p.cfg.DB, err)
		}
	}
	return conn, nil
}

func applyValkeyDefaults(cfg *ValkeyConfig) {
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = 2 * time.Second
	}
	if cfg.ReadTimeout <= 0 {
		cfg.ReadTimeout = 500 * time.Millisecond
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 500 * time.Millisecond
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 1
	}
}

// RESP2 subset: status, error, integer, bulk and nil bulk replies.
const (
	kindStatus  byte = '+'
	kindError   byte = '-'
	kindInteger byte = ':'
	kindBulk    byte = '$'
	kindNil     byte = '_'
)

type respValue struct {
	kind byte
	data []byte
}

func (v respValue) text() string { return string(v.data) }

type respError string

func (e respError) Error() string { return "valkey: " + string(e) }

type respConn struct {
	net.Conn
	r *bufio.Reader
	w *bufio.Writer
}

func (c *respConn) roundTrip(ctx context.Context, cfg ValkeyConfig, cmd string, args ...string) (respValue, error) {
	if err := c.SetWriteDeadline(deadline(ctx, cfg.WriteTimeout)); err != nil {
		return respValue{}, err
	}
	fmt.Fprintf(c.w, "*%d\r\n", len(args)+1)
	for _, part := range append([]string{cmd}, args...) {
		fmt.Fprintf(c.w, "$%d\r\n%s\r\n", len(part), part)
	}
	if err := c.w.Flush(); err != nil {
		return respValue{}, err
	}

	if err := c.SetReadDeadline(deadline(ctx, cfg.ReadTimeout)); err != nil {
		return respValue{}, err
	}
	return readValue(c.r)
}

func readValue(r *bufio.Reader) (respValue, error) {
	line, err := r.ReadString('\n')
	if err != nil {
		return respValue{}, err
	}
	line = strings.TrimRight(line, "\r\n")
	if line == "" {
		return respValue{}, errors.New("valkey: empty reply")
	}

	kind, body := line[0], line[1:]
	switch kind {
	case kindStatus, kindInteger:
		return respValue{kind: kind, data: []byte(body)}, nil
	case kindError:
		return respValue{}, respError(body)
	case kindBulk:
		size, err := strconv.Atoi(body)
		if err != nil {
			return respValue{}, fmt.Errorf("valkey: bad bulk length %q", body)
		}
		if size < 0 {
			return respValue{kind: kindNil}, nil
		}
		buf := make([]byte, size+2)
		if _, err := io.ReadFull(r, buf); err != nil {
			return respValue{}, err
		}
		return respValue{kind: kindBulk, data: buf[:size]}, nil
	default:
		return respValue{}, fmt.Errorf("valkey: unexpected reply prefix %q", kind)
	}
}

func deadline(ctx context.Context, d time.Duration) time.Time {
	limit := time.Now().Add(d)
	if dl, ok := ctx.Deadline(); ok && dl.Before(limit) {
		return dl
	}
	return limit
}
