package cache

import (
	"bufio"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"
)

// ValkeyProvider implements Provider against a Valkey/Redis-compatible server.
// Every key is namespaced with Prefix so several control planes can share one
// instance. Each command runs on a short-lived connection.
type ValkeyProvider struct {
	cfg ValkeyConfig
}

// ValkeyConfig holds connection parameters for the Valkey server.
type ValkeyConfig struct {
	Addr         string
	Username     string
	Password     string
	DB           int
	Prefix       string
	DialTimeout  time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	MaxRetries   int
	TLS          bool
}

// NewValkeyProvider validates cfg and pings the server so bad credentials fail at startup.
func NewValkeyProvider(cfg ValkeyConfig) (*ValkeyProvider, error) {
	if cfg.Addr == "" {
		return nil, errors.New("valkey addr is required")
	}
	cfg.withDefaults()
	p := &ValkeyProvider{cfg: cfg}

	ctx, cancel := context.WithTimeout(context.Background(), cfg.DialTimeout)
	defer cancel()
	reply, err := p.do(ctx, "PING")
	if err != nil {
		return nil, fmt.Errorf("valkey ping: %w", err)
	}
	if !reply.isStatus("PONG") {
		return nil, fmt.Errorf("unexpected PING response: %s", reply.data)
	}
	return p, nil
}

// Get fetches bytes by key, returning ErrCacheMiss when the key is absent.
func (p *ValkeyProvider) Get(ctx context.Context, key string) ([]byte, error) {
	reply, err := p.do(ctx, "GET", p.key(key))
	if err != nil {
		return nil, err
	}
	switch reply.kind {
	case respNil:
		return nil, ErrCacheMiss
	case respBulk:
		return reply.data, nil
	default:
		return nil, fmt.Errorf("unexpected reply %q for GET", reply.kind)
	}
}

// Set stores bytes with the provided TTL.
func (p *ValkeyProvider) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	reply, err := p.do(ctx, setArgs(p.key(key), value, ttl, false)...)
	if err != nil {
		return err
	}
	if !reply.isStatus("OK") {
		return fmt.Errorf("unexpected SET response: %s", reply.data)
	}
	return nil
}

// SetNX stores the value only if the key does not exist.
func (p *ValkeyProvider) SetNX(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error) {
	reply, err := p.do(ctx, setArgs(p.key(key), value, ttl, true)...)
	if err != nil {
		return false, err
	}
	switch reply.kind {
	case respStatus:
		return true, nil
	case respNil:
		return false, nil
	default:
		return false, fmt.Errorf("unexpected reply %q for SET NX", reply.kind)
	}
}

// Del removes a key.
func (p *ValkeyProvider) Del(ctx context.Context, key string) error {
	_, err := p.do(ctx, "DEL", p.key(key))
	return err
}

// Close is a no-op; connections are not pooled.
func (p *ValkeyProvider) Close() error { return nil }

func (p *ValkeyProvider) key(k string) string {
	if p.cfg.Prefix == "" {
		return k
	}
	return p.cfg.Prefix + ":" + k
}

func setArgs(key string, value []byte, ttl time.Duration, onlyIfAbsent bool) []any {
	args := []any{"SET", key, value}
	if ttl > 0 {
		args = append(args, "PX", strconv.FormatInt(ttl.Milliseconds(), 10))
	}
	if onlyIfAbsent {
		args = append(args, "NX")
	}
	return args
}

// do runs one command, retrying transient network failures with backoff.
func (p *ValkeyProvider) do(ctx context.Context, args ...any) (respReply, error) {
	var lastErr error
	for attempt := 0; attempt < p.cfg.MaxRetries; attempt++ {
		if err := ctx.Err(); err != nil {
			return respReply{}, err
		}
		reply, err := p.once(ctx, args)
		if err == nil {
			return reply, nil
		}
		lastErr = err
		if !transient(err) {
			break
		}
		select {
		case <-ctx.Done():
			return respReply{}, ctx.Err()
		case <-time.After(backoff(attempt)):
		}
	}
	return respReply{}, lastErr
}

func (p *ValkeyProvider) once(ctx context.Context, args []any) (respReply, error) {
	conn, err := p.dial(ctx)
	if err != nil {
		return respReply{}, err
	}
	defer conn.Close()

	rw := bufio.NewReadWriter(bufio.NewReader(conn), bufio.NewWriter(conn))
	exchange := func(cmd []any) (respReply, error) {
		if err := conn.SetWriteDeadline(time.Now().Add(p.cfg.WriteTimeout)); err != nil {
			return respReply{}, err
		}
		if err := writeCommand(rw.Writer, cmd...); err != nil {
			return respReply{}, err
		}
		if err := conn.SetReadDeadline(time.Now().Add(p.cfg.ReadTimeout)); err != nil {
			return respReply{}, err
		}
		return readReply(rw.Reader)
	}

	if p.cfg.Password != "" {
		auth := []any{"AUTH", p.cfg.Password}
		if p.cfg.Username != "" {
			auth = []any{"AUTH", p.cfg.Username, p.cfg.Password}
		}
		if reply, err := exchange(auth); err != nil || !reply.isStatus("OK") {
			return respReply{}, fmt.Errorf("valkey auth failed: %v", firstErr(err, reply))
		}
	}
	if p.cfg.DB > 0 {
		if reply, err := exchange([]any{"SELECT", strconv.Itoa(p.cfg.DB)}); err != nil || !reply.isStatus("OK") {
			return respReply{}, fmt.Errorf("valkey select failed: %v", firstErr(err, reply))
		}
	}
	return exchange(args)
}

func (p *ValkeyProvider) dial(ctx context.Context) (net.Conn, error) {
	dialer := net.Dialer{Timeout: p.cfg.DialTimeout}
	if !p.cfg.TLS {
		return dialer.DialContext(ctx, "tcp", p.cfg.Addr)
	}
	host, _, err := net.SplitHostPort(p.cfg.Addr)
	if err != nil {
		host = p.cfg.Addr
	}
	td := tls.Dialer{NetDialer: &dialer, Config: &tls.Config{MinVersion: tls.VersionTLS12, ServerName: host}}
	return td.DialContext(ctx, "tcp", p.cfg.Addr)
}

func (c *ValkeyConfig) withDefaults() {
	if c.DialTimeout <= 0 {
		c.DialTimeout = 2 * time.Second
	}
	if c.ReadTimeout <= 0 {
		c.ReadTimeout = 500 * time.Millisecond
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = 500 * time.Millisecond
	}
	if c.MaxRetries <= 0 {
		c.MaxRetries = 1
	}
	c.Prefix = strings.TrimSuffix(c.Prefix, ":")
}

func firstErr(err error, reply respReply) any {
	if err != nil {
		return err
	}
	return string(reply.data)
}

func backoff(attempt int) time.Duration {
	return time.Duration(1<<attempt) * 25 * time.Millisecond
}

func transient(err error) bool {
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}
