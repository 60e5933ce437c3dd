// Package statsd emits DogStatsD-style metrics over UDP. Lines are queued and
// packed into datagrams by a single flushing goroutine, so callers on the
// queue and runner paths never touch the socket.
package statsd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"maps"
	"net"
	"slices"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// Sink describes the minimal interface required to emit StatsD-style metrics.
type Sink interface {
	Count(name string, value int64, tags map[string]string)
	Gauge(name string, value float64, tags map[string]string)
	Timing(name string, value time.Duration, tags map[string]string)
}

const (
	defaultFlushInterval = time.Second
	// Fits a typical 1500 byte MTU once IP and UDP headers are subtracted.
	defaultMaxPacketSize = 1432
	defaultQueueSize     = 1024
	dialTimeout          = 5 * time.Second
)

// ErrAddressRequired is returned by NewClient when no endpoint is configured.
var ErrAddressRequired = errors.New("statsd address is required")

// Config describes how to connect to a StatsD-compatible sink.
type Config struct {
	Address       string
	Prefix        string
	GlobalTags    map[string]string
	FlushInterval time.Duration // Optional, defaults to 1s
	MaxPacketSize int           // Optional, defaults to 1432 bytes
	QueueSize     int           // Optional, defaults to 1024 lines
	Logger        *slog.Logger  // Optional
}

// Client buffers metric lines and writes them in batches.
// It is safe for concurrent use; a nil *Client discards everything.
type Client struct {
	prefix     string
	globalTags map[string]string
	maxPacket  int
	interval   time.Duration
	logger     *slog.Logger

	conn    io.WriteCloser
	lines   chan string
	dropped atomic.Int64
	closed  atomic.Bool

	closeOnce sync.Once
	done      chan struct{}
	stopped   chan struct{}
	closeErr  error
}

var _ Sink = (*Client)(nil)

// NewClient dials the configured UDP endpoint and starts the flush loop.
func NewClient(cfg Config) (*Client, error) {
	address := strings.TrimSpace(cfg.Address)
	if address == "" {
		return nil, ErrAddressRequired
	}

	ctx, cancel := context.WithTimeout(context.Background(), dialTimeout)
	defer cancel()

	conn, err := (&net.Dialer{}).DialContext(ctx, "udp", address)
	if err != nil {
		return nil, fmt.Errorf("statsd dial %s: %w", address, err)
	}
	return newClient(conn, cfg), nil
}

func newClient(conn io.WriteCloser, cfg Config) *Client {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	interval := cfg.FlushInterval
	if interval <= 0 {
		interval = defaultFlushInterval
	}
	maxPacket := cfg.MaxPacketSize
	if maxPacket <= 0 {
		maxPacket = defaultMaxPacketSize
	}
	queueSize := cfg.QueueSize
	if queueSize <= 0 {
		queueSize = defaultQueueSize
	}

	c := &Client{
		prefix:     sanitizePrefix(cfg.Prefix),
		globalTags: cloneTags(cfg.GlobalTags),
		maxPacket:  maxPacket,
		interval:   interval,
		logger:     logger.With("component", "statsd"),
		conn:       conn,
		lines:      make(chan string, queueSize),
		done:       make(chan struct{}),
		stopped:    make(chan struct{}),
	}
	go c.run()
	return c
}

// Count increments a counter metric.
func (c *Client) Count(name string, value int64, tags map[string]string) {
	c.enqueue(name, strconv.FormatInt(value, 10), "c", tags)
}

// Gauge records the current value for a gauge metric.
func (c *Client) Gauge(name string, value float64, tags map[string]string) {
	c.enqueue(name, formatFloat(value), "g", tags)
}

// Timing records a timing metric in milliseconds.
func (c *Client) Timing(name string, value time.Duration, tags map[string]string) {
	ms := float64(value) / float64(time.Millisecond)
	c.enqueue(name, formatFloat(ms), "ms", tags)
}

// Dropped reports how many lines were discarded because the queue was full.
func (c *Client) Dropped() int64 {
	if c == nil {
		return 0
	}
	return c.dropped.Load()
}

// Close flushes queued lines and releases the connection. It is idempotent.
func (c *Client) Close() error {
	if c == nil {
		return nil
	}
	c.closeOnce.Do(func() {
		c.closed.Store(true)
		if c.done != nil {
			close(c.done)
			<-c.stopped
		}
		if c.conn != nil {
			c.closeErr = c.conn.Close()
		}
	})
	return c.closeErr
}

func (c *Client) enqueue(name, value, kind string, tags map[string]string) {
	if c == nil || c.closed.Load() {
		return
	}
	metric := c.metricName(name)
	if metric == "" {
		return
	}
	line := metric + ":" + value + "|" + kind + formatTags(c.globalTags, tags)
	select {
	case c.lines <- line:
	default:
		c.dropped.Add(1)
	}
}

func (c *Client) run() {
	defer close(c.stopped)
	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	buf := make([]byte, 0, c.maxPacket)
	for {
		select {
		case line := <-c.lines:
			buf = c.appendLine(buf, line)
		case <-ticker.C:
			buf = c.flush(buf)
		case <-c.done:
			for {
				select {
				case line := <-c.lines:
					buf = c.appendLine(buf, line)
				default:
					c.flush(buf)
					return
				}
			}
		}
	}
}

// appendLine adds line to the pending packet, flushing first when it would overflow.
// A single line larger than the packet limit is sent on its own.
func (c *Client) appendLine(buf []byte, line string) []byte {
	if len(buf) > 0 && len(buf)+1+len(line) > c.maxPacket {
		buf = c.flush(buf)
	}
	if len(buf) > 0 {
		buf = append(buf, '\n')
	}
	return append(buf, line...)
}

func (c *Client) flush(buf []byte) []byte {
	if len(buf) == 0 {
		return buf
	}
	if _, err := c.conn.Write(buf); err != nil {
		c.logger.Debug("statsd write failed", "error", err, "bytes", len(buf))
	}
	return buf[:0]
}

func (c *Client) metricName(name string) string {
	normalized := normalizeMetricName(name)
	switch {
	case normalized == "":
		return ""
	case c.prefix == "":
		return normalized
	default:
		return c.prefix + "." + normalized
	}
}

func sanitizePrefix(prefix string) string {
	return strings.Trim(strings.TrimSpace(prefix), ".")
}

// protocolRune maps characters that would break the line protocol to '_'.
func protocolRune(r rune) rune {
	switch r {
	case ' ', '/', ':', '|', '@', '#', ',', '\n':
		return '_'
	}
	return r
}

func normalizeMetricName(name string) string {
	n := strings.Map(protocolRune, strings.TrimSpace(name))
	parts := strings.Split(n, ".")
	kept := parts[:0]
	for _, p := range parts {
		if p != "" {
			kept = append(kept, p)
		}
	}
	return strings.Join(kept, ".")
}

func sanitizeTagValue(v string) string {
	return strings.Map(func(r rune) rune {
		if r == ':' {
			return r
		}
		return protocolRune(r)
	}, strings.TrimSpace(v))
}

func formatTags(global, local map[string]string) string {
	if len(global)+len(local) == 0 {
		return ""
	}
	merged := cloneTags(global)
	maps.Copy(merged, cloneTags(local))
	if len(merged) == 0 {
		return ""
	}

	var b strings.Builder
	b.WriteString("|#")
	for i, k := range slices.Sorted(maps.Keys(merged)) {
		if i > 0 {
			b.WriteByte(',')
		}
		b.WriteString(k)
		b.WriteByte(':')
		b.WriteString(merged[k])
	}
	return b.String()
}

func cloneTags(tags map[string]string) map[string]string {
	cp := make(map[string]string, len(tags))
	for k, v := range tags {
		key := strings.Map(protocolRune, strings.TrimSpace(k))
		if key == "" {
			continue
		}
		cp[key] = sanitizeTagValue(v)
	}
	return cp
}

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}
