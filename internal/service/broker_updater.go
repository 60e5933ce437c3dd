package service

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"path"
	"strings"
	"sync"
	"time"

	"github.com/target/mmk-dbp/internal/core"
	"github.com/target/mmk-dbp/internal/domain/model"
)

const brokerUpdateKey = "broker-update"

// BrokerUpdaterOptions groups dependencies for BrokerUpdater.
type BrokerUpdaterOptions struct {
	DB core.Database // Required
	// Source holds one JSON definition per broker.
	Source fs.FS // Required
	// Throttle limits checks to one per Interval across processes. Defaults to an in-memory throttle.
	Throttle core.Throttle
	Interval time.Duration
	Logger   *slog.Logger
}

// BrokerUpdater loads broker definitions from JSON files into storage.
type BrokerUpdater struct {
	db       core.Database
	source   fs.FS
	throttle core.Throttle
	interval time.Duration
	logger   *slog.Logger
}

// NewBrokerUpdater constructs a BrokerUpdater.
func NewBrokerUpdater(opts BrokerUpdaterOptions) (*BrokerUpdater, error) {
	if opts.DB == nil {
		return nil, errors.New("database is required")
	}
	if opts.Source == nil {
		return nil, errors.New("broker source is required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	throttle := opts.Throttle
	if throttle == nil {
		throttle = NewMemoryThrottle(time.Now)
	}
	return &BrokerUpdater{
		db:       opts.DB,
		source:   opts.Source,
		throttle: throttle,
		interval: opts.Interval,
		logger:   logger.With("component", "broker_updater"),
	}, nil
}

// CheckForUpdates upserts every definition whose version differs from the
// stored one, at most once per interval. It returns the number of brokers written.
func (u *BrokerUpdater) CheckForUpdates(ctx context.Context) (int, error) {
	allowed, err := u.throttle.Allow(ctx, brokerUpdateKey, u.interval)
	if err != nil {
		return 0, fmt.Errorf("broker update throttle: %w", err)
	}
	if !allowed {
		return 0, nil
	}
	return u.Update(ctx)
}

// Update upserts changed definitions without throttling. Invalid files are
// logged and skipped so one bad definition does not block the others.
func (u *BrokerUpdater) Update(ctx context.Context) (int, error) {
	stored, err := u.db.FetchBrokers(ctx)
	if err != nil {
		return 0, err
	}
	versions := make(map[string]string, len(stored))
	for _, b := range stored {
		versions[b.Name] = b.Version
	}

	entries, err := fs.ReadDir(u.source, ".")
	if err != nil {
		return 0, fmt.Errorf("read broker definitions: %w", err)
	}

	updated := 0
	for _, entry := range entries {
		if entry.IsDir() || !strings.EqualFold(path.Ext(entry.Name()), ".json") {
			continue
		}
		raw, err := fs.ReadFile(u.source, entry.Name())
		if err != nil {
			u.logger.WarnContext(ctx, "reading broker definition failed", "file", entry.Name(), "error", err)
			continue
		}
		b, err := model.ParseBroker(raw)
		if err == nil {
			err = b.Schedule.Validate()
		}
		if err != nil {
			u.logger.WarnContext(ctx, "invalid broker definition", "file", entry.Name(), "error", err)
			continue
		}
		if v, ok := versions[b.Name]; ok && v == b.Version {
			continue
		}
		if _, err = u.db.UpsertBroker(ctx, b); err != nil {
			return updated, fmt.Errorf("upsert broker %s: %w", b.Name, err)
		}
		versions[b.Name] = b.Version
		updated++
		u.logger.InfoContext(ctx, "broker definition updated", "broker", b.Name, "version", b.Version)
	}
	return updated, nil
}

// MemoryThrottle is a single-process core.Throttle.
type MemoryThrottle struct {
	mu   sync.Mutex
	now  func() time.Time
	next map[string]time.Time
}

var _ core.Throttle = (*MemoryThrottle)(nil)

// NewMemoryThrottle constructs a MemoryThrottle.
func NewMemoryThrottle(now func() time.Time) *MemoryThrottle {
	if now == nil {
		now = time.Now
	}
	return &MemoryThrottle{now: now, next: make(map[string]time.Time)}
}

// Allow reports whether key may run now and, if so, blocks it for every.
func (t *MemoryThrottle) Allow(_ context.Context, key string, every time.Duration) (bool, error) {
	if every <= 0 {
		return true, nil
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	now := t.now()
	if next, ok := t.next[key]; ok && now.Before(next) {
		return false, nil
	}
	t.next[key] = now.Add(every)
	return true, nil
}
