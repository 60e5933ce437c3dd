// Package evidence stores failure snapshots (screenshot and page HTML) on disk.
package evidence

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/target/mmk-dbp/internal/core"
)

var unsafeChars = regexp.MustCompile(`[^a-z0-9._-]+`)

// FileStoreOptions configures a FileStore.
type FileStoreOptions struct {
	Dir    string
	Logger *slog.Logger
	Now    func() time.Time
}

// FileStore writes one directory per broker with a PNG, an HTML file and a
// small JSON descriptor per snapshot.
type FileStore struct {
	dir    string
	logger *slog.Logger
	now    func() time.Time
}

var _ core.EvidenceSink = (*FileStore)(nil)

type descriptor struct {
	Broker         string    `json:"broker"`
	BrokerID       int64     `json:"brokerId"`
	ProfileQueryID int64     `json:"profileQueryId"`
	ActionID       string    `json:"actionId"`
	URL            string    `json:"url"`
	TakenAt        time.Time `json:"takenAt"`
}

// NewFileStore creates a FileStore rooted at opts.Dir.
func NewFileStore(opts FileStoreOptions) (*FileStore, error) {
	if strings.TrimSpace(opts.Dir) == "" {
		return nil, errors.New("evidence directory is required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	return &FileStore{dir: opts.Dir, logger: logger.With("component", "evidence_store"), now: now}, nil
}

// Save writes the snapshot. Missing parts (no screenshot, no HTML) are skipped.
func (s *FileStore) Save(ctx context.Context, rec core.EvidenceRecord) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	taken := rec.Evidence.TakenAt
	if taken.IsZero() {
		taken = s.now()
	}

	dir := filepath.Join(s.dir, slug(rec.Broker))
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return fmt.Errorf("create evidence dir: %w", err)
	}
	base := filepath.Join(dir, fmt.Sprintf("%s_%d_%s",
		taken.UTC().Format("20060102T150405.000Z"), rec.Target.ProfileQueryID, slug(rec.ActionID)))

	if len(rec.Evidence.Screenshot) > 0 {
		if err := os.WriteFile(base+".png", rec.Evidence.Screenshot, 0o640); err != nil {
			return fmt.Errorf("write screenshot: %w", err)
		}
	}
	if rec.Evidence.HTML != "" {
		if err := os.WriteFile(base+".html", []byte(rec.Evidence.HTML), 0o640); err != nil {
			return fmt.Errorf("write html: %w", err)
		}
	}

	meta, err := json.MarshalIndent(descriptor{
		Broker:         rec.Broker,
		BrokerID:       rec.Target.BrokerID,
		ProfileQueryID: rec.Target.ProfileQueryID,
		ActionID:       rec.ActionID,
		URL:            rec.Evidence.URL,
		TakenAt:        taken.UTC(),
	}, "", "  ")
	if err != nil {
		return fmt.Errorf("encode evidence descriptor: %w", err)
	}
	if err = os.WriteFile(base+".json", meta, 0o640); err != nil {
		return fmt.Errorf("write evidence descriptor: %w", err)
	}

	s.logger.InfoContext(ctx, "saved failure evidence", "broker", rec.Broker, "action_id", rec.ActionID, "path", base)
	return nil
}

func slug(s string) string {
	s = unsafeChars.ReplaceAllString(strings.ToLower(strings.TrimSpace(s)), "-")
	s = strings.Trim(s, "-.")
	if s == "" {
		return "unknown"
	}
	return s
}
