package evidence

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/target/mmk-dbp/internal/core"
	"github.com/target/mmk-dbp/internal/domain/model"
)

func TestNewFileStore_RequiresDir(t *testing.T) {
	_, err := NewFileStore(FileStoreOptions{})
	require.Error(t, err)
}

func TestFileStore_Save(t *testing.T) {
	dir := t.TempDir()
	store, err := NewFileStore(FileStoreOptions{Dir: dir})
	require.NoError(t, err)

	taken := time.Date(2024, 6, 1, 10, 30, 0, 0, time.UTC)
	err = store.Save(context.Background(), core.EvidenceRecord{
		Target:   model.Target{BrokerID: 7, ProfileQueryID: 3},
		Broker:   "Example People",
		ActionID: "submit/button",
		Evidence: core.Evidence{
			URL:        "https://example-people.com/optout",
			HTML:       "<html></html>",
			Screenshot: []byte{0x89, 'P', 'N', 'G'},
			TakenAt:    taken,
		},
	})
	require.NoError(t, err)

	base := filepath.Join(dir, "example-people", "20240601T103000.000Z_3_submit-button")
	png, err := os.ReadFile(base + ".png")
	require.NoError(t, err)
	assert.Equal(t, []byte{0x89, 'P', 'N', 'G'}, png)

	html, err := os.ReadFile(base + ".html")
	require.NoError(t, err)
	assert.Equal(t, "<html></html>", string(html))

	raw, err := os.ReadFile(base + ".json")
	require.NoError(t, err)
	var meta descriptor
	require.NoError(t, json.Unmarshal(raw, &meta))
	assert.Equal(t, int64(7), meta.BrokerID)
	assert.Equal(t, "submit/button", meta.ActionID)
	assert.Equal(t, "https://example-people.com/optout", meta.URL)
}

func TestFileStore_SkipsMissingParts(t *testing.T) {
	dir := t.TempDir()
	now := time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC)
	store, err := NewFileStore(FileStoreOptions{Dir: dir, Now: func() time.Time { return now }})
	require.NoError(t, err)

	require.NoError(t, store.Save(context.Background(), core.EvidenceRecord{Broker: "", ActionID: ""}))

	entries, err := os.ReadDir(filepath.Join(dir, "unknown"))
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "20240601T000000.000Z_0_unknown.json", entries[0].Name())
}

func TestFileStore_CancelledContext(t *testing.T) {
	store, err := NewFileStore(FileStoreOptions{Dir: t.TempDir()})
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, store.Save(ctx, core.EvidenceRecord{}), context.Canceled)
}
