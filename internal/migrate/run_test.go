package migrate

import (
	"testing"
	"testing/fstest"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_OrdersByVersion(t *testing.T) {
	fsys := fstest.MapFS{
		"0010_history_index.sql": {Data: []byte("SELECT 1")},
		"0002_brokers.sql":       {Data: []byte("SELECT 1")},
		"0001_init.sql":          {Data: []byte("SELECT 1")},
		"README.md":              {Data: []byte("ignored")},
	}

	got, err := Load(fsys)
	require.NoError(t, err)
	require.Len(t, got, 3)
	assert.Equal(t, []int64{1, 2, 10}, []int64{got[0].Version, got[1].Version, got[2].Version})
	assert.Equal(t, "history_index", got[2].Name)
	assert.Equal(t, "0010_history_index.sql", got[2].File)
}

func TestLoad_RejectsBadNames(t *testing.T) {
	tests := map[string]fstest.MapFS{
		"missing version": {"init.sql": {Data: []byte("SELECT 1")}},
		"zero version":    {"0000_init.sql": {Data: []byte("SELECT 1")}},
		"duplicate": {
			"0001_init.sql": {Data: []byte("SELECT 1")},
			"001_again.sql": {Data: []byte("SELECT 1")},
		},
	}
	for name, fsys := range tests {
		t.Run(name, func(t *testing.T) {
			_, err := Load(fsys)
			assert.Error(t, err)
		})
	}
}

func TestEmbeddedMigrationsParse(t *testing.T) {
	src, err := Options{}.source()
	require.NoError(t, err)
	got, err := Load(src)
	require.NoError(t, err)
	require.NotEmpty(t, got)
	assert.Equal(t, int64(1), got[0].Version)
}

func TestUnapplied(t *testing.T) {
	all := []Migration{{Version: 1}, {Version: 2}, {Version: 3}}
	got := unapplied(all, map[int64]bool{1: true, 3: true})
	assert.Equal(t, []Migration{{Version: 2}}, got)
	assert.Nil(t, unapplied(all, map[int64]bool{1: true, 2: true, 3: true}))
}
