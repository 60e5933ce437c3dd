package service

import (
	"context"
	"testing"
	"testing/fstest"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/target/mmk-dbp/internal/data"
)

func brokerJSON(name, version string) *fstest.MapFile {
	return &fstest.MapFile{Data: []byte(`{
		"name": "` + name + `",
		"url": "` + name + `.example",
		"version": "` + version + `",
		"steps": [],
		"schedulingConfig": {"retryError": 48, "confirmOptOutScan": 72, "maintenanceScan": 240}
	}`)}
}

func TestBrokerUpdater_Update(t *testing.T) {
	ctx := context.Background()
	store := data.NewMemoryStore()
	source := fstest.MapFS{
		"alpha.json":  brokerJSON("alpha", "1.0.0"),
		"beta.json":   brokerJSON("beta", "1.0.0"),
		"broken.json": &fstest.MapFile{Data: []byte(`{"name":`)},
		"negative.json": &fstest.MapFile{Data: []byte(
			`{"name":"negative","version":"1","schedulingConfig":{"retryError":-1}}`)},
		"README.md":     &fstest.MapFile{Data: []byte("not a broker")},
		"nested/x.json": brokerJSON("nested", "1.0.0"),
	}

	u, err := NewBrokerUpdater(BrokerUpdaterOptions{DB: store, Source: source})
	require.NoError(t, err)

	n, err := u.Update(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	brokers, err := store.FetchBrokers(ctx)
	require.NoError(t, err)
	names := make([]string, 0, len(brokers))
	for _, b := range brokers {
		names = append(names, b.Name)
	}
	assert.ElementsMatch(t, []string{"alpha", "beta"}, names)

	n, err = u.Update(ctx)
	require.NoError(t, err)
	assert.Zero(t, n, "unchanged versions are not rewritten")

	source["beta.json"] = brokerJSON("beta", "1.1.0")
	n, err = u.Update(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	brokers, err = store.FetchBrokers(ctx)
	require.NoError(t, err)
	for _, b := range brokers {
		if b.Name == "beta" {
			assert.Equal(t, "1.1.0", b.Version)
		}
	}
}

func TestBrokerUpdater_CheckForUpdatesIsThrottled(t *testing.T) {
	ctx := context.Background()
	clock := newTestClock()
	store := data.NewMemoryStore()
	source := fstest.MapFS{"alpha.json": brokerJSON("alpha", "1.0.0")}

	u, err := NewBrokerUpdater(BrokerUpdaterOptions{
		DB:       store,
		Source:   source,
		Throttle: NewMemoryThrottle(clock.Now),
		Interval: time.Hour,
	})
	require.NoError(t, err)

	n, err := u.CheckForUpdates(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	source["alpha.json"] = brokerJSON("alpha", "2.0.0")
	n, err = u.CheckForUpdates(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)

	clock.Advance(time.Hour)
	n, err = u.CheckForUpdates(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestMemoryThrottle_ZeroIntervalAlwaysAllows(t *testing.T) {
	th := NewMemoryThrottle(nil)
	for range 3 {
		ok, err := th.Allow(context.Background(), "k", 0)
		require.NoError(t, err)
		assert.True(t, ok)
	}
}

func TestNewBrokerUpdater_RequiresDependencies(t *testing.T) {
	_, err := NewBrokerUpdater(BrokerUpdaterOptions{})
	require.Error(t, err)
	_, err = NewBrokerUpdater(BrokerUpdaterOptions{DB: data.NewMemoryStore()})
	require.Error(t, err)
}
