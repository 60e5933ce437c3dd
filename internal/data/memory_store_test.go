package data

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/target/mmk-dbp/internal/core"
	errs "github.com/target/mmk-dbp/internal/errors"
	"github.com/target/mmk-dbp/internal/testutil"
)

func TestMemoryStore(t *testing.T) {
	runStoreContract(t, func(_ *testing.T, tp TimeProvider) core.Database {
		return NewMemoryStoreWithTimeProvider(tp)
	})
}

func TestMemoryStore_SetFailure(t *testing.T) {
	s := NewMemoryStore()
	s.SetFailure(errs.DatabaseUnavailable(nil))

	_, err := s.FetchAllBrokerProfileQueryData(context.Background())
	assert.True(t, errs.IsDatabaseUnavailable(err))
	_, err = s.HasMatches(context.Background())
	assert.Error(t, err)

	s.SetFailure(nil)
	all, err := s.FetchAllBrokerProfileQueryData(context.Background())
	assert.NoError(t, err)
	assert.Empty(t, all)
}

func TestMemoryStore_ReturnsCopies(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	b, err := s.UpsertBroker(ctx, testutil.NewBroker("alpha").Build())
	assert.NoError(t, err)

	brokers, _ := s.FetchBrokers(ctx)
	brokers[0].Name = "mutated"
	again, _ := s.FetchBrokers(ctx)
	assert.Equal(t, "alpha", again[0].Name)
	assert.Equal(t, b.ID, again[0].ID)
}
