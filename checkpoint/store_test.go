package checkpoint

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/bson"
)

func token(t *testing.T, data string) bson.Raw {
	t.Helper()
	raw, err := bson.Marshal(bson.D{{Key: "_data", Value: data}})
	require.NoError(t, err)
	return raw
}

// storeFactories runs the shared tests against every implementation.
var storeFactories = map[string]func(t *testing.T) Store{
	"memory": func(*testing.T) Store { return NewMemoryStore() },
	"bbolt": func(t *testing.T) Store {
		s, err := NewBboltStore(t.TempDir())
		require.NoError(t, err)
		return s
	},
}

func TestStore_SaveAndLoad(t *testing.T) {
	ctx := context.Background()
	for name, open := range storeFactories {
		t.Run(name, func(t *testing.T) {
			s := open(t)
			defer s.Close()

			got, err := s.Load(ctx, "orders")
			require.NoError(t, err)
			assert.Nil(t, got, "missing key loads nil")

			first := token(t, "0000000000000001")
			require.NoError(t, s.Save(ctx, "orders", first))
			second := token(t, "0000000000000002")
			require.NoError(t, s.Save(ctx, "orders", second))

			got, err = s.Load(ctx, "orders")
			require.NoError(t, err)
			assert.Equal(t, second, got)
		})
	}
}

func TestStore_SaveRejectsBadInput(t *testing.T) {
	ctx := context.Background()
	for name, open := range storeFactories {
		t.Run(name, func(t *testing.T) {
			s := open(t)
			defer s.Close()

			assert.ErrorIs(t, s.Save(ctx, "", token(t, "01")), ErrEmptyKey)
			assert.ErrorIs(t, s.Save(ctx, "orders", nil), ErrEmptyToken)
			assert.Error(t, s.Save(ctx, "orders", bson.Raw{0x07, 0x00}))
		})
	}
}

func TestStore_RecordsAndDelete(t *testing.T) {
	ctx := context.Background()
	for name, open := range storeFactories {
		t.Run(name, func(t *testing.T) {
			s := open(t)
			defer s.Close()

			require.NoError(t, s.Save(ctx, "payments", token(t, "02")))
			require.NoError(t, s.Save(ctx, "orders", token(t, "01")))

			records, err := s.Records(ctx)
			require.NoError(t, err)
			require.Len(t, records, 2)
			assert.Equal(t, "orders", records[0].Key)
			assert.Equal(t, "payments", records[1].Key)
			assert.Equal(t, token(t, "01"), records[0].Token)
			assert.False(t, records[0].UpdatedAt.IsZero())

			require.NoError(t, s.Delete(ctx, "orders"))
			require.NoError(t, s.Delete(ctx, "missing"))

			got, err := s.Load(ctx, "orders")
			require.NoError(t, err)
			assert.Nil(t, got)
		})
	}
}

func TestStore_Closed(t *testing.T) {
	ctx := context.Background()
	for name, open := range storeFactories {
		t.Run(name, func(t *testing.T) {
			s := open(t)
			require.NoError(t, s.Close())
			require.NoError(t, s.Close())

			_, err := s.Load(ctx, "orders")
			assert.ErrorIs(t, err, ErrStoreClosed)
			assert.ErrorIs(t, s.Save(ctx, "orders", token(t, "01")), ErrStoreClosed)
			_, err = s.Records(ctx)
			assert.ErrorIs(t, err, ErrStoreClosed)
		})
	}
}

func TestBboltStore_Reopen(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	s, err := NewBboltStore(dir)
	require.NoError(t, err)
	require.NoError(t, s.Save(ctx, "orders", token(t, "0000000000000009")))
	require.NoError(t, s.Close())

	s, err = NewBboltStore(dir)
	require.NoError(t, err)
	defer s.Close()

	got, err := s.Load(ctx, "orders")
	require.NoError(t, err)
	assert.Equal(t, token(t, "0000000000000009"), got)
}

func TestMemoryStore_CopiesTokens(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	tok := token(t, "0000000000000001")
	require.NoError(t, s.Save(ctx, "orders", tok))
	tok[len(tok)-3] = '9'

	got, err := s.Load(ctx, "orders")
	require.NoError(t, err)
	assert.Equal(t, token(t, "0000000000000001"), got)
}
