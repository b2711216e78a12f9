package history

import (
	"context"
	"fmt"
	"strings"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
)

func setupStore(t *testing.T) *Store {
	t.Helper()
	store, err := Open("sqlite", fmt.Sprintf("file:%s?mode=memory&cache=shared", uuid.NewString()))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

const user = "0x00000000000000000000000000000000000000AA"

func TestSaveAssignsIdentity(t *testing.T) {
	store := setupStore(t)
	at := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	store.now = func() time.Time { return at }

	rec, err := store.Save(context.Background(), Record{User: user, ChainID: 8453, Token: "USDC", AmountUSD: 376.47, Success: true})
	require.NoError(t, err)
	require.NotEqual(t, uuid.Nil, rec.ID)
	require.Equal(t, at, rec.CreatedAt)
	require.Equal(t, strings.ToLower(user), rec.User)
}

func TestSaveTruncatesErrorOnRuneBoundary(t *testing.T) {
	store := setupStore(t)
	// 511 ASCII bytes followed by a 3-byte rune straddles the column limit.
	msg := strings.Repeat("x", 511) + "€" + "tail"

	rec, err := store.Save(context.Background(), Record{User: user, ChainID: 8453, Token: "USDC", Error: msg})
	require.NoError(t, err)
	require.True(t, utf8.ValidString(rec.Error))
	require.Equal(t, strings.Repeat("x", 511), rec.Error)

	recent, err := store.Recent(context.Background(), 1)
	require.NoError(t, err)
	require.Len(t, recent, 1)
	require.Equal(t, rec.Error, recent[0].Error)

	require.Equal(t, "ab€", truncateUTF8("ab€", 5))
	require.Equal(t, "ab", truncateUTF8("ab€", 4))
}

func TestLastSuccessIgnoresFailures(t *testing.T) {
	store := setupStore(t)
	ctx := context.Background()
	base := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

	_, found, err := store.LastSuccess(ctx, user)
	require.NoError(t, err)
	require.False(t, found)

	_, err = store.Save(ctx, Record{User: user, Success: true, CreatedAt: base})
	require.NoError(t, err)
	_, err = store.Save(ctx, Record{User: user, Success: false, FailureKind: "reverted", CreatedAt: base.Add(time.Hour)})
	require.NoError(t, err)
	_, err = store.Save(ctx, Record{User: "0x00000000000000000000000000000000000000bb", Success: true, CreatedAt: base.Add(2 * time.Hour)})
	require.NoError(t, err)

	last, found, err := store.LastSuccess(ctx, strings.ToLower(user))
	require.NoError(t, err)
	require.True(t, found)
	require.True(t, base.Equal(last), "got %s", last)
}

func TestRecentNewestFirst(t *testing.T) {
	store := setupStore(t)
	ctx := context.Background()
	base := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	for i := 0; i < 5; i++ {
		_, err := store.Save(ctx, Record{User: user, TxID: fmt.Sprintf("0x%02d", i), CreatedAt: base.Add(time.Duration(i) * time.Minute)})
		require.NoError(t, err)
	}
	recs, err := store.Recent(ctx, 3)
	require.NoError(t, err)
	require.Len(t, recs, 3)
	require.Equal(t, "0x04", recs[0].TxID)
	require.Equal(t, "0x02", recs[2].TxID)
}

func TestOpenRejectsUnknownDriver(t *testing.T) {
	_, err := Open("mysql", "dsn")
	require.ErrorIs(t, err, ErrUnsupportedDriver)
}

func TestNilStore(t *testing.T) {
	var store *Store
	_, err := store.Save(context.Background(), Record{})
	require.ErrorIs(t, err, ErrNilStore)
	_, _, err = store.LastSuccess(context.Background(), user)
	require.ErrorIs(t, err, ErrNilStore)
	require.NoError(t, store.Close())
}
