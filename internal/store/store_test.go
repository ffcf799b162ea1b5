package store_test

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rudransh-shrivastava/peer-trade/internal/store"
)

func setupInbox(t *testing.T) *store.Inbox {
	t.Helper()
	inbox, err := store.Open("")
	require.NoError(t, err)
	t.Cleanup(func() { _ = inbox.Close() })
	return inbox
}

func TestInbox_SaveAndRecent(t *testing.T) {
	inbox := setupInbox(t)
	ctx := context.Background()
	base := time.Unix(1700000000, 0)

	for i, text := range []string{"one", "two", "three"} {
		require.NoError(t, inbox.Save(ctx, &store.InboxMessage{
			Kind:       store.KindChat,
			FromPeer:   "peer-a",
			FromUser:   "alice",
			Text:       text,
			ReceivedAt: base.Add(time.Duration(i) * time.Second),
		}))
	}

	msgs, err := inbox.Recent(ctx, 2)
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, "two", msgs[0].Text)
	assert.Equal(t, "three", msgs[1].Text)
	assert.Equal(t, store.KindChat, msgs[1].Kind)
	assert.Equal(t, "alice", msgs[1].FromUser)
}

func TestInbox_RecentMoreThanStored(t *testing.T) {
	inbox := setupInbox(t)
	ctx := context.Background()

	require.NoError(t, inbox.Save(ctx, &store.InboxMessage{Kind: store.KindDirect, FromPeer: "p", Text: "psst"}))

	msgs, err := inbox.Recent(ctx, 50)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, store.KindDirect, msgs[0].Kind)
	assert.False(t, msgs[0].ReceivedAt.IsZero())

	msgs, err = inbox.Recent(ctx, 0)
	require.NoError(t, err)
	assert.Empty(t, msgs)
}

func TestInbox_PersistsToFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "inbox.db")
	ctx := context.Background()

	inbox, err := store.Open(path)
	require.NoError(t, err)
	require.NoError(t, inbox.Save(ctx, &store.InboxMessage{Kind: store.KindChat, FromPeer: "p", Text: "kept"}))
	require.NoError(t, inbox.Close())

	inbox, err = store.Open(path)
	require.NoError(t, err)
	defer inbox.Close()

	msgs, err := inbox.Recent(ctx, 10)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, "kept", msgs[0].Text)
}
