//go:build integration

package pgstore

import (
	"context"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/heartline-app/chatsync"
)

// Run with: DATABASE_URL=postgres://... go test -tags=integration ./pgstore/

func openTestStore(t *testing.T) *Store {
	t.Helper()
	dsn := os.Getenv("DATABASE_URL")
	if dsn == "" {
		t.Skip("DATABASE_URL not set")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	s, err := Open(ctx, dsn, zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(s.Close)
	require.NoError(t, s.Migrate(ctx))
	require.NoError(t, s.Migrate(ctx), "migrate must be idempotent")
	return s
}

func uniqueAddress(prefix string) string {
	return prefix + "-" + time.Now().UTC().Format("150405.000000000")
}

func TestIntegrationStore(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	alice, bob := uniqueAddress("alice"), uniqueAddress("bob")
	require.NoError(t, s.SaveUser(ctx, &chatsync.User{Address: bob, Name: "Bob"}))

	conv, err := s.CreateConversation(ctx, alice, bob)
	require.NoError(t, err)

	got, err := s.FetchConversation(ctx, conv.ID)
	require.NoError(t, err)
	assert.Equal(t, bob, got.Counterpart(alice))

	found, err := s.FindConversation(ctx, bob, alice)
	require.NoError(t, err)
	assert.Equal(t, conv.ID, found.ID)

	list, err := s.ListConversations(ctx, alice)
	require.NoError(t, err)
	require.Len(t, list, 1)

	u, err := s.ResolveUser(ctx, bob)
	require.NoError(t, err)
	assert.Equal(t, "Bob", u.Name)
	_, err = s.ResolveUser(ctx, alice)
	assert.ErrorIs(t, err, chatsync.ErrNotFound)

	m1, err := s.CreateMessage(ctx, &chatsync.Message{ConversationID: conv.ID, SenderID: alice, Body: "one"})
	require.NoError(t, err)
	m2, err := s.CreateMessage(ctx, &chatsync.Message{ConversationID: conv.ID, SenderID: bob, Body: "two", Kind: chatsync.KindRequest, RequestID: "r-1"})
	require.NoError(t, err)

	msgs, err := s.FetchMessages(ctx, conv.ID)
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, m1.ID, msgs[0].ID)
	assert.Equal(t, m2.ID, msgs[1].ID)
	assert.Equal(t, "r-1", msgs[1].RequestID)

	_, err = s.FetchConversation(ctx, "999999999")
	assert.ErrorIs(t, err, chatsync.ErrNotFound)
	_, err = s.CreateMessage(ctx, &chatsync.Message{ConversationID: "999999999", SenderID: alice, Body: "x"})
	assert.ErrorIs(t, err, chatsync.ErrNotFound)
}

func TestIntegrationFeed(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	alice, bob := uniqueAddress("alice"), uniqueAddress("bob")
	conv, err := s.CreateConversation(ctx, alice, bob)
	require.NoError(t, err)
	other, err := s.CreateConversation(ctx, alice, uniqueAddress("carol"))
	require.NoError(t, err)

	var mu sync.Mutex
	var got []chatsync.Message
	feed := NewFeed(s.Pool(), zerolog.Nop())
	sub, err := feed.Subscribe(ctx, conv.ID, func(m chatsync.Message) {
		mu.Lock()
		got = append(got, m)
		mu.Unlock()
	})
	require.NoError(t, err)

	require.NoError(t, sub.SendKeepAlive(ctx))
	_, err = s.CreateMessage(ctx, &chatsync.Message{ConversationID: other.ID, SenderID: alice, Body: "elsewhere"})
	require.NoError(t, err)
	created, err := s.CreateMessage(ctx, &chatsync.Message{ConversationID: conv.ID, SenderID: bob, Body: "hello"})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) == 1
	}, 5*time.Second, 20*time.Millisecond)
	mu.Lock()
	assert.Equal(t, created.ID, got[0].ID)
	assert.Equal(t, "hello", got[0].Body)
	mu.Unlock()

	require.NoError(t, sub.Close())
	assert.NoError(t, sub.Err())

	_, err = s.CreateMessage(ctx, &chatsync.Message{ConversationID: conv.ID, SenderID: bob, Body: "after close"})
	require.NoError(t, err)
	time.Sleep(100 * time.Millisecond)
	mu.Lock()
	assert.Len(t, got, 1)
	mu.Unlock()
}

func TestIntegrationFeedLongBody(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	alice, bob := uniqueAddress("alice"), uniqueAddress("bob")
	conv, err := s.CreateConversation(ctx, alice, bob)
	require.NoError(t, err)

	got := make(chan chatsync.Message, 1)
	sub, err := NewFeed(s.Pool(), zerolog.Nop()).Subscribe(ctx, conv.ID, func(m chatsync.Message) { got <- m })
	require.NoError(t, err)
	defer sub.Close()

	// Larger than a NOTIFY payload may be.
	body := strings.Repeat("long message ", 2000)
	created, err := s.CreateMessage(ctx, &chatsync.Message{ConversationID: conv.ID, SenderID: bob, Body: body})
	require.NoError(t, err)

	select {
	case m := <-got:
		assert.Equal(t, created.ID, m.ID)
		assert.Equal(t, body, m.Body)
	case <-time.After(5 * time.Second):
		t.Fatal("long message not delivered")
	}
}

func TestIntegrationEngine(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	alice, bob := uniqueAddress("alice"), uniqueAddress("bob")
	conv, err := s.CreateConversation(ctx, alice, bob)
	require.NoError(t, err)
	_, err = s.CreateMessage(ctx, &chatsync.Message{ConversationID: conv.ID, SenderID: bob, Body: "hi alice"})
	require.NoError(t, err)

	e := chatsync.NewEngine(s, NewFeed(s.Pool(), zerolog.Nop()), alice)
	defer e.Close()
	require.NoError(t, e.Activate(ctx, conv.ID))
	require.Len(t, e.Messages(), 1)

	sent, err := e.Send(ctx, "hi bob", nil)
	require.NoError(t, err)

	// Bob writes directly to the store; alice sees it live.
	reply, err := s.CreateMessage(ctx, &chatsync.Message{ConversationID: conv.ID, SenderID: bob, Body: "how are you"})
	require.NoError(t, err)

	require.Eventually(t, func() bool { return len(e.Messages()) == 3 }, 5*time.Second, 20*time.Millisecond)
	entries := e.Messages()
	assert.Equal(t, sent.ID, entries[1].ID)
	assert.Equal(t, reply.ID, entries[2].ID)
}
