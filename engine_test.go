package chatsync

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const waitFor = 2 * time.Second
const tick = 5 * time.Millisecond

func newTestEngine(t *testing.T, store Store, feed Feed, opts ...EngineOption) *Engine {
	t.Helper()
	e := NewEngine(store, feed, "me", opts...)
	t.Cleanup(func() { _ = e.Close() })
	return e
}

func seededStore() *fakeStore {
	s := newFakeStore()
	s.addConversation("c1", "me", "them")
	s.addConversation("c2", "other", "me")
	s.users["them"] = &User{Address: "them", Name: "Alice"}
	s.addMessage(msg("h1", "c1", "them", "hello"))
	s.addMessage(msg("h2", "c1", "me", "hi"))
	s.addMessage(msg("k1", "c2", "other", "yo"))
	return s
}

func TestEngineActivate(t *testing.T) {
	t.Run("loads conversation and history", func(t *testing.T) {
		store, feed := seededStore(), newFakeFeed()
		e := newTestEngine(t, store, feed)

		require.NoError(t, e.Activate(context.Background(), "c1"))

		assert.Equal(t, []string{"h1", "h2"}, ids(e.Messages()))
		st := e.Status()
		assert.Equal(t, "c1", st.ConversationID)
		require.NotNil(t, st.Counterpart)
		assert.Equal(t, "them", st.Counterpart.ID)
		assert.Equal(t, "Alice", st.Counterpart.Name)
		assert.False(t, st.LoadingConversation)
		assert.False(t, st.LoadingHistory)
		assert.Equal(t, SubSubscribed, st.Subscription)
		assert.NoError(t, st.ConversationErr)
		assert.NoError(t, st.HistoryErr)
	})

	t.Run("counterpart falls back to address", func(t *testing.T) {
		store, feed := seededStore(), newFakeFeed()
		e := newTestEngine(t, store, feed)

		require.NoError(t, e.Activate(context.Background(), "c2"))
		st := e.Status()
		require.NotNil(t, st.Counterpart)
		assert.Equal(t, "other", st.Counterpart.Name)
		assert.Equal(t, "other", st.Counterpart.Address)
	})

	t.Run("unknown conversation is reported in status", func(t *testing.T) {
		store, feed := seededStore(), newFakeFeed()
		e := newTestEngine(t, store, feed)

		require.NoError(t, e.Activate(context.Background(), "missing"))
		st := e.Status()
		assert.ErrorIs(t, st.ConversationErr, ErrNotFound)
		assert.Nil(t, st.Counterpart)
		assert.False(t, st.LoadingConversation)
	})

	t.Run("history failure leaves engine usable", func(t *testing.T) {
		store, feed := seededStore(), newFakeFeed()
		store.histErr = NewError(CodeTransport, "boom", nil)
		e := newTestEngine(t, store, feed)

		require.NoError(t, e.Activate(context.Background(), "c1"))
		st := e.Status()
		assert.ErrorIs(t, st.HistoryErr, ErrTransport)
		assert.Empty(t, e.Messages())

		created, err := e.Send(context.Background(), "still here", nil)
		require.NoError(t, err)
		assert.Equal(t, []string{created.ID}, ids(e.Messages()))
	})

	t.Run("subscribe failure is returned", func(t *testing.T) {
		store, feed := seededStore(), newFakeFeed()
		feed.setErr(NewError(CodeTransport, "dial", nil))
		e := newTestEngine(t, store, feed)

		err := e.Activate(context.Background(), "c1")
		assert.ErrorIs(t, err, ErrTransport)
		st := e.Status()
		assert.Equal(t, SubError, st.Subscription)
		assert.ErrorIs(t, st.SubscriptionErr, ErrTransport)
		// History still loaded.
		assert.Equal(t, []string{"h1", "h2"}, ids(e.Messages()))
	})
}

func TestEngineInsertBeforeHistory(t *testing.T) {
	cases := []struct {
		name   string
		pushed Message
		want   []string
	}{
		{"insert not in history", msg("p1", "c1", "them", "new"), []string{"h1", "h2", "p1"}},
		{"insert also in history", msg("h2", "c1", "them", "hi"), []string{"h1", "h2"}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			store, feed := seededStore(), newFakeFeed()
			store.histGate = make(chan struct{})
			e := newTestEngine(t, store, feed)

			done := make(chan error, 1)
			go func() { done <- e.Activate(context.Background(), "c1") }()

			var sub *fakeSub
			select {
			case sub = <-feed.opened:
			case <-time.After(waitFor):
				t.Fatal("subscription never opened")
			}
			require.True(t, sub.push(tc.pushed))
			close(store.histGate)

			require.NoError(t, <-done)
			assert.Equal(t, tc.want, ids(e.Messages()))
		})
	}
}

func TestEngineLiveInserts(t *testing.T) {
	store, feed := seededStore(), newFakeFeed()
	e := newTestEngine(t, store, feed)
	require.NoError(t, e.Activate(context.Background(), "c1"))
	sub := feed.latest()

	sub.push(msg("p1", "c1", "them", "new"))
	sub.push(msg("p1", "c1", "them", "new"))
	// Own echo: the send path already owns it.
	sub.push(msg("S9", "c1", "me", "echo"))

	assert.Equal(t, []string{"h1", "h2", "p1"}, ids(e.Messages()))
}

func TestEngineSend(t *testing.T) {
	t.Run("provisional entry replaced in place", func(t *testing.T) {
		store, feed := seededStore(), newFakeFeed()
		e := newTestEngine(t, store, feed)
		require.NoError(t, e.Activate(context.Background(), "c1"))

		store.mu.Lock()
		store.createGate = make(chan struct{})
		store.mu.Unlock()

		type result struct {
			m   *Message
			err error
		}
		done := make(chan result, 1)
		go func() {
			m, err := e.Send(context.Background(), "  ping  ", nil)
			done <- result{m, err}
		}()

		var local Entry
		require.Eventually(t, func() bool {
			entries := e.Messages()
			if len(entries) != 3 {
				return false
			}
			local = entries[2]
			return true
		}, waitFor, tick)
		assert.Equal(t, StateProvisional, local.State)
		assert.True(t, local.IsProvisional())
		assert.Equal(t, "ping", local.Body)
		assert.Equal(t, "me", local.SenderID)

		// A counterpart message lands while the send is in flight.
		feed.latest().push(msg("p1", "c1", "them", "meanwhile"))
		close(store.createGate)

		res := <-done
		require.NoError(t, res.err)
		require.NotNil(t, res.m)
		assert.Equal(t, "S1", res.m.ID)

		entries := e.Messages()
		assert.Equal(t, []string{"h1", "h2", "S1", "p1"}, ids(entries))
		assert.Equal(t, StateConfirmed, entries[2].State)
	})

	t.Run("failure rolls back", func(t *testing.T) {
		store, feed := seededStore(), newFakeFeed()
		store.createErr = NewError(CodeTransport, "rejected", nil)
		e := newTestEngine(t, store, feed)
		require.NoError(t, e.Activate(context.Background(), "c1"))

		m, err := e.Send(context.Background(), "lost", nil)
		assert.Nil(t, m)
		assert.ErrorIs(t, err, ErrTransport)
		assert.Equal(t, []string{"h1", "h2"}, ids(e.Messages()))
	})

	t.Run("blank body is a no-op", func(t *testing.T) {
		store, feed := seededStore(), newFakeFeed()
		e := newTestEngine(t, store, feed)
		require.NoError(t, e.Activate(context.Background(), "c1"))

		m, err := e.Send(context.Background(), " \n\t ", nil)
		assert.NoError(t, err)
		assert.Nil(t, m)
		assert.Empty(t, store.createdMsg)
		assert.Len(t, e.Messages(), 2)
	})

	t.Run("requires an active conversation", func(t *testing.T) {
		e := newTestEngine(t, seededStore(), newFakeFeed())
		_, err := e.Send(context.Background(), "hello", nil)
		assert.ErrorIs(t, err, ErrValidation)
	})

	t.Run("request kind gets a request id", func(t *testing.T) {
		store, feed := seededStore(), newFakeFeed()
		e := newTestEngine(t, store, feed)
		require.NoError(t, e.Activate(context.Background(), "c1"))

		m, err := e.Send(context.Background(), "can I borrow it?", &SendOptions{Kind: KindRequest})
		require.NoError(t, err)
		assert.Equal(t, KindRequest, m.Kind)
		assert.NotEmpty(t, m.RequestID)

		m, err = e.Send(context.Background(), "again", &SendOptions{Kind: KindRequest, RequestID: "r-1"})
		require.NoError(t, err)
		assert.Equal(t, "r-1", m.RequestID)
	})

	t.Run("clock stamps provisional entries", func(t *testing.T) {
		at := time.Date(2026, 3, 4, 5, 6, 7, 0, time.UTC)
		store, feed := seededStore(), newFakeFeed()
		e := newTestEngine(t, store, feed, WithClock(func() time.Time { return at }))
		require.NoError(t, e.Activate(context.Background(), "c1"))

		m, err := e.Send(context.Background(), "timed", nil)
		require.NoError(t, err)
		assert.Equal(t, at, m.CreatedAt)
	})

	t.Run("concurrent sends keep every message once", func(t *testing.T) {
		store, feed := seededStore(), newFakeFeed()
		e := newTestEngine(t, store, feed)
		require.NoError(t, e.Activate(context.Background(), "c1"))

		var wg sync.WaitGroup
		for i := 0; i < 10; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				_, err := e.Send(context.Background(), "burst", nil)
				assert.NoError(t, err)
			}()
		}
		wg.Wait()

		entries := e.Messages()
		assert.Len(t, entries, 12)
		for _, en := range entries {
			assert.Equal(t, StateConfirmed, en.State)
			assert.False(t, en.IsProvisional())
		}
	})
}

func TestEngineSwitchConversation(t *testing.T) {
	store, feed := seededStore(), newFakeFeed()
	e := newTestEngine(t, store, feed)

	require.NoError(t, e.Activate(context.Background(), "c1"))
	first := feed.latest()

	require.NoError(t, e.Activate(context.Background(), "c2"))
	second := feed.latest()

	total, live, maxLive := feed.counts()
	assert.Equal(t, 2, total)
	assert.Equal(t, 1, live)
	assert.Equal(t, 1, maxLive)
	assert.True(t, first.isClosed())
	assert.False(t, second.isClosed())
	assert.Equal(t, "c2", second.ConversationID())

	// The closed subscription cannot deliver, and a callback that slipped
	// past the close is fenced by the epoch.
	assert.False(t, first.push(msg("late", "c1", "them", "late")))
	first.onInsert(msg("late", "c1", "them", "late"))

	assert.Equal(t, []string{"k1"}, ids(e.Messages()))
	assert.Equal(t, "c2", e.Status().ConversationID)
	assert.Equal(t, "other", e.Status().Counterpart.ID)
}

func TestEngineKeepAlive(t *testing.T) {
	store, feed := seededStore(), newFakeFeed()
	e := newTestEngine(t, store, feed, WithKeepAliveInterval(10*time.Millisecond))
	require.NoError(t, e.Activate(context.Background(), "c1"))
	sub := feed.latest()

	require.Eventually(t, func() bool { return sub.keepAlives.Load() >= 3 }, waitFor, tick)
	assert.Equal(t, []string{"h1", "h2"}, ids(e.Messages()))

	require.NoError(t, e.Close())
	n := sub.keepAlives.Load()
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, n, sub.keepAlives.Load())
}

func TestEngineFeedLost(t *testing.T) {
	t.Run("without reconnect", func(t *testing.T) {
		store, feed := seededStore(), newFakeFeed()
		e := newTestEngine(t, store, feed)
		require.NoError(t, e.Activate(context.Background(), "c1"))

		feed.latest().fail(NewError(CodeTransport, "connection reset", nil))

		require.Eventually(t, func() bool { return e.Status().Subscription == SubError }, waitFor, tick)
		assert.ErrorIs(t, e.Status().SubscriptionErr, ErrTransport)
		total, _, _ := feed.counts()
		assert.Equal(t, 1, total)

		// Activate recovers.
		require.NoError(t, e.Activate(context.Background(), "c1"))
		assert.Equal(t, SubSubscribed, e.Status().Subscription)
	})

	t.Run("reconnects and catches up", func(t *testing.T) {
		store, feed := seededStore(), newFakeFeed()
		e := newTestEngine(t, store, feed, WithReconnect(ReconnectPolicy{
			BaseDelay:   5 * time.Millisecond,
			MaxDelay:    10 * time.Millisecond,
			MaxAttempts: 3,
		}))
		require.NoError(t, e.Activate(context.Background(), "c1"))
		first := feed.latest()

		// The store holds r1 before S1, while the log shows S1 first.
		store.addMessage(msg("r1", "c1", "them", "racing"))
		_, err := e.Send(context.Background(), "mine", nil)
		require.NoError(t, err)
		first.push(msg("r1", "c1", "them", "racing"))
		require.Equal(t, []string{"h1", "h2", "S1", "r1"}, ids(e.Messages()))

		store.addMessage(msg("missed", "c1", "them", "while down"))
		first.fail(NewError(CodeTransport, "connection reset", nil))

		require.Eventually(t, func() bool {
			total, live, _ := feed.counts()
			return total == 2 && live == 1 && e.Status().Subscription == SubSubscribed
		}, waitFor, tick)
		require.Eventually(t, func() bool {
			return assert.ObjectsAreEqual([]string{"h1", "h2", "S1", "r1", "missed"}, ids(e.Messages()))
		}, waitFor, tick)

		feed.latest().push(msg("p2", "c1", "them", "after"))
		assert.Equal(t, []string{"h1", "h2", "S1", "r1", "missed", "p2"}, ids(e.Messages()))
	})

	t.Run("gives up after max attempts", func(t *testing.T) {
		store, feed := seededStore(), newFakeFeed()
		e := newTestEngine(t, store, feed, WithReconnect(ReconnectPolicy{
			BaseDelay:   time.Millisecond,
			MaxDelay:    2 * time.Millisecond,
			MaxAttempts: 2,
		}))
		require.NoError(t, e.Activate(context.Background(), "c1"))

		feed.setErr(NewError(CodeTransport, "refused", nil))
		feed.latest().fail(NewError(CodeTransport, "connection reset", nil))

		require.Eventually(t, func() bool {
			st := e.Status()
			return st.Subscription == SubError && errors.Is(st.SubscriptionErr, ErrTransport)
		}, waitFor, tick)
	})
}

func TestEngineOnChange(t *testing.T) {
	store, feed := seededStore(), newFakeFeed()
	e := newTestEngine(t, store, feed)

	var mu sync.Mutex
	var seen []string
	e.OnChange(func(entries []Entry) {
		mu.Lock()
		seen = ids(entries)
		mu.Unlock()
	})

	require.NoError(t, e.Activate(context.Background(), "c1"))
	feed.latest().push(msg("p1", "c1", "them", "new"))

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return assert.ObjectsAreEqual([]string{"h1", "h2", "p1"}, seen)
	}, waitFor, tick)
}

func TestEngineClose(t *testing.T) {
	store, feed := seededStore(), newFakeFeed()
	e := NewEngine(store, feed, "me")
	require.NoError(t, e.Activate(context.Background(), "c1"))
	sub := feed.latest()

	require.NoError(t, e.Close())
	require.NoError(t, e.Close())

	assert.True(t, sub.isClosed())
	_, live, _ := feed.counts()
	assert.Equal(t, 0, live)
	assert.Equal(t, SubIdle, e.Status().Subscription)

	assert.ErrorIs(t, e.Activate(context.Background(), "c2"), ErrClosed)
	_, err := e.Send(context.Background(), "hello", nil)
	assert.ErrorIs(t, err, ErrClosed)
}
