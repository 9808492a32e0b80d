package chatsync

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"
)

// ============================================================================
// fakeStore
// ============================================================================

type fakeStore struct {
	mu        sync.Mutex
	convs     map[string]*Conversation
	msgs      map[string][]Message
	users     map[string]*User
	convErr   error
	histErr   error
	userErr   error
	createErr error

	// When set, FetchMessages / CreateMessage block until the channel is closed.
	histGate   chan struct{}
	createGate chan struct{}

	nextID     int
	histCalls  atomic.Int64
	createdMsg []Message
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		convs: make(map[string]*Conversation),
		msgs:  make(map[string][]Message),
		users: make(map[string]*User),
	}
}

func (s *fakeStore) addConversation(id, a, b string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.convs[id] = &Conversation{ID: id, ParticipantA: a, ParticipantB: b}
}

func (s *fakeStore) addMessage(m Message) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.msgs[m.ConversationID] = append(s.msgs[m.ConversationID], m)
}

func (s *fakeStore) FetchConversation(ctx context.Context, id string) (*Conversation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.convErr != nil {
		return nil, s.convErr
	}
	c, ok := s.convs[id]
	if !ok {
		return nil, NewError(CodeNotFound, "conversation "+id, nil)
	}
	cp := *c
	return &cp, nil
}

func (s *fakeStore) FetchMessages(ctx context.Context, id string) ([]Message, error) {
	s.histCalls.Add(1)
	s.mu.Lock()
	gate := s.histGate
	s.mu.Unlock()
	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.histErr != nil {
		return nil, s.histErr
	}
	return append([]Message(nil), s.msgs[id]...), nil
}

func (s *fakeStore) CreateMessage(ctx context.Context, m *Message) (*Message, error) {
	s.mu.Lock()
	gate := s.createGate
	s.mu.Unlock()
	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.createErr != nil {
		return nil, s.createErr
	}
	s.nextID++
	created := *m
	created.ID = fmt.Sprintf("S%d", s.nextID)
	s.msgs[m.ConversationID] = append(s.msgs[m.ConversationID], created)
	s.createdMsg = append(s.createdMsg, created)
	return &created, nil
}

func (s *fakeStore) ResolveUser(ctx context.Context, id string) (*User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.userErr != nil {
		return nil, s.userErr
	}
	u, ok := s.users[id]
	if !ok {
		return nil, NewError(CodeNotFound, "user "+id, nil)
	}
	return u, nil
}

// ============================================================================
// fakeFeed
// ============================================================================

type fakeFeed struct {
	mu      sync.Mutex
	subs    []*fakeSub
	err     error
	live    int
	maxLive int
	opened  chan *fakeSub
}

func newFakeFeed() *fakeFeed {
	return &fakeFeed{opened: make(chan *fakeSub, 16)}
}

func (f *fakeFeed) Subscribe(ctx context.Context, id string, onInsert func(Message)) (Subscription, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	s := &fakeSub{feed: f, id: id, onInsert: onInsert, done: make(chan struct{})}
	f.subs = append(f.subs, s)
	f.live++
	if f.live > f.maxLive {
		f.maxLive = f.live
	}
	f.opened <- s
	return s, nil
}

func (f *fakeFeed) setErr(err error) {
	f.mu.Lock()
	f.err = err
	f.mu.Unlock()
}

func (f *fakeFeed) latest() *fakeSub {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.subs) == 0 {
		return nil
	}
	return f.subs[len(f.subs)-1]
}

func (f *fakeFeed) counts() (total, live, maxLive int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.subs), f.live, f.maxLive
}

type fakeSub struct {
	feed     *fakeFeed
	id       string
	onInsert func(Message)

	mu         sync.Mutex
	closed     bool
	err        error
	done       chan struct{}
	keepAlives atomic.Int64
}

func (s *fakeSub) ConversationID() string { return s.id }
func (s *fakeSub) Done() <-chan struct{}  { return s.done }

func (s *fakeSub) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

func (s *fakeSub) SendKeepAlive(ctx context.Context) error {
	s.keepAlives.Add(1)
	return nil
}

func (s *fakeSub) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	select {
	case <-s.done:
	default:
		close(s.done)
	}
	s.feed.mu.Lock()
	s.feed.live--
	s.feed.mu.Unlock()
	return nil
}

func (s *fakeSub) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// push delivers an insert unless the subscription is closed. It reports
// whether the callback ran.
func (s *fakeSub) push(m Message) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	s.onInsert(m)
	return true
}

// fail simulates a transport failure.
func (s *fakeSub) fail(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.err = err
	select {
	case <-s.done:
	default:
		close(s.done)
	}
}

func msg(id, conv, sender, body string) Message {
	return Message{
		ID:             id,
		ConversationID: conv,
		SenderID:       sender,
		Body:           body,
		CreatedAt:      time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC),
		Kind:           KindText,
	}
}

func ids(entries []Entry) []string {
	out := make([]string, len(entries))
	for i, e := range entries {
		out[i] = e.ID
	}
	return out
}
