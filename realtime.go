package chatsync

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"nhooyr.io/websocket"
)

// ============================================================================
// Feed
// ============================================================================

// Feed opens live insert subscriptions scoped to one conversation.
type Feed interface {
	Subscribe(ctx context.Context, conversationID string, onInsert func(Message)) (Subscription, error)
}

// Subscription is an open live channel bound to exactly one conversation.
// Done is closed when the channel ends; Err then reports a transport failure,
// or nil after Close.
type Subscription interface {
	ConversationID() string
	SendKeepAlive(ctx context.Context) error
	Done() <-chan struct{}
	Err() error
	Close() error
}

// ============================================================================
// Wire Types
// ============================================================================

// Event types of the realtime protocol.
const (
	EventAuthenticated = "authenticated"
	EventJoined        = "conversation.joined"
	EventMessageNew    = "message.new"
	EventPong          = "pong"
	EventError         = "error"

	CommandJoin = "conversation.join"
	CommandPing = "ping"
)

// RealtimeEnvelope is the wire format for all server events.
type RealtimeEnvelope struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

// RealtimeCommand is a client-to-server command.
type RealtimeCommand struct {
	Type      string      `json:"type"`
	Payload   interface{} `json:"payload"`
	RequestID string      `json:"requestId,omitempty"`
}

// JoinedPayload confirms a conversation.join.
type JoinedPayload struct {
	ConversationID string `json:"conversationId"`
}

// MessageNewPayload is sent when a message is inserted into a joined conversation.
type MessageNewPayload struct {
	ConversationID string  `json:"conversationId"`
	Message        Message `json:"message"`
}

// RealtimeErrorPayload is sent when a server-side error occurs.
type RealtimeErrorPayload struct {
	Message string `json:"message"`
}

// ============================================================================
// Configuration
// ============================================================================

// FeedConfig configures the WebSocket feed.
type FeedConfig struct {
	Token       string
	DialTimeout time.Duration
	HTTPClient  *http.Client
}

func (c *FeedConfig) defaults() {
	if c.DialTimeout == 0 {
		c.DialTimeout = 10 * time.Second
	}
	if c.HTTPClient == nil {
		c.HTTPClient = http.DefaultClient
	}
}

// ============================================================================
// WSFeed
// ============================================================================

// WSFeed opens one WebSocket connection per subscription.
type WSFeed struct {
	baseURL string
	config  FeedConfig
}

var _ Feed = (*WSFeed)(nil)

// NewWSFeed creates a feed against baseURL (http(s) or ws(s)).
func NewWSFeed(baseURL string, config *FeedConfig) *WSFeed {
	var cfg FeedConfig
	if config != nil {
		cfg = *config
	}
	cfg.defaults()
	return &WSFeed{baseURL: strings.TrimRight(baseURL, "/"), config: cfg}
}

// URL returns the WebSocket endpoint.
func (f *WSFeed) URL() string {
	u := strings.Replace(f.baseURL, "https://", "wss://", 1)
	u = strings.Replace(u, "http://", "ws://", 1)
	if f.config.Token != "" {
		return u + "/ws?" + url.Values{"token": {f.config.Token}}.Encode()
	}
	return u + "/ws"
}

// Subscribe dials, waits for authentication, joins conversationID and waits
// for the join confirmation. onInsert is called from the read goroutine for
// each insert in that conversation until the subscription ends.
func (f *WSFeed) Subscribe(ctx context.Context, conversationID string, onInsert func(Message)) (Subscription, error) {
	openCtx, cancelOpen := context.WithTimeout(ctx, f.config.DialTimeout)
	defer cancelOpen()

	conn, _, err := websocket.Dial(openCtx, f.URL(), &websocket.DialOptions{HTTPClient: f.config.HTTPClient})
	if err != nil {
		return nil, NewError(CodeTransport, "websocket dial", err)
	}

	fail := func(code ErrorCode, msg string, err error) (Subscription, error) {
		conn.Close(websocket.StatusNormalClosure, "")
		return nil, NewError(code, msg, err)
	}

	env, err := readEnvelope(openCtx, conn)
	if err != nil {
		return fail(CodeTransport, "read auth message", err)
	}
	if env.Type != EventAuthenticated {
		if env.Type == EventError {
			return fail(CodeUnauthorized, errorMessage(env), nil)
		}
		return fail(CodeTransport, fmt.Sprintf("expected '%s', got '%s'", EventAuthenticated, env.Type), nil)
	}

	if err := writeCommand(openCtx, conn, &RealtimeCommand{
		Type:    CommandJoin,
		Payload: map[string]string{"conversationId": conversationID},
	}); err != nil {
		return fail(CodeTransport, "send join", err)
	}

	// Wait for the join confirmation; anything else before it is ignored.
	for {
		env, err := readEnvelope(openCtx, conn)
		if err != nil {
			return fail(CodeTransport, "await join", err)
		}
		if env.Type == EventError {
			return fail(CodeNotFound, errorMessage(env), nil)
		}
		if env.Type != EventJoined {
			continue
		}
		var p JoinedPayload
		if json.Unmarshal(env.Payload, &p) == nil && p.ConversationID == conversationID {
			break
		}
	}

	subCtx, cancel := context.WithCancel(context.Background())
	sub := &wsSubscription{
		conversationID: conversationID,
		conn:           conn,
		cancel:         cancel,
		onInsert:       onInsert,
		done:           make(chan struct{}),
	}
	go sub.readLoop(subCtx)
	return sub, nil
}

// ============================================================================
// wsSubscription
// ============================================================================

type wsSubscription struct {
	conversationID string
	conn           *websocket.Conn
	cancel         context.CancelFunc
	onInsert       func(Message)

	mu               sync.Mutex
	intentionalClose bool
	err              error
	done             chan struct{}
	pingCounter      atomic.Int64
}

func (s *wsSubscription) ConversationID() string { return s.conversationID }

func (s *wsSubscription) Done() <-chan struct{} { return s.done }

func (s *wsSubscription) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// SendKeepAlive writes a ping command. The reply is not awaited.
func (s *wsSubscription) SendKeepAlive(ctx context.Context) error {
	select {
	case <-s.done:
		return NewError(CodeTransport, "subscription closed", nil)
	default:
	}
	n := s.pingCounter.Add(1)
	if err := writeCommand(ctx, s.conn, &RealtimeCommand{
		Type:      CommandPing,
		Payload:   map[string]string{"requestId": fmt.Sprintf("ping-%d", n)},
		RequestID: fmt.Sprintf("ping-%d", n),
	}); err != nil {
		return NewError(CodeTransport, "keep-alive", err)
	}
	return nil
}

// Close ends the subscription and waits for the read goroutine, so no insert
// is delivered after Close returns.
func (s *wsSubscription) Close() error {
	s.mu.Lock()
	already := s.intentionalClose
	s.intentionalClose = true
	s.mu.Unlock()
	if already {
		<-s.done
		return nil
	}

	// The close error is uninteresting: the peer may already be gone.
	_ = s.conn.Close(websocket.StatusNormalClosure, "client unsubscribe")
	s.cancel()
	<-s.done
	return nil
}

func (s *wsSubscription) readLoop(ctx context.Context) {
	defer close(s.done)
	defer s.cancel()

	for {
		_, data, err := s.conn.Read(ctx)
		if err != nil {
			s.mu.Lock()
			if !s.intentionalClose {
				s.err = NewError(CodeTransport, "feed read", err)
			}
			s.mu.Unlock()
			return
		}

		var env RealtimeEnvelope
		if json.Unmarshal(data, &env) != nil {
			continue
		}

		switch env.Type {
		case EventMessageNew:
			var p MessageNewPayload
			if json.Unmarshal(env.Payload, &p) != nil {
				continue
			}
			if p.Message.ConversationID == "" {
				p.Message.ConversationID = p.ConversationID
			}
			if p.Message.ConversationID != s.conversationID || p.Message.ID == "" {
				continue
			}
			s.mu.Lock()
			closing := s.intentionalClose
			s.mu.Unlock()
			if closing {
				continue
			}
			s.onInsert(p.Message)
		case EventError:
			s.mu.Lock()
			s.err = NewError(CodeTransport, errorMessage(&env), nil)
			s.mu.Unlock()
			s.conn.Close(websocket.StatusPolicyViolation, "server error")
			return
		}
	}
}

// ============================================================================
// Helpers
// ============================================================================

func readEnvelope(ctx context.Context, conn *websocket.Conn) (*RealtimeEnvelope, error) {
	_, data, err := conn.Read(ctx)
	if err != nil {
		return nil, err
	}
	var env RealtimeEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("decode envelope: %w", err)
	}
	return &env, nil
}

func writeCommand(ctx context.Context, conn *websocket.Conn, cmd *RealtimeCommand) error {
	data, err := json.Marshal(cmd)
	if err != nil {
		return err
	}
	return conn.Write(ctx, websocket.MessageText, data)
}

func errorMessage(env *RealtimeEnvelope) string {
	var p RealtimeErrorPayload
	if json.Unmarshal(env.Payload, &p) == nil && p.Message != "" {
		return p.Message
	}
	return "server error"
}
