package infra

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"sort"
	"sync"
	"time"

	"circuit_go/internal/domain"

	"github.com/cenkalti/backoff/v5"
	"github.com/gorilla/websocket"
)

const (
	streamPingInterval = 30 * time.Second
	streamReadTimeout  = 60 * time.Second
	streamMaxBuffered  = 100_000
)

// streamMessage is a text frame of the quote stream.
type streamMessage struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

// QuoteStream keeps a WebSocket subscription open and buffers every quote
// pushed between two polling cycles. FetchBatch drains the buffer.
// It implements domain.QuoteReader.
type QuoteStream struct {
	wsURL       string
	apiKey      string
	accessToken string
	loc         *time.Location
	metrics     *Metrics
	backoff     *backoff.ExponentialBackOff

	conn      *websocket.Conn
	mu        sync.RWMutex
	writeMu   sync.Mutex
	connected bool
	index     instrumentIndex
	tokens    []int64

	bufMu   sync.Mutex
	buffer  []domain.QuoteSnapshot
	dropped int

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewQuoteStream creates a stream reader from the source section of cfg.
func NewQuoteStream(cfg *Config, loc *time.Location) *QuoteStream {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = time.Second
	b.MaxInterval = 60 * time.Second

	return &QuoteStream{
		wsURL:       cfg.Source.WSURL,
		apiKey:      cfg.Source.APIKey,
		accessToken: cfg.Source.AccessToken,
		loc:         loc,
		metrics:     GlobalMetrics,
		backoff:     b,
		index:       newInstrumentIndex(nil),
	}
}

// SetInstruments replaces the subscription set. It takes effect on the next
// (re)connect, or immediately when connected.
func (s *QuoteStream) SetInstruments(list []domain.Instrument) {
	idx := newInstrumentIndex(list)
	tokens := make([]int64, 0, len(idx.byToken))
	for tok := range idx.byToken {
		tokens = append(tokens, tok)
	}
	sort.Slice(tokens, func(i, j int) bool { return tokens[i] < tokens[j] })

	s.mu.Lock()
	s.index = idx
	s.tokens = tokens
	connected := s.connected
	s.mu.Unlock()

	if connected {
		if err := s.subscribe(); err != nil {
			slog.Warn("Quote stream resubscribe failed", slog.Any("error", err))
		}
	}
}

// Connect starts the WebSocket connection loop
func (s *QuoteStream) Connect(ctx context.Context) error {
	ctx, s.cancel = context.WithCancel(ctx)
	s.wg.Add(1)
	go s.connectionLoop(ctx)
	return nil
}

// FetchBatch returns and clears everything received since the previous call.
func (s *QuoteStream) FetchBatch(ctx context.Context) ([]domain.QuoteSnapshot, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.bufMu.Lock()
	batch := s.buffer
	dropped := s.dropped
	s.buffer = nil
	s.dropped = 0
	s.bufMu.Unlock()

	if dropped > 0 {
		slog.Warn("Quote stream buffer overflowed", slog.Int("dropped", dropped))
	}
	if len(batch) == 0 {
		return nil, domain.ErrNoSnapshots
	}
	return batch, nil
}

func (s *QuoteStream) connectionLoop(ctx context.Context) {
	defer s.wg.Done()
	defer func() {
		if r := recover(); r != nil {
			slog.Error("Quote stream panic recovered", slog.Any("panic", r))
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		if err := s.connect(ctx); err != nil {
			delay := s.backoff.NextBackOff()
			slog.Warn("Quote stream connection failed", slog.Any("error", err), slog.Duration("retry_in", delay))
			s.metrics.RecordError()
			select {
			case <-ctx.Done():
				return
			case <-time.After(delay):
				continue
			}
		}

		s.backoff.Reset()
		s.readLoop(ctx)
	}
}

func (s *QuoteStream) connect(ctx context.Context) error {
	u, err := url.Parse(s.wsURL)
	if err != nil {
		return fmt.Errorf("invalid ws url: %w", err)
	}
	q := u.Query()
	if s.apiKey != "" {
		q.Set("api_key", s.apiKey)
	}
	if s.accessToken != "" {
		q.Set("access_token", s.accessToken)
	}
	u.RawQuery = q.Encode()

	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	header := make(http.Header)
	header.Set("User-Agent", DefaultUserAgent)
	header.Set("X-Kite-Version", "3")

	conn, _, err := dialer.DialContext(ctx, u.String(), header)
	if err != nil {
		return fmt.Errorf("dial failed: %w", err)
	}

	s.mu.Lock()
	s.conn = conn
	s.connected = true
	s.mu.Unlock()
	s.metrics.IncrementConnections()

	if err := s.subscribe(); err != nil {
		s.closeConnection()
		return err
	}

	s.mu.RLock()
	n := len(s.tokens)
	s.mu.RUnlock()
	slog.Info("✅ Quote stream connected", slog.Int("subs", n))
	return nil
}

// subscribe sends the subscription and full-mode requests for every token.
func (s *QuoteStream) subscribe() error {
	s.mu.RLock()
	tokens := s.tokens
	s.mu.RUnlock()

	if len(tokens) == 0 {
		return nil
	}

	msgs := []any{
		map[string]any{"a": "subscribe", "v": tokens},
		map[string]any{"a": "mode", "v": []any{"full", tokens}},
	}
	for _, m := range msgs {
		b, err := json.Marshal(m)
		if err != nil {
			return err
		}
		if err := s.threadSafeWrite(websocket.TextMessage, b); err != nil {
			return err
		}
	}
	return nil
}

func (s *QuoteStream) threadSafeWrite(msgType int, data []byte) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.conn == nil {
		return errors.New("no conn")
	}
	return s.conn.WriteMessage(msgType, data)
}

func (s *QuoteStream) readLoop(ctx context.Context) {
	pingDone := make(chan struct{})
	defer close(pingDone)
	go s.pingLoop(pingDone)

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		s.mu.RLock()
		conn := s.conn
		s.mu.RUnlock()
		if conn == nil {
			return
		}
		conn.SetReadDeadline(time.Now().Add(streamReadTimeout))

		msgType, msg, err := conn.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure) {
				slog.Warn("Quote stream read failed", slog.Any("error", err))
			}
			s.closeConnection()
			return
		}
		if msgType == websocket.TextMessage {
			s.handleMessage(msg)
		}
	}
}

func (s *QuoteStream) pingLoop(done <-chan struct{}) {
	ticker := time.NewTicker(streamPingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			if err := s.threadSafeWrite(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (s *QuoteStream) handleMessage(msg []byte) {
	var m streamMessage
	if json.Unmarshal(msg, &m) != nil {
		return
	}

	switch m.Type {
	case "quote":
		var entry quoteEntry
		if err := json.Unmarshal(m.Data, &entry); err != nil {
			slog.Debug("Quote stream: bad quote frame", slog.Any("error", err))
			return
		}
		s.mu.RLock()
		inst := s.index.byToken[entry.InstrumentToken]
		s.mu.RUnlock()
		s.push(entry.toSnapshot(inst, s.loc))
	case "error":
		var text string
		json.Unmarshal(m.Data, &text)
		slog.Warn("Quote stream error message", slog.String("message", text))
	}
}

func (s *QuoteStream) push(snap domain.QuoteSnapshot) {
	s.bufMu.Lock()
	defer s.bufMu.Unlock()
	if len(s.buffer) >= streamMaxBuffered {
		s.dropped++
		return
	}
	s.buffer = append(s.buffer, snap)
}

func (s *QuoteStream) closeConnection() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn != nil {
		s.conn.Close()
		s.conn = nil
		s.metrics.DecrementConnections()
	}
	s.connected = false
}

// Disconnect stops the connection loop and closes the socket.
func (s *QuoteStream) Disconnect() {
	if s.cancel != nil {
		s.cancel()
	}
	s.closeConnection()
	s.wg.Wait()
}
