// Package stt streams caller audio to Deepgram's realtime transcription
// websocket and surfaces partial and final transcripts through callbacks.
package stt

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/aria-voice/aria/internal/reliability"
)

const (
	connectTimeout      = 10 * time.Second
	maxQueuedChunks     = 100
	finalDedupWindow    = 3 * time.Second
	maxSilencePromotion = 1500 * time.Millisecond
)

var ErrClosed = errors.New("stt: client closed")

// State tracks the upstream connection lifecycle.
type State int32

const (
	StateConnecting State = iota
	StateOpen
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

type Config struct {
	APIKey           string
	BaseURL          string
	Model            string
	Language         string
	DisableReconnect bool
	MaxReconnects    int
}

// OpenOptions configure a single transcription stream.
type OpenOptions struct {
	Encoding       string
	SampleRate     int
	Channels       int
	UtteranceEndMS int
	EndpointingMS  int
	NoPunctSeconds float64
	Language       string
}

// Callbacks receive transcripts and errors. They are invoked from the
// client's read goroutine and must not block.
type Callbacks struct {
	OnPartial func(text string)
	OnFinal   func(text string, startTS, endTS int64)
	OnError   func(err error, fatal bool)
}

// Dialer is swapped out in tests to target a local websocket server.
type Dialer func(ctx context.Context, urlStr string, header http.Header) (*websocket.Conn, *http.Response, error)

type Client struct {
	cfg    Config
	opts   OpenOptions
	cbs    Callbacks
	dialer Dialer

	mu       sync.Mutex
	writeMu  sync.Mutex
	conn     *websocket.Conn
	state    State
	opened   bool
	closed   bool
	attempts int

	// Audio received while (re)connecting, drained FIFO once open.
	queue   [][]byte
	dropped int

	// Finals held back waiting for speech_final or an utterance end,
	// plus the latest interim so a lone partial followed by silence is
	// still promoted to a final.
	pendingFinal string
	pendingStart int64
	lastInterim  string
	interimStart int64
	silenceTimer *time.Timer

	lastFinalNorm string
	lastFinalAt   time.Time
}

func NewClient(cfg Config, opts OpenOptions, cbs Callbacks) *Client {
	if strings.TrimSpace(cfg.BaseURL) == "" {
		cfg.BaseURL = "wss://api.deepgram.com"
	}
	if strings.TrimSpace(cfg.Model) == "" {
		cfg.Model = "nova-2"
	}
	if cfg.MaxReconnects <= 0 {
		cfg.MaxReconnects = reliability.MaxReconnects
	}
	if opts.SampleRate <= 0 {
		opts.SampleRate = 16000
	}
	if opts.Channels <= 0 {
		opts.Channels = 1
	}
	if opts.UtteranceEndMS < 1000 {
		opts.UtteranceEndMS = 1000
	}
	if opts.EndpointingMS < 300 {
		opts.EndpointingMS = 300
	}
	return &Client{
		cfg:    cfg,
		opts:   opts,
		cbs:    cbs,
		state:  StateConnecting,
		dialer: defaultDial,
	}
}

func defaultDial(ctx context.Context, urlStr string, header http.Header) (*websocket.Conn, *http.Response, error) {
	return websocket.DefaultDialer.DialContext(ctx, urlStr, header)
}

// SetDialer must be called before Open.
func (c *Client) SetDialer(d Dialer) { c.dialer = d }

func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// DroppedChunks reports audio chunks discarded because the connect queue
// overflowed.
func (c *Client) DroppedChunks() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.dropped
}

func (c *Client) streamURL() (string, error) {
	u, err := url.Parse(strings.TrimRight(c.cfg.BaseURL, "/") + "/v1/listen")
	if err != nil {
		return "", err
	}
	lang := c.opts.Language
	if lang == "" {
		lang = c.cfg.Language
	}
	if lang == "" {
		lang = "en"
	}
	q := u.Query()
	q.Set("model", c.cfg.Model)
	q.Set("language", lang)
	q.Set("encoding", c.opts.Encoding)
	q.Set("sample_rate", strconv.Itoa(c.opts.SampleRate))
	q.Set("channels", strconv.Itoa(c.opts.Channels))
	q.Set("interim_results", "true")
	q.Set("punctuate", "true")
	q.Set("smart_format", "true")
	q.Set("utterance_end_ms", strconv.Itoa(c.opts.UtteranceEndMS))
	q.Set("endpointing", strconv.Itoa(c.opts.EndpointingMS))
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// Open dials the upstream and starts the read loop. It returns once the
// first connection attempt is scheduled; audio sent before the socket is
// open is queued. Repeated calls are no-ops.
func (c *Client) Open(ctx context.Context) {
	c.mu.Lock()
	if c.opened || c.closed {
		c.mu.Unlock()
		return
	}
	c.opened = true
	c.mu.Unlock()
	go c.connect(ctx)
}

func (c *Client) connect(ctx context.Context) {
	for {
		c.mu.Lock()
		if c.closed {
			c.mu.Unlock()
			return
		}
		c.state = StateConnecting
		attempt := c.attempts
		c.mu.Unlock()

		urlStr, err := c.streamURL()
		if err != nil {
			c.fail(fmt.Errorf("stt url: %w", err), true)
			return
		}

		header := http.Header{}
		header.Set("Authorization", "Token "+c.cfg.APIKey)

		dialCtx, cancel := context.WithTimeout(ctx, connectTimeout)
		conn, resp, err := c.dialer(dialCtx, urlStr, header)
		cancel()
		if err != nil {
			if resp != nil && reliability.IsFatalUpgradeStatus(resp.StatusCode) {
				c.fail(fmt.Errorf("stt handshake rejected: status %d", resp.StatusCode), true)
				return
			}
			if ctx.Err() != nil {
				c.fail(ctx.Err(), true)
				return
			}
			if c.cfg.DisableReconnect || attempt >= c.cfg.MaxReconnects {
				c.fail(fmt.Errorf("stt connect: %w", err), true)
				return
			}
			c.mu.Lock()
			c.attempts++
			c.mu.Unlock()
			if c.cbs.OnError != nil {
				c.cbs.OnError(fmt.Errorf("stt connect attempt %d: %w", attempt+1, err), false)
			}
			select {
			case <-time.After(reliability.ReconnectDelay(attempt)):
			case <-ctx.Done():
				c.fail(ctx.Err(), true)
				return
			}
			continue
		}

		c.mu.Lock()
		if c.closed {
			c.mu.Unlock()
			_ = conn.Close()
			return
		}
		c.conn = conn
		c.state = StateOpen
		c.attempts = 0
		queued := c.queue
		c.queue = nil
		c.mu.Unlock()

		for _, chunk := range queued {
			if err := c.writeBinary(chunk); err != nil {
				break
			}
		}

		c.readLoop(ctx, conn)

		c.mu.Lock()
		done := c.closed
		c.mu.Unlock()
		if done {
			return
		}
		if c.cfg.DisableReconnect {
			c.fail(errors.New("stt stream ended"), true)
			return
		}
		// Socket dropped mid-stream, loop back and redial.
	}
}

func (c *Client) fail(err error, fatal bool) {
	c.mu.Lock()
	if fatal {
		c.state = StateClosed
		c.closed = true
	}
	c.mu.Unlock()
	if c.cbs.OnError != nil {
		c.cbs.OnError(err, fatal)
	}
}

// SendAudio forwards a raw audio chunk. While connecting the chunk is
// queued, dropping the oldest entry once the queue holds 100 chunks. It
// reports false after Close.
func (c *Client) SendAudio(data []byte) bool {
	c.mu.Lock()
	switch c.state {
	case StateClosed:
		c.mu.Unlock()
		return false
	case StateConnecting:
		if len(c.queue) >= maxQueuedChunks {
			c.queue = c.queue[1:]
			c.dropped++
		}
		buf := make([]byte, len(data))
		copy(buf, data)
		c.queue = append(c.queue, buf)
		c.mu.Unlock()
		return true
	}
	c.mu.Unlock()
	return c.writeBinary(data) == nil
}

func (c *Client) writeBinary(data []byte) error {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return ErrClosed
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return conn.WriteMessage(websocket.BinaryMessage, data)
}

// Close tells the upstream to flush remaining transcripts and tears the
// socket down. Safe to call more than once.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.state = StateClosed
	conn := c.conn
	c.conn = nil
	if c.silenceTimer != nil {
		c.silenceTimer.Stop()
		c.silenceTimer = nil
	}
	c.mu.Unlock()

	if conn == nil {
		return nil
	}
	c.writeMu.Lock()
	_ = conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"CloseStream"}`))
	c.writeMu.Unlock()
	return conn.Close()
}

type resultMessage struct {
	Type        string  `json:"type"`
	IsFinal     bool    `json:"is_final"`
	SpeechFinal bool    `json:"speech_final"`
	Start       float64 `json:"start"`
	Duration    float64 `json:"duration"`
	Channel     struct {
		Alternatives []struct {
			Transcript string `json:"transcript"`
		} `json:"alternatives"`
	} `json:"channel"`
}

func (c *Client) readLoop(ctx context.Context, conn *websocket.Conn) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			_ = conn.Close()
			c.mu.Lock()
			if c.conn == conn {
				c.conn = nil
			}
			c.mu.Unlock()
			return
		}
		var msg resultMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			continue
		}
		switch msg.Type {
		case "Results":
			if len(msg.Channel.Alternatives) == 0 {
				continue
			}
			text := strings.TrimSpace(msg.Channel.Alternatives[0].Transcript)
			if text == "" {
				continue
			}
			if msg.IsFinal {
				c.handleFinalSegment(text, msg.SpeechFinal)
			} else {
				c.handleInterim(text)
			}
		case "UtteranceEnd":
			c.promotePending()
		case "Metadata", "SpeechStarted", "":
			// control traffic
		}
	}
}

// handleInterim records the interim and arms the promotion timer so the
// transcript still resolves when the upstream never sends a final.
func (c *Client) handleInterim(text string) {
	c.mu.Lock()
	c.lastInterim = text
	if c.interimStart == 0 {
		c.interimStart = time.Now().UnixMilli()
	}
	if c.pendingFinal == "" {
		if c.silenceTimer != nil {
			c.silenceTimer.Stop()
		}
		c.silenceTimer = time.AfterFunc(c.silencePromotionDelay(), c.promotePending)
	}
	c.mu.Unlock()
	if c.cbs.OnPartial != nil {
		c.cbs.OnPartial(text)
	}
}

func (c *Client) handleFinalSegment(text string, speechFinal bool) {
	c.mu.Lock()
	if c.pendingFinal == "" {
		if c.interimStart != 0 {
			c.pendingStart = c.interimStart
		} else {
			c.pendingStart = time.Now().UnixMilli()
		}
	} else {
		c.pendingFinal += " "
	}
	c.pendingFinal += text
	c.lastInterim = ""
	if speechFinal {
		pending, start := c.pendingFinal, c.pendingStart
		c.clearPendingLocked()
		c.mu.Unlock()
		c.emitFinal(pending, start)
		return
	}
	// No terminal punctuation signal yet: promote after a bounded
	// silence so a trailing segment is never stuck.
	d := c.silencePromotionDelay()
	if c.silenceTimer != nil {
		c.silenceTimer.Stop()
	}
	c.silenceTimer = time.AfterFunc(d, c.promotePending)
	c.mu.Unlock()
}

func (c *Client) silencePromotionDelay() time.Duration {
	d := time.Duration(c.opts.NoPunctSeconds * float64(time.Second))
	if d <= 0 || d > maxSilencePromotion {
		d = maxSilencePromotion
	}
	return d
}

func (c *Client) promotePending() {
	c.mu.Lock()
	pending, start := c.pendingFinal, c.pendingStart
	if pending == "" {
		pending, start = c.lastInterim, c.interimStart
	}
	c.clearPendingLocked()
	c.mu.Unlock()
	if pending != "" {
		c.emitFinal(pending, start)
	}
}

func (c *Client) clearPendingLocked() {
	c.pendingFinal = ""
	c.pendingStart = 0
	c.lastInterim = ""
	c.interimStart = 0
	if c.silenceTimer != nil {
		c.silenceTimer.Stop()
		c.silenceTimer = nil
	}
}

func (c *Client) emitFinal(text string, startTS int64) {
	norm := Normalize(text)
	now := time.Now()

	c.mu.Lock()
	if norm != "" && norm == c.lastFinalNorm && now.Sub(c.lastFinalAt) < finalDedupWindow {
		c.mu.Unlock()
		return
	}
	c.lastFinalNorm = norm
	c.lastFinalAt = now
	c.mu.Unlock()

	if c.cbs.OnFinal != nil {
		if startTS == 0 {
			startTS = now.UnixMilli()
		}
		c.cbs.OnFinal(text, startTS, now.UnixMilli())
	}
}

// Normalize folds case, punctuation and whitespace so near identical
// transcripts compare equal.
func Normalize(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	lastSpace := true
	for _, r := range strings.ToLower(s) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r > 127:
			b.WriteRune(r)
			lastSpace = false
		default:
			if !lastSpace {
				b.WriteByte(' ')
				lastSpace = true
			}
		}
	}
	return strings.TrimSpace(b.String())
}
