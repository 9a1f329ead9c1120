// Package gemini implements the s2s.Provider interface for Google's Gemini Live API.
//
// It establishes a bidirectional WebSocket connection to the Gemini Live endpoint
// and exchanges JSON messages according to the BidiGenerateContent protocol.
// Audio is transmitted as base64-encoded PCM chunks in both directions.
package gemini

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/coder/websocket"

	"github.com/MrWong99/gatebud/pkg/audio"
	"github.com/MrWong99/gatebud/pkg/provider/s2s"
)

// Compile-time assertions that Provider and session satisfy the s2s interfaces.
var _ s2s.Provider = (*Provider)(nil)
var _ s2s.SessionHandle = (*session)(nil)

const (
	// DefaultModel is the native-audio Live model used when none is configured.
	DefaultModel = "gemini-2.5-flash-native-audio-preview-09-2025"

	// DefaultVoice is the prebuilt voice used when SessionConfig.Voice is empty.
	DefaultVoice = "Zephyr"

	// OutputSampleRate is the rate of every reply chunk. The Live API does
	// not negotiate it.
	OutputSampleRate = 24000

	defaultBaseURL   = "wss://generativelanguage.googleapis.com/ws"
	defaultSendQueue = 64
	eventBuffer      = 64

	keepaliveInterval = 20 * time.Second
	keepaliveTimeout  = 5 * time.Second
	writeTimeout      = 5 * time.Second
)

// ── Options ────────────────────────────────────────────────────────────────────

// Option is a functional option for configuring a Provider.
type Option func(*Provider)

// WithModel sets the Gemini model used for sessions.
func WithModel(model string) Option {
	return func(p *Provider) {
		if model != "" {
			p.model = model
		}
	}
}

// WithBaseURL overrides the base WebSocket URL. Primarily used in tests to
// point at a local mock server.
func WithBaseURL(url string) Option {
	return func(p *Provider) {
		if url != "" {
			p.baseURL = url
		}
	}
}

// WithSendQueue sets the capacity of the per-session outbound queue. Chunks
// submitted while the queue is full are dropped.
func WithSendQueue(n int) Option {
	return func(p *Provider) {
		if n > 0 {
			p.sendQueue = n
		}
	}
}

// WithLogger sets the logger for protocol diagnostics.
func WithLogger(l *slog.Logger) Option {
	return func(p *Provider) { p.log = l }
}

// ── Provider ───────────────────────────────────────────────────────────────────

// Provider implements s2s.Provider for Google's Gemini Live API.
type Provider struct {
	apiKey    string
	model     string
	baseURL   string
	sendQueue int
	log       *slog.Logger
}

// New creates a new Gemini Live Provider with the given API key and options.
func New(apiKey string, opts ...Option) *Provider {
	p := &Provider{
		apiKey:    apiKey,
		model:     DefaultModel,
		baseURL:   defaultBaseURL,
		sendQueue: defaultSendQueue,
		log:       slog.Default(),
	}
	for _, o := range opts {
		o(p)
	}
	return p
}

// Model returns the configured model name.
func (p *Provider) Model() string { return p.model }

// Capabilities returns static metadata about the Gemini Live provider.
func (p *Provider) Capabilities() s2s.Capabilities {
	return s2s.Capabilities{
		OutputSampleRate: OutputSampleRate,
		Voices:           []string{"Aoede", "Charon", "Fenrir", "Kore", "Leda", "Orus", "Puck", "Zephyr"},
	}
}

// Connect dials the Live endpoint, sends the setup message and starts the
// session's background loops. The handle emits [s2s.EventOpened] when the
// server acknowledges the setup.
func (p *Provider) Connect(ctx context.Context, cfg s2s.SessionConfig) (s2s.SessionHandle, error) {
	if err := p.Capabilities().Check(cfg); err != nil {
		return nil, fmt.Errorf("gemini: %w", err)
	}

	wsURL := fmt.Sprintf(
		"%s/google.ai.generativelanguage.v1beta.GenerativeService.BidiGenerateContent?key=%s",
		p.baseURL, p.apiKey,
	)

	conn, _, err := websocket.Dial(ctx, wsURL, &websocket.DialOptions{
		HTTPHeader: http.Header{
			"Content-Type": []string{"application/json"},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("gemini: dial: %w", err)
	}
	// Reply chunks are small but a single turn can carry several seconds.
	conn.SetReadLimit(8 << 20)

	inputRate := cfg.InputFormat.SampleRate
	if inputRate == 0 {
		inputRate = 16000
	}

	sessCtx, sessCancel := context.WithCancel(context.Background())
	sess := &session{
		conn:      conn,
		log:       p.log,
		inputRate: inputRate,
		events:    make(chan s2s.Event, eventBuffer),
		sendCh:    make(chan []byte, p.sendQueue),
		ctx:       sessCtx,
		cancel:    sessCancel,
	}

	setup, err := json.Marshal(newSetupMessage(p.model, cfg))
	if err != nil {
		sessCancel()
		conn.Close(websocket.StatusInternalError, "setup failed")
		return nil, fmt.Errorf("gemini: marshal setup: %w", err)
	}
	writeCtx, writeCancel := context.WithTimeout(ctx, writeTimeout)
	err = conn.Write(writeCtx, websocket.MessageText, setup)
	writeCancel()
	if err != nil {
		sessCancel()
		conn.Close(websocket.StatusInternalError, "setup failed")
		return nil, fmt.Errorf("gemini: setup: %w", err)
	}

	go sess.receiveLoop()
	go sess.writeLoop()
	go sess.keepaliveLoop()

	return sess, nil
}

// ── Protocol message types (outgoing) ─────────────────────────────────────────

type setupMessage struct {
	Setup setupConfig `json:"setup"`
}

type setupConfig struct {
	Model             string             `json:"model"`
	GenerationConfig  generationConfig   `json:"generationConfig"`
	SystemInstruction *systemInstruction `json:"systemInstruction,omitempty"`
}

type generationConfig struct {
	ResponseModalities []string      `json:"responseModalities"`
	SpeechConfig       *speechConfig `json:"speechConfig,omitempty"`
}

type speechConfig struct {
	VoiceConfig voiceConfig `json:"voiceConfig"`
}

type voiceConfig struct {
	PrebuiltVoiceConfig prebuiltVoiceConfig `json:"prebuiltVoiceConfig"`
}

type prebuiltVoiceConfig struct {
	VoiceName string `json:"voiceName"`
}

type systemInstruction struct {
	Parts []part `json:"parts"`
}

type part struct {
	Text       string      `json:"text,omitempty"`
	InlineData *inlineData `json:"inlineData,omitempty"`
}

type inlineData struct {
	MIMEType string `json:"mimeType"`
	Data     string `json:"data"` // base64-encoded
}

type realtimeInputMessage struct {
	RealtimeInput realtimeInput `json:"realtimeInput"`
}

type realtimeInput struct {
	MediaChunks []mediaChunk `json:"mediaChunks"`
}

type mediaChunk struct {
	MIMEType string `json:"mimeType"`
	Data     string `json:"data"` // base64-encoded
}

// newSetupMessage builds the BidiGenerateContent setup message.
func newSetupMessage(model string, cfg s2s.SessionConfig) setupMessage {
	voice := cfg.Voice
	if voice == "" {
		voice = DefaultVoice
	}
	msg := setupMessage{
		Setup: setupConfig{
			Model: fmt.Sprintf("models/%s", model),
			GenerationConfig: generationConfig{
				ResponseModalities: []string{"AUDIO"},
				SpeechConfig: &speechConfig{
					VoiceConfig: voiceConfig{
						PrebuiltVoiceConfig: prebuiltVoiceConfig{VoiceName: voice},
					},
				},
			},
		},
	}
	if cfg.Instructions != "" {
		msg.Setup.SystemInstruction = &systemInstruction{
			Parts: []part{{Text: cfg.Instructions}},
		}
	}
	return msg
}

// ── Protocol message types (incoming) ─────────────────────────────────────────

type serverMessage struct {
	SetupComplete *json.RawMessage `json:"setupComplete,omitempty"`
	ServerContent *serverContent   `json:"serverContent,omitempty"`
	GoAway        *json.RawMessage `json:"goAway,omitempty"`
	Error         *geminiError     `json:"error,omitempty"`
}

type geminiError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Status  string `json:"status,omitempty"`
}

type serverContent struct {
	ModelTurn    *modelTurn `json:"modelTurn,omitempty"`
	TurnComplete bool       `json:"turnComplete,omitempty"`
	Interrupted  bool       `json:"interrupted,omitempty"`
}

type modelTurn struct {
	Parts []part `json:"parts"`
}

// ── session ────────────────────────────────────────────────────────────────────

type session struct {
	conn      *websocket.Conn
	log       *slog.Logger
	inputRate int

	events chan s2s.Event
	sendCh chan []byte

	mu      sync.Mutex
	closed  bool  // Close was called
	failErr error // first runtime failure, reported as the terminal event

	dropped atomic.Int64

	ctx    context.Context
	cancel context.CancelFunc
}

// receiveLoop reads messages from the WebSocket and dispatches them as events.
// It owns the events channel: it emits exactly one terminal event (unless the
// session was closed locally) and closes the channel when it exits.
func (s *session) receiveLoop() {
	defer close(s.events)

	for {
		_, data, err := s.conn.Read(s.ctx)
		if err != nil {
			s.emit(s.terminalEvent(err))
			return
		}

		var msg serverMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			s.log.Warn("gemini: skipping malformed server message", "err", err)
			continue
		}

		s.handleServerMessage(&msg)
	}
}

// terminalEvent classifies the read error that ended the receive loop.
func (s *session) terminalEvent(readErr error) s2s.Event {
	s.mu.Lock()
	closed, failErr := s.closed, s.failErr
	s.mu.Unlock()

	switch {
	case closed:
		return s2s.Event{Kind: s2s.EventClosed}
	case failErr != nil:
		return s2s.Event{Kind: s2s.EventError, Err: failErr}
	}
	switch websocket.CloseStatus(readErr) {
	case websocket.StatusNormalClosure, websocket.StatusGoingAway:
		return s2s.Event{Kind: s2s.EventClosed}
	}
	return s2s.Event{Kind: s2s.EventError, Err: fmt.Errorf("gemini: read: %w", readErr)}
}

func (s *session) handleServerMessage(msg *serverMessage) {
	if msg.SetupComplete != nil {
		s.emit(s2s.Event{Kind: s2s.EventOpened})
	}
	if msg.ServerContent != nil {
		s.handleServerContent(msg.ServerContent)
	}
	if msg.GoAway != nil {
		s.log.Info("gemini: server announced disconnect")
	}
	if msg.Error != nil {
		text := msg.Error.Message
		if text == "" {
			text = "unknown error"
		}
		s.fail(fmt.Errorf("gemini: server error %d: %s", msg.Error.Code, text))
	}
}

func (s *session) handleServerContent(sc *serverContent) {
	if sc.ModelTurn != nil {
		for _, p := range sc.ModelTurn.Parts {
			if p.InlineData == nil {
				continue
			}
			pcm, err := audio.DecodeText(p.InlineData.Data)
			if err != nil {
				s.log.Warn("gemini: dropping undecodable audio part", "err", err)
				continue
			}
			if len(pcm) == 0 {
				continue
			}
			s.emit(s2s.Event{Kind: s2s.EventAudio, Audio: pcm})
		}
	}
	if sc.Interrupted {
		s.emit(s2s.Event{Kind: s2s.EventInterrupted})
	}
}

// emit delivers ev to the consumer unless the session has been closed.
func (s *session) emit(ev s2s.Event) {
	select {
	case s.events <- ev:
	case <-s.ctx.Done():
	}
}

// fail records err as the session's runtime failure and closes the socket so
// the receive loop terminates with an EventError.
func (s *session) fail(err error) {
	s.mu.Lock()
	if s.closed || s.failErr != nil {
		s.mu.Unlock()
		return
	}
	s.failErr = err
	s.mu.Unlock()
	s.conn.Close(websocket.StatusInternalError, "session failed")
}

// writeLoop drains the outbound queue onto the socket.
func (s *session) writeLoop() {
	for {
		select {
		case <-s.ctx.Done():
			return
		case data := <-s.sendCh:
			ctx, cancel := context.WithTimeout(s.ctx, writeTimeout)
			err := s.conn.Write(ctx, websocket.MessageText, data)
			cancel()
			if err != nil {
				if s.ctx.Err() == nil {
					s.fail(fmt.Errorf("gemini: write: %w", err))
				}
				return
			}
		}
	}
}

// keepaliveLoop sends WebSocket pings to keep the Gemini Live connection alive.
func (s *session) keepaliveLoop() {
	ticker := time.NewTicker(keepaliveInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			pingCtx, cancel := context.WithTimeout(s.ctx, keepaliveTimeout)
			_ = s.conn.Ping(pingCtx)
			cancel()
		}
	}
}

// ── SessionHandle methods ──────────────────────────────────────────────────────

// SendAudio enqueues a 16-bit PCM chunk recorded at sampleRate as a
// realtimeInput message.
func (s *session) SendAudio(chunk []byte, sampleRate int) error {
	s.mu.Lock()
	dead := s.closed || s.failErr != nil
	s.mu.Unlock()
	if dead {
		return s2s.ErrSessionClosed
	}
	if sampleRate == 0 {
		sampleRate = s.inputRate
	}

	data, err := json.Marshal(realtimeInputMessage{
		RealtimeInput: realtimeInput{
			MediaChunks: []mediaChunk{{
				MIMEType: audio.Format{SampleRate: sampleRate, Channels: 1}.MIMEType(),
				Data:     audio.EncodeText(chunk),
			}},
		},
	})
	if err != nil {
		return fmt.Errorf("gemini: marshal: %w", err)
	}

	select {
	case s.sendCh <- data:
		return nil
	default:
		if n := s.dropped.Add(1); n == 1 || n%100 == 0 {
			s.log.Debug("gemini: send queue full, dropping audio", "dropped_total", n)
		}
		return s2s.ErrSendQueueFull
	}
}

// Events returns the inbound event stream.
func (s *session) Events() <-chan s2s.Event { return s.events }

// Close terminates the session and releases all resources. Idempotent.
func (s *session) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	s.cancel() // unblocks receiveLoop, writeLoop and keepaliveLoop
	s.conn.Close(websocket.StatusNormalClosure, "session closed")
	return nil
}
