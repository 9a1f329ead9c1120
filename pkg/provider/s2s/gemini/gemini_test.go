package gemini_test

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"

	"github.com/MrWong99/gatebud/pkg/audio"
	"github.com/MrWong99/gatebud/pkg/provider/s2s"
	"github.com/MrWong99/gatebud/pkg/provider/s2s/gemini"
)

// ── Helpers ───────────────────────────────────────────────────────────────────

// wsURL converts an httptest server HTTP URL to a WebSocket URL.
func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

// startGeminiServer launches a test WebSocket server. The handler function
// receives the accepted *websocket.Conn. The server is automatically closed
// when the test finishes.
func startGeminiServer(t *testing.T, handler func(conn *websocket.Conn, r *http.Request)) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
			InsecureSkipVerify: true,
		})
		if err != nil {
			return
		}
		defer conn.Close(websocket.StatusNormalClosure, "done")
		handler(conn, r)
	}))
	t.Cleanup(srv.Close)
	return srv
}

// readJSON reads one WebSocket text frame and decodes it into v.
func readJSON(t *testing.T, conn *websocket.Conn, v any) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	_, data, err := conn.Read(ctx)
	if err != nil {
		t.Errorf("readJSON: %v", err)
		return
	}
	if err := json.Unmarshal(data, v); err != nil {
		t.Errorf("readJSON unmarshal: %v", err)
	}
}

// writeJSON marshals v and sends it as a text frame.
func writeJSON(t *testing.T, conn *websocket.Conn, v any) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	data, _ := json.Marshal(v)
	if err := conn.Write(ctx, websocket.MessageText, data); err != nil {
		t.Logf("writeJSON: %v (may be expected on close)", err)
	}
}

// sendSetupComplete sends the server-side setupComplete ack.
func sendSetupComplete(t *testing.T, conn *websocket.Conn) {
	t.Helper()
	writeJSON(t, conn, map[string]any{"setupComplete": map[string]any{}})
}

// sendAudio sends one modelTurn carrying pcm as inline data.
func sendAudio(t *testing.T, conn *websocket.Conn, pcm []byte) {
	t.Helper()
	writeJSON(t, conn, map[string]any{
		"serverContent": map[string]any{
			"modelTurn": map[string]any{
				"parts": []any{map[string]any{
					"inlineData": map[string]any{
						"mimeType": "audio/pcm;rate=24000",
						"data":     base64.StdEncoding.EncodeToString(pcm),
					},
				}},
			},
		},
	})
}

// newProvider creates a Provider pointing at the given test server.
func newProvider(srv *httptest.Server) *gemini.Provider {
	return gemini.New("test-api-key", gemini.WithBaseURL(wsURL(srv)))
}

// nextEvent waits for the next event on h.
func nextEvent(t *testing.T, h s2s.SessionHandle) s2s.Event {
	t.Helper()
	select {
	case ev, ok := <-h.Events():
		if !ok {
			t.Fatal("events channel closed unexpectedly")
		}
		return ev
	case <-time.After(3 * time.Second):
		t.Fatal("timeout waiting for event")
	}
	return s2s.Event{}
}

// waitClosed waits for the events channel to close.
func waitClosed(t *testing.T, h s2s.SessionHandle) {
	t.Helper()
	deadline := time.After(3 * time.Second)
	for {
		select {
		case _, ok := <-h.Events():
			if !ok {
				return
			}
		case <-deadline:
			t.Fatal("timeout waiting for events channel to close")
		}
	}
}

// ── Option constructor tests ───────────────────────────────────────────────────

func TestNew_DefaultValues(t *testing.T) {
	t.Parallel()
	p := gemini.New("my-key")
	if got := p.Model(); got != gemini.DefaultModel {
		t.Errorf("Model() = %q, want %q", got, gemini.DefaultModel)
	}
	if gemini.New("k", gemini.WithModel("")).Model() != gemini.DefaultModel {
		t.Error("empty WithModel should keep the default")
	}
}

func TestCapabilities_IncludeDefaultVoice(t *testing.T) {
	t.Parallel()
	caps := gemini.New("key").Capabilities()
	if caps.OutputSampleRate != gemini.OutputSampleRate {
		t.Errorf("OutputSampleRate = %d, want %d", caps.OutputSampleRate, gemini.OutputSampleRate)
	}
	found := false
	for _, v := range caps.Voices {
		if v == gemini.DefaultVoice {
			found = true
		}
	}
	if !found {
		t.Errorf("Voices %v do not include %q", caps.Voices, gemini.DefaultVoice)
	}
}

func TestConnect_RejectsUnsupportedConfig(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		cfg  s2s.SessionConfig
	}{
		{name: "16 kHz replies", cfg: s2s.SessionConfig{OutputFormat: audio.Format{SampleRate: 16000, Channels: 1}}},
		{name: "unknown voice", cfg: s2s.SessionConfig{Voice: "Robot"}},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			dialled := make(chan struct{}, 1)
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				dialled <- struct{}{}
				http.Error(w, "unexpected dial", http.StatusTeapot)
			}))
			t.Cleanup(srv.Close)

			_, err := newProvider(srv).Connect(context.Background(), tc.cfg)
			if !errors.Is(err, s2s.ErrUnsupportedConfig) {
				t.Fatalf("Connect error = %v, want ErrUnsupportedConfig", err)
			}
			select {
			case <-dialled:
				t.Error("Connect dialled despite an unsupported config")
			default:
			}
		})
	}
}

// ── Connect ────────────────────────────────────────────────────────────────────

type setupMsg struct {
	Setup struct {
		Model            string `json:"model"`
		GenerationConfig struct {
			ResponseModalities []string `json:"responseModalities"`
			SpeechConfig       *struct {
				VoiceConfig struct {
					PrebuiltVoiceConfig struct {
						VoiceName string `json:"voiceName"`
					} `json:"prebuiltVoiceConfig"`
				} `json:"voiceConfig"`
			} `json:"speechConfig"`
		} `json:"generationConfig"`
		SystemInstruction *struct {
			Parts []struct {
				Text string `json:"text"`
			} `json:"parts"`
		} `json:"systemInstruction"`
	} `json:"setup"`
}

func TestConnect_SendsSetup(t *testing.T) {
	t.Parallel()

	received := make(chan setupMsg, 1)
	keyCh := make(chan string, 1)
	srv := startGeminiServer(t, func(conn *websocket.Conn, r *http.Request) {
		keyCh <- r.URL.Query().Get("key")
		var msg setupMsg
		readJSON(t, conn, &msg)
		received <- msg
		<-conn.CloseRead(context.Background()).Done()
	})

	p := gemini.New("secret", gemini.WithBaseURL(wsURL(srv)), gemini.WithModel("custom-model"))
	h, err := p.Connect(context.Background(), s2s.SessionConfig{
		Voice:        "Puck",
		Instructions: "Be brief.",
	})
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer h.Close()

	if key := <-keyCh; key != "secret" {
		t.Errorf("api key = %q, want %q", key, "secret")
	}
	select {
	case msg := <-received:
		if want := "models/custom-model"; msg.Setup.Model != want {
			t.Errorf("model = %q, want %q", msg.Setup.Model, want)
		}
		mods := msg.Setup.GenerationConfig.ResponseModalities
		if len(mods) != 1 || mods[0] != "AUDIO" {
			t.Errorf("responseModalities = %v, want [AUDIO]", mods)
		}
		sc := msg.Setup.GenerationConfig.SpeechConfig
		if sc == nil || sc.VoiceConfig.PrebuiltVoiceConfig.VoiceName != "Puck" {
			t.Errorf("speechConfig = %+v, want voice Puck", sc)
		}
		si := msg.Setup.SystemInstruction
		if si == nil || len(si.Parts) != 1 || si.Parts[0].Text != "Be brief." {
			t.Errorf("systemInstruction = %+v", si)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("timeout waiting for setup message")
	}
}

func TestConnect_DefaultVoice(t *testing.T) {
	t.Parallel()

	received := make(chan setupMsg, 1)
	srv := startGeminiServer(t, func(conn *websocket.Conn, _ *http.Request) {
		var msg setupMsg
		readJSON(t, conn, &msg)
		received <- msg
		<-conn.CloseRead(context.Background()).Done()
	})

	h, err := newProvider(srv).Connect(context.Background(), s2s.SessionConfig{})
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer h.Close()

	select {
	case msg := <-received:
		sc := msg.Setup.GenerationConfig.SpeechConfig
		if sc == nil || sc.VoiceConfig.PrebuiltVoiceConfig.VoiceName != gemini.DefaultVoice {
			t.Errorf("voice = %+v, want %q", sc, gemini.DefaultVoice)
		}
		if msg.Setup.SystemInstruction != nil {
			t.Errorf("systemInstruction should be omitted, got %+v", msg.Setup.SystemInstruction)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("timeout waiting for setup message")
	}
}

func TestConnect_DialError(t *testing.T) {
	t.Parallel()
	p := gemini.New("key", gemini.WithBaseURL("ws://127.0.0.1:1"))
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if _, err := p.Connect(ctx, s2s.SessionConfig{}); err == nil {
		t.Fatal("expected dial error")
	}
}

// ── Events ─────────────────────────────────────────────────────────────────────

func TestEvents_OpenedAudioInterrupted(t *testing.T) {
	t.Parallel()

	pcm := audio.EncodeFrame([]float32{0.1, -0.1, 0.2, -0.2})
	srv := startGeminiServer(t, func(conn *websocket.Conn, _ *http.Request) {
		var raw map[string]any
		readJSON(t, conn, &raw)
		sendSetupComplete(t, conn)
		sendAudio(t, conn, pcm)
		writeJSON(t, conn, map[string]any{"serverContent": map[string]any{"interrupted": true}})
		<-conn.CloseRead(context.Background()).Done()
	})

	h, err := newProvider(srv).Connect(context.Background(), s2s.SessionConfig{})
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer h.Close()

	if ev := nextEvent(t, h); ev.Kind != s2s.EventOpened {
		t.Fatalf("first event = %v, want opened", ev.Kind)
	}
	ev := nextEvent(t, h)
	if ev.Kind != s2s.EventAudio {
		t.Fatalf("second event = %v, want audio", ev.Kind)
	}
	if string(ev.Audio) != string(pcm) {
		t.Errorf("audio payload = %v, want %v", ev.Audio, pcm)
	}
	if ev := nextEvent(t, h); ev.Kind != s2s.EventInterrupted {
		t.Fatalf("third event = %v, want interrupted", ev.Kind)
	}
}

func TestEvents_ServerErrorIsTerminal(t *testing.T) {
	t.Parallel()

	srv := startGeminiServer(t, func(conn *websocket.Conn, _ *http.Request) {
		var raw map[string]any
		readJSON(t, conn, &raw)
		sendSetupComplete(t, conn)
		writeJSON(t, conn, map[string]any{"error": map[string]any{"code": 400, "message": "quota exceeded"}})
		<-conn.CloseRead(context.Background()).Done()
	})

	h, err := newProvider(srv).Connect(context.Background(), s2s.SessionConfig{})
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer h.Close()

	if ev := nextEvent(t, h); ev.Kind != s2s.EventOpened {
		t.Fatalf("first event = %v, want opened", ev.Kind)
	}
	ev := nextEvent(t, h)
	if ev.Kind != s2s.EventError {
		t.Fatalf("event = %v, want error", ev.Kind)
	}
	if ev.Err == nil || !strings.Contains(ev.Err.Error(), "quota exceeded") {
		t.Errorf("err = %v, want it to mention the server message", ev.Err)
	}
	waitClosed(t, h)

	if err := h.SendAudio([]byte{0, 0}, 16000); !errors.Is(err, s2s.ErrSessionClosed) {
		t.Errorf("SendAudio after failure = %v, want ErrSessionClosed", err)
	}
}

func TestEvents_NormalClosure(t *testing.T) {
	t.Parallel()

	srv := startGeminiServer(t, func(conn *websocket.Conn, _ *http.Request) {
		var raw map[string]any
		readJSON(t, conn, &raw)
		sendSetupComplete(t, conn)
		// Returning closes with StatusNormalClosure.
	})

	h, err := newProvider(srv).Connect(context.Background(), s2s.SessionConfig{})
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer h.Close()

	if ev := nextEvent(t, h); ev.Kind != s2s.EventOpened {
		t.Fatalf("first event = %v, want opened", ev.Kind)
	}
	if ev := nextEvent(t, h); ev.Kind != s2s.EventClosed {
		t.Fatalf("event = %v (err %v), want closed", ev.Kind, ev.Err)
	}
	waitClosed(t, h)
}

func TestEvents_AbnormalClosureIsError(t *testing.T) {
	t.Parallel()

	srv := startGeminiServer(t, func(conn *websocket.Conn, _ *http.Request) {
		var raw map[string]any
		readJSON(t, conn, &raw)
		conn.Close(websocket.StatusPolicyViolation, "API key not valid")
	})

	h, err := newProvider(srv).Connect(context.Background(), s2s.SessionConfig{})
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer h.Close()

	ev := nextEvent(t, h)
	if ev.Kind != s2s.EventError {
		t.Fatalf("event = %v, want error", ev.Kind)
	}
	if websocket.CloseStatus(ev.Err) != websocket.StatusPolicyViolation {
		t.Errorf("close status = %v, want policy violation", websocket.CloseStatus(ev.Err))
	}
}

// ── SendAudio / Close ─────────────────────────────────────────────────────────

func TestSendAudio_RealtimeInput(t *testing.T) {
	t.Parallel()

	type rtMsg struct {
		RealtimeInput struct {
			MediaChunks []struct {
				MIMEType string `json:"mimeType"`
				Data     string `json:"data"`
			} `json:"mediaChunks"`
		} `json:"realtimeInput"`
	}
	received := make(chan rtMsg, 1)
	srv := startGeminiServer(t, func(conn *websocket.Conn, _ *http.Request) {
		var raw map[string]any
		readJSON(t, conn, &raw)
		sendSetupComplete(t, conn)
		var msg rtMsg
		readJSON(t, conn, &msg)
		received <- msg
		<-conn.CloseRead(context.Background()).Done()
	})

	h, err := newProvider(srv).Connect(context.Background(), s2s.SessionConfig{
		InputFormat: audio.Format{SampleRate: 16000, Channels: 1},
	})
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer h.Close()
	nextEvent(t, h)

	chunk := audio.EncodeFrame([]float32{0.5, -0.5})
	if err := h.SendAudio(chunk, 16000); err != nil {
		t.Fatalf("SendAudio: %v", err)
	}

	select {
	case msg := <-received:
		if len(msg.RealtimeInput.MediaChunks) != 1 {
			t.Fatalf("mediaChunks = %d, want 1", len(msg.RealtimeInput.MediaChunks))
		}
		mc := msg.RealtimeInput.MediaChunks[0]
		if mc.MIMEType != "audio/pcm;rate=16000" {
			t.Errorf("mimeType = %q", mc.MIMEType)
		}
		got, err := base64.StdEncoding.DecodeString(mc.Data)
		if err != nil {
			t.Fatalf("decode data: %v", err)
		}
		if string(got) != string(chunk) {
			t.Errorf("data = %v, want %v", got, chunk)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("timeout waiting for realtimeInput")
	}
}

func TestClose_Idempotent(t *testing.T) {
	t.Parallel()

	srv := startGeminiServer(t, func(conn *websocket.Conn, _ *http.Request) {
		var raw map[string]any
		readJSON(t, conn, &raw)
		sendSetupComplete(t, conn)
		<-conn.CloseRead(context.Background()).Done()
	})

	h, err := newProvider(srv).Connect(context.Background(), s2s.SessionConfig{})
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if err := h.Close(); err != nil {
		t.Fatalf("first Close: %v", err)
	}
	if err := h.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}
	waitClosed(t, h)
	if err := h.SendAudio([]byte{0, 0}, 16000); !errors.Is(err, s2s.ErrSessionClosed) {
		t.Errorf("SendAudio after Close = %v, want ErrSessionClosed", err)
	}
}
