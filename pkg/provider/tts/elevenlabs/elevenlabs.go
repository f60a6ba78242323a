// Package elevenlabs implements [tts.Provider] on the ElevenLabs streaming
// WebSocket API.
package elevenlabs

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/url"

	"github.com/MrWong99/voxrelay/pkg/provider/tts"
	"github.com/coder/websocket"
)

const (
	defaultEndpoint  = "wss://api.elevenlabs.io"
	defaultModel     = "eleven_flash_v2_5"
	defaultOutputFmt = "pcm_16000"
)

// Option configures a Provider.
type Option func(*Provider)

// WithModel sets the model ID, for example "eleven_flash_v2_5".
func WithModel(model string) Option {
	return func(p *Provider) { p.model = model }
}

// WithOutputFormat sets the audio format, for example "pcm_16000".
func WithOutputFormat(format string) Option {
	return func(p *Provider) { p.outputFormat = format }
}

// WithEndpoint overrides the WebSocket base URL, mainly for tests.
func WithEndpoint(endpoint string) Option {
	return func(p *Provider) { p.endpoint = endpoint }
}

// Provider is an ElevenLabs streaming synthesizer.
type Provider struct {
	apiKey       string
	endpoint     string
	model        string
	outputFormat string
}

var _ tts.Provider = (*Provider)(nil)

// New returns a Provider. apiKey must not be empty.
func New(apiKey string, opts ...Option) (*Provider, error) {
	if apiKey == "" {
		return nil, errors.New("elevenlabs: api key must not be empty")
	}
	p := &Provider{
		apiKey:       apiKey,
		endpoint:     defaultEndpoint,
		model:        defaultModel,
		outputFormat: defaultOutputFmt,
	}
	for _, o := range opts {
		o(p)
	}
	return p, nil
}

// ---- wire messages ----

type voiceSettings struct {
	Stability       float64 `json:"stability"`
	SimilarityBoost float64 `json:"similarity_boost"`
	Speed           float64 `json:"speed,omitempty"`
}

// textMessage carries text to synthesize. The first message of a stream also
// carries the key and voice settings; {"text":""} ends the input.
type textMessage struct {
	Text          string         `json:"text"`
	VoiceSettings *voiceSettings `json:"voice_settings,omitempty"`
	XiAPIKey      string         `json:"xi_api_key,omitempty"`
	Flush         bool           `json:"flush,omitempty"`
}

type audioMessage struct {
	Audio   string `json:"audio"`
	IsFinal bool   `json:"isFinal"`
	Message string `json:"message,omitempty"`
}

// Synthesize opens a stream for voice, sends text followed by the end-of-input
// marker, and forwards decoded PCM until the server signals the final chunk.
func (p *Provider) Synthesize(ctx context.Context, text string, voice tts.Voice) (<-chan []byte, error) {
	if voice.ID == "" {
		return nil, errors.New("elevenlabs: voice id must not be empty")
	}
	wsURL, err := p.streamURL(voice.ID)
	if err != nil {
		return nil, fmt.Errorf("elevenlabs: build url: %w", err)
	}
	conn, _, err := websocket.Dial(ctx, wsURL, nil)
	if err != nil {
		return nil, fmt.Errorf("elevenlabs: dial: %w", err)
	}

	for _, msg := range buildMessages(p.apiKey, text, voice) {
		if err := conn.Write(ctx, websocket.MessageText, msg); err != nil {
			conn.CloseNow()
			return nil, fmt.Errorf("elevenlabs: send: %w", err)
		}
	}

	out := make(chan []byte, 64)
	go func() {
		defer close(out)
		defer conn.CloseNow()
		for {
			_, data, err := conn.Read(ctx)
			if err != nil {
				if ctx.Err() == nil && websocket.CloseStatus(err) != websocket.StatusNormalClosure {
					slog.Warn("elevenlabs: stream ended", "err", err)
				}
				return
			}
			pcm, final, err := decodeAudio(data)
			if err != nil {
				slog.Warn("elevenlabs: bad message", "err", err)
				continue
			}
			if len(pcm) > 0 {
				select {
				case out <- pcm:
				case <-ctx.Done():
					return
				}
			}
			if final {
				conn.Close(websocket.StatusNormalClosure, "done")
				return
			}
		}
	}()
	return out, nil
}

func (p *Provider) streamURL(voiceID string) (string, error) {
	u, err := url.Parse(p.endpoint)
	if err != nil {
		return "", err
	}
	u = u.JoinPath("v1", "text-to-speech", voiceID, "stream-input")
	q := u.Query()
	q.Set("model_id", p.model)
	q.Set("output_format", p.outputFormat)
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// buildMessages returns the begin-of-input, text and end-of-input frames.
func buildMessages(apiKey, text string, voice tts.Voice) [][]byte {
	speed := voice.Speed
	if speed == 1 {
		speed = 0
	}
	msgs := []textMessage{
		{
			Text:          " ",
			XiAPIKey:      apiKey,
			VoiceSettings: &voiceSettings{Stability: 0.5, SimilarityBoost: 0.75, Speed: speed},
		},
		{Text: text + " ", Flush: true},
		{Text: ""},
	}
	out := make([][]byte, 0, len(msgs))
	for _, m := range msgs {
		b, _ := json.Marshal(m)
		out = append(out, b)
	}
	return out
}

// decodeAudio extracts PCM from a server message. A message with a non-empty
// "message" field and no audio is an error reported by the service.
func decodeAudio(data []byte) (pcm []byte, final bool, err error) {
	var m audioMessage
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, false, err
	}
	if m.Audio == "" && m.Message != "" && !m.IsFinal {
		return nil, false, fmt.Errorf("service: %s", m.Message)
	}
	if m.Audio != "" {
		pcm, err = base64.StdEncoding.DecodeString(m.Audio)
		if err != nil {
			return nil, false, fmt.Errorf("decode audio: %w", err)
		}
	}
	return pcm, m.IsFinal, nil
}
