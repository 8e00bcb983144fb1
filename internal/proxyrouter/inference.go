package proxyrouter

import (
	"bytes"
	"context"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"strings"
)

const idempotencyKeyHeader = "X-Idempotency-Key"

type ChatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type ChatCompletionRequest struct {
	Model       string        `json:"model"`
	Messages    []ChatMessage `json:"messages"`
	Stream      bool          `json:"stream"`
	Temperature *float64      `json:"temperature,omitempty"`
	MaxTokens   int           `json:"max_tokens,omitempty"`

	// IdempotencyKey identifies the logical request across expiry-recovery
	// replays. Sent as a header, never in the body.
	IdempotencyKey string `json:"-"`
}

func sessionQuery(sessionID string) url.Values {
	q := url.Values{}
	q.Set("session_id", sessionID)
	return q
}

// ChatCompletions executes a unary chat call and returns the raw upstream
// response body for pass-through.
func (c *Client) ChatCompletions(ctx context.Context, sessionID, secret string, req ChatCompletionRequest) ([]byte, error) {
	req.Stream = false
	headers := map[string]string{}
	if strings.TrimSpace(req.IdempotencyKey) != "" {
		headers[idempotencyKeyHeader] = req.IdempotencyKey
	}
	resp, err := c.do(ctx, call{
		op:      "chat_completions",
		method:  http.MethodPost,
		path:    "/v1/chat/completions",
		query:   sessionQuery(sessionID),
		body:    req,
		headers: headers,
		secret:  secret,
		timeout: c.cfg.InferenceTimeout,
	})
	if err != nil {
		return nil, err
	}
	return resp.body, nil
}

type EmbeddingsRequest struct {
	Model string `json:"model"`
	Input any    `json:"input"`
}

// Embeddings executes an embeddings call and returns the raw response body.
func (c *Client) Embeddings(ctx context.Context, sessionID, secret string, req EmbeddingsRequest) ([]byte, error) {
	resp, err := c.do(ctx, call{
		op:      "embeddings",
		method:  http.MethodPost,
		path:    "/v1/embeddings",
		query:   sessionQuery(sessionID),
		body:    req,
		secret:  secret,
		timeout: c.cfg.InferenceTimeout,
	})
	if err != nil {
		return nil, err
	}
	return resp.body, nil
}

// AudioTranscription uploads audio for transcription and returns the raw
// response body.
func (c *Client) AudioTranscription(ctx context.Context, sessionID, secret, model, filename string, audio io.Reader) ([]byte, error) {
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	fw, err := mw.CreateFormFile("file", filename)
	if err != nil {
		return nil, &Error{Op: "audio_transcription", Kind: KindUnknown, Message: err.Error()}
	}
	if _, err := io.Copy(fw, audio); err != nil {
		return nil, &Error{Op: "audio_transcription", Kind: KindUnknown, Message: err.Error()}
	}
	if err := mw.WriteField("model", model); err != nil {
		return nil, &Error{Op: "audio_transcription", Kind: KindUnknown, Message: err.Error()}
	}
	if err := mw.Close(); err != nil {
		return nil, &Error{Op: "audio_transcription", Kind: KindUnknown, Message: err.Error()}
	}

	resp, err := c.do(ctx, call{
		op:      "audio_transcription",
		method:  http.MethodPost,
		path:    "/v1/audio/transcriptions",
		query:   sessionQuery(sessionID),
		rawBody: buf.Bytes(),
		headers: map[string]string{"Content-Type": mw.FormDataContentType()},
		secret:  secret,
		timeout: c.cfg.InferenceTimeout,
	})
	if err != nil {
		return nil, err
	}
	return resp.body, nil
}

type SpeechRequest struct {
	Model  string `json:"model"`
	Input  string `json:"input"`
	Voice  string `json:"voice,omitempty"`
	Format string `json:"response_format,omitempty"`
}

// AudioSpeech synthesizes speech and returns the raw audio bytes.
func (c *Client) AudioSpeech(ctx context.Context, sessionID, secret string, req SpeechRequest) ([]byte, error) {
	resp, err := c.do(ctx, call{
		op:      "audio_speech",
		method:  http.MethodPost,
		path:    "/v1/audio/speech",
		query:   sessionQuery(sessionID),
		body:    req,
		secret:  secret,
		timeout: c.cfg.InferenceTimeout,
	})
	if err != nil {
		return nil, err
	}
	return resp.body, nil
}
