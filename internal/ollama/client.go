// Package ollama is a thin client for the Ollama chat streaming API.
//
// The client only mediates the wire protocol: it opens one streaming
// request and hands back deltas as they arrive. Persistence and
// cancellation policy belong to the caller.
package ollama

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/quillchat/quill/internal/log"
)

// ErrBackend marks any failure of the generation backend: unreachable
// service, non-OK response, or a stream aborted mid-way. Callers check it
// with errors.Is to distinguish backend faults from ordinary stream end.
var ErrBackend = errors.New("generation backend error")

// Message is one chat message on the wire.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Client talks to one Ollama instance with a fixed model.
type Client struct {
	host   string
	model  string
	http   *http.Client
	logger log.Logger
}

// NewClient creates a Client for the given endpoint and model identifier.
// No connection is made until the first stream is opened.
func NewClient(host, model string, logger log.Logger) *Client {
	return &Client{
		host:  strings.TrimRight(host, "/"),
		model: model,
		// No overall timeout: a generation stream is open-ended and is
		// bounded by the request context instead.
		http:   &http.Client{},
		logger: logger,
	}
}

type chatRequest struct {
	Model    string    `json:"model"`
	Messages []Message `json:"messages"`
	Stream   bool      `json:"stream"`
}

type chatChunk struct {
	Message struct {
		Role    string `json:"role"`
		Content string `json:"content"`
	} `json:"message"`
	Done  bool   `json:"done"`
	Error string `json:"error"`
}

// ChatStream opens one streaming completion for the given message sequence.
// The returned Stream yields deltas in order and must be closed by the
// caller. Connection and HTTP-level failures surface here, wrapped in
// ErrBackend.
func (c *Client) ChatStream(ctx context.Context, msgs []Message) (*Stream, error) {
	payload, err := json.Marshal(chatRequest{
		Model:    c.model,
		Messages: msgs,
		Stream:   true,
	})
	if err != nil {
		return nil, fmt.Errorf("encoding chat request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.host+"/api/chat", bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("building chat request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBackend, err)
	}
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		_ = resp.Body.Close()
		return nil, fmt.Errorf("%w: status %d: %s", ErrBackend, resp.StatusCode, strings.TrimSpace(string(body)))
	}

	c.logger.Debug("opened generation stream",
		"model", c.model,
		"messages", len(msgs),
		"connect_ms", time.Since(start).Milliseconds())

	return &Stream{body: resp.Body, dec: json.NewDecoder(resp.Body)}, nil
}

// Stream is a lazy, finite, non-restartable sequence of text deltas. Recv
// blocks until the next delta arrives, returns io.EOF on normal stream
// end, and an ErrBackend-wrapped error if the backend aborts mid-stream.
type Stream struct {
	body io.ReadCloser
	dec  *json.Decoder
	done bool
}

// Recv returns the next delta. After the first non-nil error the stream is
// exhausted and further calls return the same condition.
func (s *Stream) Recv() (string, error) {
	if s.done {
		return "", io.EOF
	}
	for {
		var chunk chatChunk
		if err := s.dec.Decode(&chunk); err != nil {
			s.done = true
			if errors.Is(err, io.EOF) {
				// The server closed the stream without a done marker;
				// treat it as a clean end so partial output survives.
				return "", io.EOF
			}
			return "", fmt.Errorf("%w: decoding stream: %v", ErrBackend, err)
		}
		if chunk.Error != "" {
			s.done = true
			return "", fmt.Errorf("%w: %s", ErrBackend, chunk.Error)
		}
		if chunk.Done {
			s.done = true
			return "", io.EOF
		}
		if chunk.Message.Content == "" {
			// Keep-alive or role-only chunk; wait for content.
			continue
		}
		return chunk.Message.Content, nil
	}
}

// Close releases the underlying connection. Safe to call multiple times.
func (s *Stream) Close() error {
	s.done = true
	return s.body.Close()
}
