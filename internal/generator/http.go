// Package generator implements the upstream response-generator boundary as an
// HTTP client. How replies are produced behind the endpoint is opaque; this
// client only turns the NDJSON response stream into ordered reply events.
package generator

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"chatrelay/internal/domain"
)

const (
	defaultTimeout    = 5 * time.Minute
	maxReplyLineBytes = 1 << 20 // 1 MiB per NDJSON line
)

// HTTPGenerator implements domain.ResponseGenerator against an NDJSON
// streaming endpoint: one JSON object per line, one reply event per object.
type HTTPGenerator struct {
	endpoint string
	client   *http.Client
	logger   *slog.Logger
}

type HTTPConfig struct {
	Endpoint string
	Timeout  time.Duration
	Logger   *slog.Logger
}

func NewHTTP(cfg HTTPConfig) *HTTPGenerator {
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	return &HTTPGenerator{
		endpoint: cfg.Endpoint,
		client:   &http.Client{Timeout: cfg.Timeout},
		logger:   cfg.Logger,
	}
}

// generateRequest is the request body sent to the generator endpoint.
type generateRequest struct {
	Channel  string `json:"channel"`
	ChatID   string `json:"chat_id"`
	SenderID string `json:"sender_id"`
	Content  string `json:"content"`
	ThreadTS string `json:"thread_ts,omitempty"`
}

// replyLine is one NDJSON line of the generator response.
type replyLine struct {
	Text      string   `json:"text"`
	MediaURLs []string `json:"media_urls,omitempty"`
	Kind      string   `json:"kind,omitempty"` // "text" (default) | "tool"
	Final     bool     `json:"final,omitempty"`
}

// Generate posts the inbound message and emits one reply event per response
// line, strictly in stream order. It returns aggregate counts alongside any
// transport or decode error.
func (g *HTTPGenerator) Generate(ctx context.Context, msg domain.InboundMessage, emit domain.EmitFunc) (domain.ReplySummary, error) {
	var summary domain.ReplySummary

	body, err := json.Marshal(generateRequest{
		Channel:  msg.Channel,
		ChatID:   msg.ChatID,
		SenderID: msg.SenderID,
		Content:  msg.Content,
		ThreadTS: msg.ThreadTS,
	})
	if err != nil {
		return summary, fmt.Errorf("marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, g.endpoint, bytes.NewReader(body))
	if err != nil {
		return summary, fmt.Errorf("new request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/x-ndjson")

	resp, err := g.client.Do(req)
	if err != nil {
		return summary, fmt.Errorf("generator request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return summary, fmt.Errorf("generator returned %d: %s", resp.StatusCode, strings.TrimSpace(string(respBody)))
	}

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 64*1024), maxReplyLineBytes)

	for scanner.Scan() {
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}

		var rl replyLine
		if err := json.Unmarshal(line, &rl); err != nil {
			g.logger.Warn("skipping malformed generator line", "err", err)
			continue
		}

		ev := domain.ReplyEvent{
			Payload: domain.ReplyPayload{Text: rl.Text, MediaURLs: rl.MediaURLs},
			Kind:    parseKind(rl.Kind),
			Final:   rl.Final,
		}
		if ev.Final {
			summary.Finals++
			summary.QueuedFinal = true
		} else {
			summary.Blocks++
		}

		if err := emit(ev); err != nil {
			return summary, err
		}
	}
	if err := scanner.Err(); err != nil {
		return summary, fmt.Errorf("read generator stream: %w", err)
	}

	return summary, nil
}

// Healthy probes the generator endpoint.
func (g *HTTPGenerator) Healthy(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, g.endpoint, nil)
	if err != nil {
		return err
	}
	resp, err := g.client.Do(req)
	if err != nil {
		return fmt.Errorf("generator not reachable: %w", err)
	}
	resp.Body.Close()
	if resp.StatusCode >= 500 {
		return fmt.Errorf("generator returned status %d", resp.StatusCode)
	}
	return nil
}

func parseKind(s string) domain.DispatchKind {
	if s == string(domain.KindTool) {
		return domain.KindTool
	}
	return domain.KindText
}
