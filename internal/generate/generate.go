// Package generate produces notification content, either through an external
// generation endpoint or a local template.
package generate

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"cadence/internal/delivery"
	"cadence/pkg/logx"
)

type Config struct {
	Endpoint string
	APIKey   string
	Timeout  time.Duration
}

// New returns the generator for the config: an HTTP client when an endpoint
// is set, otherwise the local template generator.
func New(cfg Config, log logx.Logger) delivery.Generator {
	if strings.TrimSpace(cfg.Endpoint) == "" {
		return Template{}
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 20 * time.Second
	}
	return &Client{
		cfg:  cfg,
		log:  log,
		http: &http.Client{Timeout: timeout},
	}
}

// Client generates content through an external HTTP endpoint.
type Client struct {
	cfg  Config
	log  logx.Logger
	http *http.Client
}

func (c *Client) Generate(ctx context.Context, p delivery.Prompt) (delivery.Message, error) {
	payload := struct {
		GoalTitle    string `json:"goal_title"`
		GoalCategory string `json:"goal_category"`
		Voice        string `json:"voice"`
		Streak       int    `json:"streak"`
		ReplyText    string `json:"reply_text,omitempty"`
	}{p.GoalTitle, p.GoalCategory, p.Voice, p.Streak, p.ReplyText}

	b, err := json.Marshal(payload)
	if err != nil {
		return delivery.Message{}, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.Endpoint, bytes.NewReader(b))
	if err != nil {
		return delivery.Message{}, err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.cfg.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return delivery.Message{}, err
	}
	defer resp.Body.Close()
	if resp.StatusCode/100 != 2 {
		return delivery.Message{}, fmt.Errorf("generate: http %d", resp.StatusCode)
	}

	var out struct {
		Subject string `json:"subject"`
		Body    string `json:"body"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return delivery.Message{}, fmt.Errorf("generate: decode: %w", err)
	}
	if out.Body == "" {
		return delivery.Message{}, fmt.Errorf("generate: empty body")
	}
	return delivery.Message{Subject: out.Subject, Body: out.Body}, nil
}

// Template is the local generator: deterministic, no network.
type Template struct{}

func (Template) Generate(_ context.Context, p delivery.Prompt) (delivery.Message, error) {
	subject := "Your nudge"
	if p.GoalTitle != "" {
		subject = p.GoalTitle
	}

	var b strings.Builder
	if p.GoalTitle != "" {
		fmt.Fprintf(&b, "Time to work on %q.", p.GoalTitle)
	} else {
		b.WriteString("Time for your check-in.")
	}
	if p.Streak > 1 {
		fmt.Fprintf(&b, " You're on a %d-day streak; keep it going.", p.Streak)
	}
	if p.ReplyText != "" {
		b.WriteString(" Thanks for your last note.")
	}
	if p.Voice != "" {
		fmt.Fprintf(&b, " (%s)", p.Voice)
	}
	return delivery.Message{Subject: subject, Body: b.String()}, nil
}
