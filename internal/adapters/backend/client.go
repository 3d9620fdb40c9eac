// Package backend is the REST client of the interview backend.
package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/dkeye/Interview/internal/core"
	"github.com/dkeye/Interview/internal/domain"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

const defaultTimeout = 15 * time.Second

// StatusError is a non-2xx reply.
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("backend returned %d", e.Code)
	}
	return fmt.Sprintf("backend returned %d: %s", e.Code, e.Body)
}

type Client struct {
	baseURL string
	token   string
	http    *http.Client
	logger  zerolog.Logger
}

var (
	_ core.InterviewAPI = (*Client)(nil)
	_ core.LiveAI       = (*Client)(nil)
)

func New(baseURL, token string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		http:    &http.Client{Timeout: timeout},
		logger:  log.With().Str("module", "backend").Logger(),
	}
}

func (c *Client) Join(ctx context.Context, id domain.InterviewID, req core.JoinRequest) error {
	return c.post(ctx, id, "join", req, nil)
}

// End treats 404 and 409 as already ended.
func (c *Client) End(ctx context.Context, id domain.InterviewID, endedBy string) error {
	err := c.post(ctx, id, "end", map[string]string{"endedBy": endedBy}, nil)
	var se *StatusError
	if errors.As(err, &se) && (se.Code == http.StatusNotFound || se.Code == http.StatusConflict) {
		c.logger.Info().Str("interview", string(id)).Int("status", se.Code).Msg("interview already ended")
		return nil
	}
	return err
}

func (c *Client) StartLiveAI(ctx context.Context, id domain.InterviewID) (domain.LiveAIStart, error) {
	var out domain.LiveAIStart
	err := c.post(ctx, id, "start-live-ai", struct{}{}, &out)
	return out, err
}

type responseRequest struct {
	CandidateResponse string         `json:"candidateResponse"`
	Metadata          map[string]any `json:"metadata,omitempty"`
}

func (c *Client) RespondLiveAI(ctx context.Context, id domain.InterviewID, text string, metadata map[string]any) (domain.TurnResult, error) {
	var out domain.TurnResult
	err := c.post(ctx, id, "live-ai-response", responseRequest{CandidateResponse: text, Metadata: metadata}, &out)
	return out, err
}

type completeResponse struct {
	Summary json.RawMessage `json:"summary"`
}

// CompleteLiveAI accepts the summary either as text or as an object.
func (c *Client) CompleteLiveAI(ctx context.Context, id domain.InterviewID) (domain.Summary, error) {
	var out completeResponse
	if err := c.post(ctx, id, "complete-live-ai", struct{}{}, &out); err != nil {
		return domain.Summary{}, err
	}
	var s domain.Summary
	if len(out.Summary) == 0 || string(out.Summary) == "null" {
		return s, nil
	}
	if err := json.Unmarshal(out.Summary, &s.Text); err == nil {
		return s, nil
	}
	if err := json.Unmarshal(out.Summary, &s.Extra); err != nil {
		return domain.Summary{}, domain.NewOpError("complete-live-ai", err, "summary")
	}
	if text, ok := s.Extra["text"].(string); ok {
		s.Text = text
	}
	return s, nil
}

func (c *Client) post(ctx context.Context, id domain.InterviewID, action string, body, out any) error {
	op := "backend." + action
	b, err := json.Marshal(body)
	if err != nil {
		return domain.NewOpError(op, err, "encode")
	}
	endpoint := fmt.Sprintf("%s/interviews/%s/%s", c.baseURL, url.PathEscape(string(id)), action)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(b))
	if err != nil {
		return domain.NewOpError(op, err, endpoint)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		return domain.NewOpError(op, err, string(id))
	}
	defer resp.Body.Close()
	c.logger.Debug().
		Str("interview", string(id)).
		Str("action", action).
		Int("status", resp.StatusCode).
		Dur("took", time.Since(start)).
		Msg("backend call")

	if resp.StatusCode/100 != 2 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return &StatusError{Code: resp.StatusCode, Body: strings.TrimSpace(string(msg))}
	}
	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return domain.NewOpError(op, err, "decode")
	}
	return nil
}
