package orchestrator

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// SessionDescription is an SDP offer or answer.
type SessionDescription struct {
	Type string `json:"type"`
	SDP  string `json:"sdp"`
}

// TokenRequest parameterizes the ephemeral token.
type TokenRequest struct {
	Voice         string `json:"voice,omitempty"`
	InputLanguage string `json:"inputLanguage"`
	ReplyLanguage string `json:"replyLanguage"`
}

// Token is an ephemeral credential for the signaling exchange.
type Token struct {
	Value     string    `json:"token"`
	ExpiresAt time.Time `json:"expiresAt,omitempty"`
}

// SessionAPI is the session, token and signaling collaborator.
type SessionAPI interface {
	CreateSession(ctx context.Context) (string, error)
	ProbeSession(ctx context.Context, sessionID string) error
	FetchToken(ctx context.Context, sessionID string, req TokenRequest) (Token, error)
	ExchangeSignaling(ctx context.Context, sessionID string, token Token, offer SessionDescription) (SessionDescription, error)
}

// HTTPSessionAPI implements SessionAPI over JSON/HTTP.
type HTTPSessionAPI struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
}

// NewHTTPSessionAPI creates a client for the collaborator at baseURL. A nil
// client uses a 15s-timeout default.
func NewHTTPSessionAPI(baseURL, apiKey string, client *http.Client) *HTTPSessionAPI {
	if client == nil {
		client = &http.Client{Timeout: 15 * time.Second}
	}
	return &HTTPSessionAPI{
		baseURL:    strings.TrimRight(baseURL, "/"),
		apiKey:     apiKey,
		httpClient: client,
	}
}

func (c *HTTPSessionAPI) CreateSession(ctx context.Context) (string, error) {
	var out struct {
		ID string `json:"id"`
	}
	if err := c.do(ctx, "create session", http.MethodPost, "/sessions", struct{}{}, &out); err != nil {
		return "", err
	}
	if strings.TrimSpace(out.ID) == "" {
		return "", &ExchangeError{Step: "create session", Code: CodeUnavailable, Message: "empty session id", Retriable: true}
	}
	return out.ID, nil
}

func (c *HTTPSessionAPI) ProbeSession(ctx context.Context, sessionID string) error {
	return c.do(ctx, "probe session", http.MethodGet, "/sessions/"+url.PathEscape(sessionID), nil, nil)
}

func (c *HTTPSessionAPI) FetchToken(ctx context.Context, sessionID string, req TokenRequest) (Token, error) {
	var out Token
	if err := c.do(ctx, "token exchange", http.MethodPost, "/sessions/"+url.PathEscape(sessionID)+"/token", req, &out); err != nil {
		return Token{}, err
	}
	if out.Value == "" {
		return Token{}, &ExchangeError{Step: "token exchange", Code: CodeUnavailable, Message: "empty token", Retriable: true}
	}
	return out, nil
}

func (c *HTTPSessionAPI) ExchangeSignaling(ctx context.Context, sessionID string, token Token, offer SessionDescription) (SessionDescription, error) {
	body := struct {
		SessionDescription
		Token string `json:"token"`
	}{SessionDescription: offer, Token: token.Value}
	var answer SessionDescription
	if err := c.do(ctx, "signaling exchange", http.MethodPost, "/sessions/"+url.PathEscape(sessionID)+"/sdp", body, &answer); err != nil {
		return SessionDescription{}, err
	}
	if answer.SDP == "" {
		return SessionDescription{}, &ExchangeError{Step: "signaling exchange", Code: CodeUnavailable, Message: "empty answer", Retriable: true}
	}
	if answer.Type == "" {
		answer.Type = "answer"
	}
	return answer, nil
}

func (c *HTTPSessionAPI) do(ctx context.Context, step, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		raw, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("marshal %s request: %w", step, err)
		}
		body = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("create %s request: %w", step, err)
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return err
		}
		var netErr net.Error
		retriable := errors.As(err, &netErr) || errors.Is(err, context.DeadlineExceeded)
		return &ExchangeError{Step: step, Code: CodeNetwork, Retriable: retriable, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		errBody, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
		return exchangeErrorFromResponse(step, resp.StatusCode, errBody)
	}
	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return &ExchangeError{Step: step, Code: CodeUnavailable, Status: resp.StatusCode, Message: "invalid response body", Retriable: true, Err: err}
	}
	return nil
}

func exchangeErrorFromResponse(step string, status int, body []byte) *ExchangeError {
	var envelope struct {
		Error struct {
			Code    string `json:"code"`
			Type    string `json:"type"`
			Message string `json:"message"`
		} `json:"error"`
	}
	_ = json.Unmarshal(body, &envelope)

	xe := &ExchangeError{
		Step:    step,
		Status:  status,
		Code:    strings.ToLower(strings.TrimSpace(envelope.Error.Code)),
		Message: envelope.Error.Message,
	}
	if xe.Message == "" {
		xe.Message = strings.TrimSpace(string(body))
	}
	if xe.Message == "" {
		xe.Message = http.StatusText(status)
	}

	if xe.Code == "" {
		switch {
		case status == http.StatusNotFound:
			xe.Code = CodeSessionNotFound
		case status == http.StatusGone || status == http.StatusConflict:
			xe.Code = CodeSessionUnavailable
		case status == http.StatusTooManyRequests:
			xe.Code = CodeRateLimited
		case status == http.StatusUnauthorized || status == http.StatusForbidden:
			xe.Code = CodeUnauthorized
		case status >= 500:
			xe.Code = CodeUnavailable
		default:
			xe.Code = CodeInvalidRequest
		}
	}
	xe.Retriable = status == http.StatusTooManyRequests || status >= 500 || status == http.StatusRequestTimeout
	return xe
}
