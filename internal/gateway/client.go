// Package gateway is the only path to the Manifold API. The request side
// wraps REST calls with rate limiting, response caching and retry triage;
// the stream side (stream.go) maintains the realtime websocket feed.
package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"dagonet/internal/config"
	"dagonet/internal/model"
)

type Client struct {
	baseURL      string
	rootURL      string
	key          string
	userID       string
	http         *http.Client
	limiter      *rate.Limiter
	cache        *responseCache
	cacheTTL     time.Duration
	endpointTTLs map[string]time.Duration
	timeout      time.Duration
	maxRetries   int
	retryDelay   time.Duration
}

func New(cfg config.APIConfig) *Client {
	ttls := make(map[string]time.Duration, len(cfg.EndpointTTLs))
	for endpoint, d := range cfg.EndpointTTLs {
		ttls[endpoint] = d.Duration
	}
	return &Client{
		baseURL:      strings.TrimSuffix(cfg.BaseURL, "/"),
		rootURL:      strings.TrimSuffix(strings.TrimSuffix(cfg.BaseURL, "/"), "/v0"),
		key:          cfg.Key,
		userID:       cfg.UserID,
		http:         &http.Client{},
		limiter:      rate.NewLimiter(rate.Limit(cfg.RatePerSec), cfg.RateBurst),
		cache:        newResponseCache(),
		cacheTTL:     cfg.CacheTTL.Duration,
		endpointTTLs: ttls,
		timeout:      cfg.Timeout.Duration,
		maxRetries:   cfg.MaxRetries,
		retryDelay:   cfg.RetryDelay.Duration,
	}
}

// UserID returns the authenticated bot account's user ID.
func (c *Client) UserID() string {
	return c.userID
}

// Get fetches endpoint with the default (or per-endpoint override) TTL.
func (c *Client) Get(ctx context.Context, endpoint string, params url.Values) (json.RawMessage, error) {
	return c.GetTTL(ctx, endpoint, params, c.ttlFor(endpoint))
}

// GetTTL fetches endpoint, serving from cache when a live entry exists.
func (c *Client) GetTTL(ctx context.Context, endpoint string, params url.Values, ttl time.Duration) (json.RawMessage, error) {
	key := cacheKey(endpoint, params)
	if payload, ok := c.cache.get(key); ok {
		return payload, nil
	}

	rawURL := c.baseURL + "/" + endpoint
	if len(params) > 0 {
		rawURL += "?" + params.Encode()
	}
	payload, err := c.request(ctx, http.MethodGet, endpoint, rawURL, nil)
	if err != nil {
		return nil, err
	}
	c.cache.set(key, payload, ttl)
	return payload, nil
}

// Post sends a JSON body. Responses are never cached.
func (c *Client) Post(ctx context.Context, endpoint string, body any) (json.RawMessage, error) {
	data, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("encoding %s body: %w", endpoint, err)
	}
	return c.request(ctx, http.MethodPost, endpoint, c.baseURL+"/"+endpoint, data)
}

// postRoot targets undocumented endpoints that live at the API root
// rather than under /v0.
func (c *Client) postRoot(ctx context.Context, endpoint string, body any) (json.RawMessage, error) {
	var data []byte
	if body != nil {
		var err error
		data, err = json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("encoding %s body: %w", endpoint, err)
		}
	}
	return c.request(ctx, http.MethodPost, endpoint, c.rootURL+"/"+endpoint, data)
}

// ttlFor resolves the cache TTL for an endpoint, matching overrides by
// the endpoint's first path segment.
func (c *Client) ttlFor(endpoint string) time.Duration {
	prefix := endpoint
	if i := strings.IndexByte(endpoint, '/'); i >= 0 {
		prefix = endpoint[:i]
	}
	if ttl, ok := c.endpointTTLs[prefix]; ok {
		return ttl
	}
	return c.cacheTTL
}

// request performs one logical call, retrying transient failures up to
// maxRetries with doubling delay. Permanent failures return immediately.
func (c *Client) request(ctx context.Context, method, endpoint, rawURL string, body []byte) (json.RawMessage, error) {
	var lastErr *Error
	delay := c.retryDelay

	for attempt := 0; attempt <= c.maxRetries; attempt++ {
		if attempt > 0 {
			slog.Debug("retrying request", "endpoint", endpoint, "attempt", attempt, "delay", delay)
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return nil, &Error{Endpoint: endpoint, Retryable: true, Err: ctx.Err()}
			}
			delay *= 2
		}

		if err := c.limiter.Wait(ctx); err != nil {
			return nil, &Error{Endpoint: endpoint, Retryable: true, Err: err}
		}

		payload, err := c.do(ctx, method, endpoint, rawURL, body)
		if err == nil {
			return payload, nil
		}
		lastErr = err
		if !err.Retryable {
			return nil, err
		}
	}
	return nil, lastErr
}

func (c *Client) do(ctx context.Context, method, endpoint, rawURL string, body []byte) (json.RawMessage, *Error) {
	reqCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(reqCtx, method, rawURL, reader)
	if err != nil {
		return nil, &Error{Endpoint: endpoint, Retryable: false, Err: err}
	}
	req.Header.Set("Authorization", "Key "+c.key)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, &Error{Endpoint: endpoint, Retryable: true, Err: err}
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &Error{Endpoint: endpoint, Status: resp.StatusCode, Retryable: true, Err: err}
	}

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return payload, nil
	case resp.StatusCode == http.StatusRequestTimeout,
		resp.StatusCode == http.StatusTooManyRequests,
		resp.StatusCode >= 500:
		return nil, &Error{
			Endpoint:  endpoint,
			Status:    resp.StatusCode,
			Retryable: true,
			Err:       fmt.Errorf("server returned %s: %s", resp.Status, truncate(payload)),
		}
	default:
		return nil, &Error{
			Endpoint:  endpoint,
			Status:    resp.StatusCode,
			Retryable: false,
			Err:       fmt.Errorf("request rejected with %s: %s", resp.Status, truncate(payload)),
		}
	}
}

func truncate(b []byte) string {
	const limit = 256
	if len(b) > limit {
		return string(b[:limit]) + "..."
	}
	return string(b)
}

// BetRequest is the body of the place-bet endpoint.
type BetRequest struct {
	ContractID string   `json:"contractId"`
	AnswerID   string   `json:"answerId,omitempty"`
	Outcome    string   `json:"outcome"`
	Amount     float64  `json:"amount"`
	LimitProb  *float64 `json:"limitProb,omitempty"`
}

// LoanResult is the payload of a successful loan request.
type LoanResult struct {
	Payout float64 `json:"payout"`
}

func (c *Client) GetMarket(ctx context.Context, marketID string) (*model.Market, error) {
	payload, err := c.Get(ctx, "market/"+marketID, nil)
	if err != nil {
		return nil, err
	}
	var market model.Market
	if err := json.Unmarshal(payload, &market); err != nil {
		return nil, fmt.Errorf("decoding market %s: %w", marketID, err)
	}
	return &market, nil
}

// GetBets returns the most recent bets on a market, newest first.
func (c *Client) GetBets(ctx context.Context, marketID string, limit int) ([]model.Bet, error) {
	params := url.Values{}
	params.Set("contractId", marketID)
	if limit > 0 {
		params.Set("limit", strconv.Itoa(limit))
	}
	payload, err := c.Get(ctx, "bets", params)
	if err != nil {
		return nil, err
	}
	var bets []model.Bet
	if err := json.Unmarshal(payload, &bets); err != nil {
		return nil, fmt.Errorf("decoding bets for %s: %w", marketID, err)
	}
	return bets, nil
}

func (c *Client) GetUserByID(ctx context.Context, userID string) (*model.User, error) {
	payload, err := c.Get(ctx, "user/by-id/"+userID, nil)
	if err != nil {
		return nil, err
	}
	var user model.User
	if err := json.Unmarshal(payload, &user); err != nil {
		return nil, fmt.Errorf("decoding user %s: %w", userID, err)
	}
	return &user, nil
}

// GetMarketPositions returns a user's positions in a market, optionally
// narrowed to one answer.
func (c *Client) GetMarketPositions(ctx context.Context, marketID, userID, answerID string) ([]model.Position, error) {
	params := url.Values{}
	if userID != "" {
		params.Set("userId", userID)
	}
	if answerID != "" {
		params.Set("answerId", answerID)
	}
	payload, err := c.Get(ctx, "market/"+marketID+"/positions", params)
	if err != nil {
		return nil, err
	}
	var positions []model.Position
	if err := json.Unmarshal(payload, &positions); err != nil {
		return nil, fmt.Errorf("decoding positions for %s: %w", marketID, err)
	}
	return positions, nil
}

// GetMarketProbability returns the current probability of a market, or of
// one answer when answerID is set.
func (c *Client) GetMarketProbability(ctx context.Context, marketID, answerID string) (float64, error) {
	market, err := c.GetMarket(ctx, marketID)
	if err != nil {
		return 0, err
	}
	if answerID != "" {
		prob, ok := market.AnswerProbability(answerID)
		if !ok {
			return 0, fmt.Errorf("market %s has no answer %s", marketID, answerID)
		}
		return prob, nil
	}
	if market.Probability == nil {
		return 0, fmt.Errorf("market %s has no probability", marketID)
	}
	return *market.Probability, nil
}

func (c *Client) PlaceBet(ctx context.Context, req BetRequest) (*model.Bet, error) {
	payload, err := c.Post(ctx, "bet", req)
	if err != nil {
		return nil, err
	}
	var bet model.Bet
	if err := json.Unmarshal(payload, &bet); err != nil {
		return nil, fmt.Errorf("decoding placed bet: %w", err)
	}
	return &bet, nil
}

func (c *Client) SendManagram(ctx context.Context, toIDs []string, amount float64, message string) error {
	body := map[string]any{
		"toIds":   toIDs,
		"amount":  amount,
		"message": message,
	}
	_, err := c.Post(ctx, "managram", body)
	return err
}

// RequestLoan claims the daily loan. The endpoint lives at the API root,
// outside /v0.
func (c *Client) RequestLoan(ctx context.Context) (*LoanResult, error) {
	payload, err := c.postRoot(ctx, "request-loan", nil)
	if err != nil {
		return nil, err
	}
	var result LoanResult
	if err := json.Unmarshal(payload, &result); err != nil {
		return nil, fmt.Errorf("decoding loan result: %w", err)
	}
	return &result, nil
}

// GetTransactions lists mana transfers to a user after a point in time.
func (c *Client) GetTransactions(ctx context.Context, toID string, after time.Time, category string) ([]model.Transaction, error) {
	params := url.Values{}
	if toID != "" {
		params.Set("toId", toID)
	}
	if !after.IsZero() {
		params.Set("after", strconv.FormatInt(after.UnixMilli(), 10))
	}
	if category != "" {
		params.Set("category", category)
	}
	payload, err := c.Get(ctx, "txns", params)
	if err != nil {
		return nil, err
	}
	var txns []model.Transaction
	if err := json.Unmarshal(payload, &txns); err != nil {
		return nil, fmt.Errorf("decoding transactions: %w", err)
	}
	return txns, nil
}
