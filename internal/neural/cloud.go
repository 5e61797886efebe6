package neural

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/ElSerda/KissBot-sub000/internal/config"
)

// defaultCloudEndpoint is the OpenAI chat-completions URL.
const defaultCloudEndpoint = "https://api.openai.com/v1/chat/completions"

// Cloud backoff bounds, in seconds.
const (
	cloudBackoffBase = 1.0
	cloudBackoffCap  = 60.0
)

// cloudResponse is a non-streaming chat-completions reply.
type cloudResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
	Error *struct {
		Message string `json:"message"`
		Type    string `json:"type"`
		Code    string `json:"code"`
	} `json:"error,omitempty"`
}

// CloudBackend talks to the hosted chat-completions endpoint with bearer
// authentication. It is slower but higher quality than the local generator,
// so its reward shaping tolerates two seconds of latency. Rate limiting
// (429) sets a deadline during which CanExecute refuses; quota exhaustion
// (402) sets a sticky flag cleared only by restarting the process.
type CloudBackend struct {
	endpoint string
	model    string
	language string
	apiKey   string
	enabled  bool

	botName          string
	personality      string
	personaOnMention bool
	personaOnAsk     bool

	client  *http.Client
	timeout time.Duration

	breaker *Breaker
	tracker *tracker
	post    *postProcessor
	logger  *slog.Logger
	now     func() time.Time

	mu               sync.Mutex
	rateLimitedUntil time.Time
	quotaExhausted   bool
	backoff          float64 // seconds until the next attempt after a failure
	lastFailureAt    time.Time
	quotaLogged      bool
}

// CloudOption overrides cloud backend defaults, for tests.
type CloudOption func(*CloudBackend)

// WithCloudEndpoint points the backend at a different URL.
func WithCloudEndpoint(url string) CloudOption {
	return func(c *CloudBackend) { c.endpoint = url }
}

// WithCloudClock substitutes the time source.
func WithCloudClock(now func() time.Time) CloudOption {
	return func(c *CloudBackend) { c.now = now }
}

// NewCloud builds the cloud backend from configuration.
func NewCloud(llm config.LLMConfig, neural config.NeuralConfig, apis config.APIsConfig, bot config.BotConfig, logger *slog.Logger, opts ...CloudOption) *CloudBackend {
	if logger == nil {
		logger = slog.Default()
	}

	transport := &http.Transport{
		DialContext: (&net.Dialer{
			Timeout: time.Duration(neural.TimeoutConnect) * time.Second,
		}).DialContext,
		ResponseHeaderTimeout: time.Duration(neural.TimeoutWrite) * time.Second,
		IdleConnTimeout:       time.Duration(neural.TimeoutPool) * time.Second,
	}

	c := &CloudBackend{
		endpoint:         defaultCloudEndpoint,
		model:            "gpt-4o-mini",
		language:         llm.Language,
		apiKey:           apis.OpenAIKey,
		enabled:          llm.Provider == "cloud" || llm.Provider == "auto",
		botName:          bot.Name,
		personality:      bot.Personality,
		personaOnMention: llm.PersonalityOnMention(),
		personaOnAsk:     llm.UsePersonalityOnAsk,
		client:           &http.Client{Transport: transport},
		timeout:          time.Duration(neural.TimeoutInference) * time.Second,
		breaker:          NewBreaker(neural.CloudFailureThreshold, time.Duration(neural.CloudRecoveryTime)*time.Second),
		tracker:          newTracker(neural.EMAAlphaCloud),
		post:             newPostProcessor(bot.Name),
		logger:           logger.With("backend", BackendCloud),
		now:              time.Now,
		backoff:          cloudBackoffBase,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Name implements Backend.
func (c *CloudBackend) Name() string { return BackendCloud }

// CanExecute implements Backend: provider gating, credential presence,
// breaker, rate-limit deadline, failure backoff, and the sticky quota flag.
func (c *CloudBackend) CanExecute(ctx context.Context) bool {
	if !c.enabled || c.apiKey == "" {
		return false
	}

	c.mu.Lock()
	now := c.now()
	blocked := c.quotaExhausted ||
		now.Before(c.rateLimitedUntil) ||
		(!c.lastFailureAt.IsZero() && now.Before(c.lastFailureAt.Add(time.Duration(c.backoff*float64(time.Second)))))
	c.mu.Unlock()

	return !blocked && c.breaker.Allow()
}

// Invoke implements Backend: one non-streaming completion, post-processed.
func (c *CloudBackend) Invoke(ctx context.Context, req Request) (Response, error) {
	if !c.enabled {
		return Response{}, ErrBackendDisabled
	}
	if c.isQuotaExhausted() {
		return Response{}, ErrQuotaExhausted
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	msgs := buildMessages(c.promptSpec(req), req)
	params := c.params(req)

	start := c.now()
	raw, finish, err := c.complete(ctx, msgs, params)
	latency := c.now().Sub(start)

	if err == nil {
		raw, err = c.post.process(raw, req.Class, req.Context, finish)
	}
	if err != nil {
		c.recordFailure(req.CorrelationID, latency, err)
		return Response{}, err
	}

	reward := shapeReward(raw, latency, cloudRewardShape)
	c.tracker.recordSuccess(latency, reward)
	c.breaker.RecordSuccess()
	c.mu.Lock()
	c.backoff = cloudBackoffBase
	c.mu.Unlock()

	return Response{
		Text:         raw,
		Backend:      BackendCloud,
		Latency:      latency,
		FinishReason: finish,
		Reward:       reward,
	}, nil
}

func (c *CloudBackend) promptSpec(req Request) promptSpec {
	use := false
	switch req.Context {
	case ContextMention:
		use = c.personaOnMention
	case ContextAsk:
		use = c.personaOnAsk
	}
	return promptSpec{
		botName:     c.botName,
		personality: c.personality,
		language:    c.language,
		usePersona:  use,
	}
}

// params picks the cloud generation parameters: fewer tokens than local
// (quality over length) and temperature by call context.
func (c *CloudBackend) params(req Request) Params {
	maxTokens := 90
	if req.Class == ClassGenLong {
		maxTokens = 60
	}
	temperature := 0.7
	switch req.Context {
	case ContextAsk:
		temperature = 0.4
	case ContextMention:
		temperature = 0.8
	}
	return Params{MaxTokens: maxTokens, Temperature: temperature, Stop: []string{"\n"}}
}

func (c *CloudBackend) complete(ctx context.Context, msgs []chatMessage, p Params) (string, string, error) {
	payload, err := json.Marshal(chatCompletionRequest{
		Model:       c.model,
		Messages:    msgs,
		MaxTokens:   p.MaxTokens,
		Temperature: p.Temperature,
		Stop:        p.Stop,
	})
	if err != nil {
		return "", "", fmt.Errorf("encode request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(payload))
	if err != nil {
		return "", "", fmt.Errorf("build request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := c.client.Do(httpReq)
	if err != nil {
		return "", "", fmt.Errorf("cloud endpoint: %w", err)
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(io.LimitReader(resp.Body, 64*1024))

	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		retryAfter := parseRetryAfter(resp.Header.Get("Retry-After"), c.now())
		c.mu.Lock()
		c.rateLimitedUntil = c.now().Add(retryAfter)
		c.mu.Unlock()
		c.logger.Warn("cloud rate limited", "retry_after_s", retryAfter.Seconds())
		return "", "", fmt.Errorf("%w: retry after %s", ErrRateLimited, retryAfter)

	case resp.StatusCode == http.StatusPaymentRequired || isQuotaBody(body):
		c.markQuotaExhausted()
		return "", "", ErrQuotaExhausted

	case resp.StatusCode != http.StatusOK:
		return "", "", &HTTPError{Status: resp.StatusCode, Body: string(body)}
	}

	var out cloudResponse
	if err := json.Unmarshal(body, &out); err != nil {
		return "", "", fmt.Errorf("decode response: %w", err)
	}
	if out.Error != nil {
		if strings.Contains(out.Error.Type, "insufficient_quota") || strings.Contains(out.Error.Code, "insufficient_quota") {
			c.markQuotaExhausted()
			return "", "", ErrQuotaExhausted
		}
		return "", "", fmt.Errorf("cloud error: %s", out.Error.Message)
	}
	if len(out.Choices) == 0 {
		return "", "", fmt.Errorf("cloud response had no choices")
	}
	return out.Choices[0].Message.Content, out.Choices[0].FinishReason, nil
}

// recordFailure updates breaker, bandit, and the exponential backoff. A 429
// charges the breaker but does not grow the backoff; the rate-limit deadline
// already gates the backend.
func (c *CloudBackend) recordFailure(corrID string, latency time.Duration, err error) {
	c.tracker.recordFailure(err)
	c.breaker.RecordFailure()

	class := ClassifyError(err)
	if class != ErrorClassRateLimit {
		c.mu.Lock()
		c.lastFailureAt = c.now()
		c.backoff = c.backoff * 2
		if c.backoff > cloudBackoffCap {
			c.backoff = cloudBackoffCap
		}
		c.mu.Unlock()
	}

	c.logger.Warn("cloud completion failed",
		"correlation_id", corrID,
		"error_class", string(class),
		"latency_ms", latency.Milliseconds(),
		"error", err)
}

func (c *CloudBackend) markQuotaExhausted() {
	c.mu.Lock()
	first := !c.quotaExhausted
	c.quotaExhausted = true
	logIt := first && !c.quotaLogged
	c.quotaLogged = true
	c.mu.Unlock()
	if logIt {
		c.logger.Warn("cloud quota exhausted; backend disabled until restart")
	}
}

func (c *CloudBackend) isQuotaExhausted() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.quotaExhausted
}

func isQuotaBody(body []byte) bool {
	return bytes.Contains(bytes.ToLower(body), []byte("insufficient_quota"))
}

// parseRetryAfter handles both delta-seconds and HTTP-date forms; anything
// unparseable falls back to 30 seconds.
func parseRetryAfter(h string, now time.Time) time.Duration {
	h = strings.TrimSpace(h)
	if h == "" {
		return 30 * time.Second
	}
	if secs, err := strconv.Atoi(h); err == nil && secs >= 0 {
		return time.Duration(secs) * time.Second
	}
	if t, err := http.ParseTime(h); err == nil {
		if d := t.Sub(now); d > 0 {
			return d
		}
	}
	return 30 * time.Second
}

// Stats implements Backend.
func (c *CloudBackend) Stats() BackendStats {
	var s BackendStats
	c.tracker.fill(&s)
	s.BreakerState = c.breaker.State()
	s.ConsecutiveFailures = c.breaker.Failures()
	s.LastFailure = c.breaker.LastFailure()

	c.mu.Lock()
	s.RateLimitedUntil = c.rateLimitedUntil
	s.QuotaExhausted = c.quotaExhausted
	s.BackoffSeconds = c.backoff
	c.mu.Unlock()
	return s
}

// Metrics implements Backend.
func (c *CloudBackend) Metrics() map[string]any {
	s := c.Stats()
	return map[string]any{
		"model":           c.model,
		"enabled":         c.enabled,
		"breaker_state":   string(s.BreakerState),
		"trials":          s.Trials,
		"avg_reward":      s.AvgReward,
		"ema_latency_s":   s.EMALatency,
		"quota_exhausted": s.QuotaExhausted,
		"backoff_s":       s.BackoffSeconds,
	}
}
