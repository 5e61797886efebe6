package neural

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/ElSerda/KissBot-sub000/internal/config"
)

// streamError marks a connection that broke after the response stream had
// started. Some model servers choke on the separate system role and drop the
// connection mid-stream instead of returning 400, so this triggers the same
// folded-prompt retry.
type streamError struct {
	err error
}

func (e *streamError) Error() string { return fmt.Sprintf("stream interrupted: %v", e.err) }
func (e *streamError) Unwrap() error { return e.err }

// chatCompletionRequest is the OpenAI-compatible chat-completions payload,
// shared by the local (streaming) and cloud (plain) backends.
type chatCompletionRequest struct {
	Model         string        `json:"model"`
	Messages      []chatMessage `json:"messages"`
	MaxTokens     int           `json:"max_tokens"`
	Temperature   float64       `json:"temperature"`
	RepeatPenalty float64       `json:"repeat_penalty,omitempty"`
	Stop          []string      `json:"stop,omitempty"`
	Stream        bool          `json:"stream"`
}

// streamChunk is one SSE delta frame from the local endpoint.
type streamChunk struct {
	Choices []struct {
		Delta struct {
			Content string `json:"content"`
		} `json:"delta"`
		FinishReason *string `json:"finish_reason"`
	} `json:"choices"`
}

// LocalBackend talks to a local OpenAI-compatible chat-completions endpoint
// over a streaming request. Chunks are assembled internally and never reach
// any consumer; the response surfaces only after post-processing.
type LocalBackend struct {
	endpoint string
	model    string
	language string
	enabled  bool
	debug    bool

	botName          string
	personality      string
	personaOnMention bool
	personaOnAsk     bool
	overrides        config.InferenceConfig

	client           *http.Client
	inferenceTimeout time.Duration

	breaker *Breaker
	tracker *tracker
	post    *postProcessor
	logger  *slog.Logger
}

// NewLocal builds the local backend from configuration. The four timeout
// knobs map onto the HTTP client: connect to the dialer, write to the
// response-header wait, pool to idle connection reuse, and inference to the
// per-call deadline that covers the whole request plus stream read.
func NewLocal(llm config.LLMConfig, neural config.NeuralConfig, bot config.BotConfig, logger *slog.Logger) *LocalBackend {
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

	return &LocalBackend{
		endpoint:         llm.ModelEndpoint,
		model:            llm.ModelName,
		language:         llm.Language,
		enabled:          llm.Provider == "local" || llm.Provider == "auto",
		debug:            llm.DebugStreaming,
		botName:          bot.Name,
		personality:      bot.Personality,
		personaOnMention: llm.PersonalityOnMention(),
		personaOnAsk:     llm.UsePersonalityOnAsk,
		overrides:        llm.Inference,
		client:           &http.Client{Transport: transport},
		inferenceTimeout: time.Duration(neural.TimeoutInference) * time.Second,
		breaker:          NewBreaker(neural.LocalFailureThreshold, time.Duration(neural.LocalRecoveryTime)*time.Second),
		tracker:          newTracker(neural.EMAAlphaLocal),
		post:             newPostProcessor(bot.Name),
		logger:           logger.With("backend", BackendLocal),
	}
}

// Name implements Backend.
func (l *LocalBackend) Name() string { return BackendLocal }

// CanExecute implements Backend. The breaker query performs the
// open-to-half-open transition once the recovery window has elapsed.
func (l *LocalBackend) CanExecute(ctx context.Context) bool {
	return l.enabled && l.breaker.Allow()
}

// Invoke implements Backend: one streamed completion, with a single
// folded-prompt retry for endpoints that reject the system role, then the
// post-processing pipeline. Breaker and bandit stats are updated on every
// terminal outcome.
func (l *LocalBackend) Invoke(ctx context.Context, req Request) (Response, error) {
	if !l.enabled {
		return Response{}, ErrBackendDisabled
	}

	ctx, cancel := context.WithTimeout(ctx, l.inferenceTimeout)
	defer cancel()

	params := resolveParams(req.Context, req.Class, l.overrides)
	msgs := buildMessages(l.promptSpec(req), req)

	start := time.Now()
	raw, finish, err := l.complete(ctx, msgs, params, req.CorrelationID)
	if err != nil && shouldFoldRetry(err) {
		l.logger.Info("retrying with folded system prompt",
			"correlation_id", req.CorrelationID, "error_class", string(ClassifyError(err)))
		raw, finish, err = l.complete(ctx, foldSystem(msgs), params, req.CorrelationID)
	}
	latency := time.Since(start)

	if err == nil {
		raw, err = l.post.process(raw, req.Class, req.Context, finish)
	}
	if err != nil {
		l.tracker.recordFailure(err)
		l.breaker.RecordFailure()
		l.logger.Warn("local completion failed",
			"correlation_id", req.CorrelationID,
			"error_class", string(ClassifyError(err)),
			"latency_ms", latency.Milliseconds(),
			"error", err)
		return Response{}, err
	}

	reward := shapeReward(raw, latency, localRewardShape)
	l.tracker.recordSuccess(latency, reward)
	l.breaker.RecordSuccess()

	return Response{
		Text:         raw,
		Backend:      BackendLocal,
		Latency:      latency,
		FinishReason: finish,
		Reward:       reward,
	}, nil
}

func (l *LocalBackend) promptSpec(req Request) promptSpec {
	use := false
	switch req.Context {
	case ContextMention:
		use = l.personaOnMention
	case ContextAsk:
		use = l.personaOnAsk
	}
	return promptSpec{
		botName:     l.botName,
		personality: l.personality,
		language:    l.language,
		usePersona:  use,
	}
}

// complete runs one streaming round trip and returns the assembled text and
// the last non-empty finish_reason.
func (l *LocalBackend) complete(ctx context.Context, msgs []chatMessage, p Params, corrID string) (string, string, error) {
	payload, err := json.Marshal(chatCompletionRequest{
		Model:         l.model,
		Messages:      msgs,
		MaxTokens:     p.MaxTokens,
		Temperature:   p.Temperature,
		RepeatPenalty: p.RepeatPenalty,
		Stop:          p.Stop,
		Stream:        true,
	})
	if err != nil {
		return "", "", fmt.Errorf("encode request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, l.endpoint, bytes.NewReader(payload))
	if err != nil {
		return "", "", fmt.Errorf("build request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "text/event-stream")

	resp, err := l.client.Do(httpReq)
	if err != nil {
		return "", "", fmt.Errorf("local endpoint: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return "", "", &HTTPError{Status: resp.StatusCode, Body: string(body)}
	}

	return l.readStream(ctx, resp.Body, corrID)
}

// readStream assembles SSE deltas until [DONE] or the stream closes. Chunks
// never leave this function.
func (l *LocalBackend) readStream(ctx context.Context, body io.Reader, corrID string) (string, string, error) {
	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	var sb strings.Builder
	finish := ""
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 || !bytes.HasPrefix(line, []byte("data: ")) {
			continue
		}
		data := bytes.TrimPrefix(line, []byte("data: "))
		if string(data) == "[DONE]" {
			return sb.String(), finish, nil
		}

		var chunk streamChunk
		if err := json.Unmarshal(data, &chunk); err != nil {
			// Malformed frames are skipped, not fatal.
			continue
		}
		if len(chunk.Choices) == 0 {
			continue
		}
		if delta := chunk.Choices[0].Delta.Content; delta != "" {
			sb.WriteString(delta)
			if l.debug {
				l.logger.Debug("stream chunk", "correlation_id", corrID, "delta", delta)
			}
		}
		if fr := chunk.Choices[0].FinishReason; fr != nil && *fr != "" {
			finish = *fr
		}
	}

	if err := scanner.Err(); err != nil {
		if ctx.Err() != nil {
			return "", "", ctx.Err()
		}
		return "", "", &streamError{err: err}
	}
	// Stream closed without [DONE]; the buffer is what we got.
	return sb.String(), finish, nil
}

// shouldFoldRetry reports whether the error warrants the single retry with
// system content folded into the user message: a 400 naming the system role,
// or any mid-stream connection break.
func shouldFoldRetry(err error) bool {
	var httpErr *HTTPError
	if errors.As(err, &httpErr) {
		return httpErr.Status == http.StatusBadRequest &&
			strings.Contains(strings.ToLower(httpErr.Body), "system")
	}
	var se *streamError
	return errors.As(err, &se)
}

// Stats implements Backend.
func (l *LocalBackend) Stats() BackendStats {
	var s BackendStats
	l.tracker.fill(&s)
	s.BreakerState = l.breaker.State()
	s.ConsecutiveFailures = l.breaker.Failures()
	s.LastFailure = l.breaker.LastFailure()
	return s
}

// Metrics implements Backend.
func (l *LocalBackend) Metrics() map[string]any {
	s := l.Stats()
	return map[string]any{
		"endpoint":       l.endpoint,
		"model":          l.model,
		"enabled":        l.enabled,
		"breaker_state":  string(s.BreakerState),
		"trials":         s.Trials,
		"avg_reward":     s.AvgReward,
		"ema_latency_s":  s.EMALatency,
		"ema_success":    s.EMASuccessRate,
		"consec_failures": s.ConsecutiveFailures,
	}
}
