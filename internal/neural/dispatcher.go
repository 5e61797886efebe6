package neural

import (
	"context"
	"log/slog"
	"math"
	"sort"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	nooptrace "go.opentelemetry.io/otel/trace/noop"

	otelpkg "github.com/ElSerda/KissBot-sub000/internal/otel"
	"github.com/ElSerda/KissBot-sub000/internal/shared"
)

// correlationRingSize bounds the archive of completed dispatch decisions.
const correlationRingSize = 100

// recentWindow is the lookback for the recent success-rate aggregate.
const recentWindow = 5 * time.Minute

// Correlation traces one dispatch decision end to end.
type Correlation struct {
	ID         string
	Text       string // stimulus, clamped to 80 runes
	Context    string
	Class      Class
	Confidence float64
	Entropy    float64
	Backend    string // serving backend, or "fallback"
	Latency    time.Duration
	Reward     float64
	Outcome    string // "success" or "fallback"
	Response   string // preview, clamped to 64 runes
	Err        string
	StartedAt  time.Time
	EndedAt    time.Time
}

// DispatcherMetrics aggregates routing behavior for the status surface.
type DispatcherMetrics struct {
	TotalRequests     int
	SuccessRate       float64
	RecentSuccessRate float64 // over the trailing five minutes
	BackendShare      map[string]float64
	Backends          map[string]BackendStats
}

// DispatcherConfig wires the dispatcher.
type DispatcherConfig struct {
	// Backends in selection order; ties in UCB score resolve to the
	// earlier entry. Conventionally [local, cloud, reflex].
	Backends   []Backend
	Classifier *Classifier
	// Exploration is the UCB exploration constant c (default 1.4).
	Exploration float64
	// MinTrials forces exploration of backends tried fewer times (default 3).
	MinTrials int
	Logger    *slog.Logger
	Tracer    trace.Tracer
	Metrics   *otelpkg.Metrics
}

// Dispatcher classifies each prompt, picks a backend with UCB-1, invokes it,
// and falls back down the ranking until something answers. It never returns
// an empty reply: when every backend fails, a templated fallback keyed by
// class is returned with a nil error.
type Dispatcher struct {
	backends    []Backend
	reflex      Backend
	classifier  *Classifier
	exploration float64
	minTrials   int
	logger      *slog.Logger
	tracer      trace.Tracer
	metrics     *otelpkg.Metrics

	mu          sync.Mutex
	totalTrials int
	ring        []Correlation
}

// NewDispatcher creates a Dispatcher from cfg.
func NewDispatcher(cfg DispatcherConfig) *Dispatcher {
	if cfg.Exploration <= 0 {
		cfg.Exploration = 1.4
	}
	if cfg.MinTrials <= 0 {
		cfg.MinTrials = 3
	}
	if cfg.Classifier == nil {
		cfg.Classifier = NewClassifier(ClassifierConfig{})
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Tracer == nil {
		cfg.Tracer = nooptrace.NewTracerProvider().Tracer("neural")
	}

	d := &Dispatcher{
		backends:    cfg.Backends,
		classifier:  cfg.Classifier,
		exploration: cfg.Exploration,
		minTrials:   cfg.MinTrials,
		logger:      cfg.Logger,
		tracer:      cfg.Tracer,
		metrics:     cfg.Metrics,
		ring:        make([]Correlation, 0, correlationRingSize),
	}
	for _, b := range cfg.Backends {
		if b.Name() == BackendReflex {
			d.reflex = b
		}
	}
	return d
}

// Process classifies text, routes it to a backend, and returns the reply.
// Ping-class prompts bypass the bandit and go straight to reflex. The only
// non-nil error is context cancellation; every other failure path produces
// the templated fallback reply.
func (d *Dispatcher) Process(ctx context.Context, text, userID, channel, callCtx string) (string, error) {
	corrID := shared.NewCorrelationID()
	started := time.Now()

	ctx, span := otelpkg.StartSpan(ctx, d.tracer, "dispatcher.process",
		otelpkg.AttrContext.String(callCtx),
		otelpkg.AttrCorrelationID.String(corrID),
	)
	defer span.End()

	cls := d.classifier.Classify(text, callCtx)
	span.SetAttributes(otelpkg.AttrClass.String(string(cls.Class)))

	d.mu.Lock()
	d.totalTrials++
	total := d.totalTrials
	d.mu.Unlock()

	req := Request{
		Text:          text,
		Class:         cls.Class,
		Context:       callCtx,
		UserID:        userID,
		Channel:       channel,
		CorrelationID: corrID,
	}

	var candidates []Backend
	if cls.Class == ClassPing && d.reflex != nil {
		// Trivial prompts never earn an LLM round trip.
		candidates = []Backend{d.reflex}
	} else {
		candidates = d.rank(ctx, total)
	}

	var lastErr error
	for _, b := range candidates {
		if ctx.Err() != nil {
			return "", ctx.Err()
		}

		resp, err := b.Invoke(ctx, req)
		d.countInvocation(ctx, b.Name(), err)
		if err != nil {
			lastErr = err
			d.logger.Warn("backend failed",
				"correlation_id", corrID, "backend", b.Name(),
				"class", string(cls.Class), "error", err)
			continue
		}

		corr := Correlation{
			ID:         corrID,
			Text:       shared.Truncate(text, 80),
			Context:    callCtx,
			Class:      cls.Class,
			Confidence: cls.Confidence,
			Entropy:    cls.Entropy,
			Backend:    b.Name(),
			Latency:    resp.Latency,
			Reward:     resp.Reward,
			Outcome:    "success",
			Response:   shared.Truncate(resp.Text, 64),
			StartedAt:  started,
			EndedAt:    time.Now(),
		}
		d.archive(corr)
		d.observe(ctx, corr)
		d.logger.Info("dispatch",
			"correlation_id", corrID, "backend", b.Name(),
			"class", string(cls.Class), "confidence", cls.Confidence,
			"latency_ms", resp.Latency.Milliseconds(), "reward", resp.Reward,
			"outcome", "success")
		return resp.Text, nil
	}

	// Everything failed (or nothing was executable): templated fallback.
	corr := Correlation{
		ID:         corrID,
		Text:       shared.Truncate(text, 80),
		Context:    callCtx,
		Class:      cls.Class,
		Confidence: cls.Confidence,
		Entropy:    cls.Entropy,
		Backend:    "fallback",
		Outcome:    "fallback",
		StartedAt:  started,
		EndedAt:    time.Now(),
	}
	if lastErr != nil {
		corr.Err = lastErr.Error()
	}
	d.archive(corr)
	d.observe(ctx, corr)
	d.logger.Info("dispatch",
		"correlation_id", corrID, "backend", "fallback",
		"class", string(cls.Class), "outcome", "fallback", "error", corr.Err)
	return fallbackReply(cls.Class), nil
}

// rank scores every executable backend with UCB-1 and returns them best
// first. Backends under the exploration minimum score +Inf; among equals the
// earlier backend wins, so exploration proceeds in insertion order.
func (d *Dispatcher) rank(ctx context.Context, totalTrials int) []Backend {
	type scored struct {
		b     Backend
		score float64
	}
	list := make([]scored, 0, len(d.backends))
	for _, b := range d.backends {
		if !b.CanExecute(ctx) {
			// Unexecutable backends score -Inf: never invoked, never awaited.
			continue
		}
		st := b.Stats()
		var score float64
		if st.Trials < d.minTrials {
			score = math.Inf(1)
		} else {
			score = st.AvgReward + d.exploration*math.Sqrt(math.Log(float64(totalTrials))/float64(st.Trials+1))
		}
		list = append(list, scored{b: b, score: score})
	}

	sort.SliceStable(list, func(i, j int) bool { return list[i].score > list[j].score })

	out := make([]Backend, len(list))
	for i, s := range list {
		out[i] = s.b
	}
	return out
}

// fallbackReply is the templated last-resort answer per class.
func fallbackReply(class Class) string {
	switch class {
	case ClassPing:
		return "I'm here."
	case ClassGenLong:
		return "Thinking — try again shortly."
	default:
		return "Sorry, small hiccup."
	}
}

func (d *Dispatcher) archive(rec Correlation) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.ring) == correlationRingSize {
		copy(d.ring, d.ring[1:])
		d.ring[len(d.ring)-1] = rec
		return
	}
	d.ring = append(d.ring, rec)
}

// countInvocation counts one raw backend attempt, successful or not. The
// correlation record only captures the terminal decision, so mid-fallback
// failures would otherwise be invisible to metrics.
func (d *Dispatcher) countInvocation(ctx context.Context, backend string, err error) {
	if d.metrics == nil {
		return
	}
	outcome := "success"
	if err != nil {
		outcome = "error"
	}
	d.metrics.BackendInvocations.Add(ctx, 1, metric.WithAttributes(
		attribute.String("backend", backend),
		attribute.String("outcome", outcome),
	))
}

func (d *Dispatcher) observe(ctx context.Context, rec Correlation) {
	if d.metrics == nil {
		return
	}
	attrs := metric.WithAttributes(
		attribute.String("backend", rec.Backend),
		attribute.String("class", string(rec.Class)),
		attribute.String("outcome", rec.Outcome),
	)
	d.metrics.DispatchRequests.Add(ctx, 1, attrs)
	d.metrics.DispatchLatency.Record(ctx, rec.Latency.Seconds(),
		metric.WithAttributes(attribute.String("backend", rec.Backend)))
}

// Recent returns up to n archived correlations, newest last.
func (d *Dispatcher) Recent(n int) []Correlation {
	d.mu.Lock()
	defer d.mu.Unlock()
	if n <= 0 || n > len(d.ring) {
		n = len(d.ring)
	}
	out := make([]Correlation, n)
	copy(out, d.ring[len(d.ring)-n:])
	return out
}

// Metrics returns routing aggregates plus a stats snapshot per backend.
func (d *Dispatcher) Metrics() DispatcherMetrics {
	d.mu.Lock()
	total := d.totalTrials
	ring := make([]Correlation, len(d.ring))
	copy(ring, d.ring)
	d.mu.Unlock()

	m := DispatcherMetrics{
		TotalRequests: total,
		BackendShare:  make(map[string]float64, len(d.backends)),
		Backends:      make(map[string]BackendStats, len(d.backends)),
	}

	var successes, recentTotal, recentSuccesses int
	cutoff := time.Now().Add(-recentWindow)
	for _, rec := range ring {
		if rec.Outcome == "success" {
			successes++
		}
		if rec.EndedAt.After(cutoff) {
			recentTotal++
			if rec.Outcome == "success" {
				recentSuccesses++
			}
		}
		m.BackendShare[rec.Backend]++
	}
	if len(ring) > 0 {
		m.SuccessRate = float64(successes) / float64(len(ring))
		for name := range m.BackendShare {
			m.BackendShare[name] /= float64(len(ring))
		}
	}
	if recentTotal > 0 {
		m.RecentSuccessRate = float64(recentSuccesses) / float64(recentTotal)
	}

	for _, b := range d.backends {
		m.Backends[b.Name()] = b.Stats()
	}
	return m
}
