package neural

import (
	"container/list"
	"math"
	"strings"
	"sync"
)

// longFormTokens force ClassGenLong when present anywhere in the prompt.
// English and French, matching the channels the bot runs in.
var longFormTokens = []string{
	"explain", "detail", "pourquoi", "comment", "why", "how",
	"histoire", "story", "raconte",
}

// pingPatterns are trivial social openers that short-circuit to ClassPing.
var pingPatterns = []string{
	"ping", "pong", "ça va", "ca va", "hello", "salut", "yo", "hi", "hey",
	"bonjour", "coucou", "o/", "hola",
}

// ClassResult is one classification decision.
type ClassResult struct {
	Class      Class
	Probs      map[Class]float64
	Entropy    float64
	Confidence float64
	// Fallback is true when the entropy gate overrode argmax with the
	// safe class.
	Fallback bool
}

// Classifier maps (text, call context) to a class with a confidence score.
// The rule cascade produces a one-hot distribution; entropy and confidence
// are still computed over the distribution so the entropy gate stays
// meaningful if the rules ever produce a soft distribution.
type Classifier struct {
	mu       sync.Mutex
	cache    map[string]*list.Element
	order    *list.List // front = most recent
	capacity int

	entropyThreshold float64
	safeClass        Class
}

type classifierEntry struct {
	key    string
	result ClassResult
}

// ClassifierConfig tunes the entropy gate and memoization.
type ClassifierConfig struct {
	CacheSize        int     // default 256
	EntropyThreshold float64 // default 1.9
	SafeClass        Class   // default ClassGenShort
}

// NewClassifier creates a Classifier with the given config.
func NewClassifier(cfg ClassifierConfig) *Classifier {
	if cfg.CacheSize <= 0 {
		cfg.CacheSize = 256
	}
	if cfg.EntropyThreshold <= 0 {
		cfg.EntropyThreshold = 1.9
	}
	if cfg.SafeClass == "" {
		cfg.SafeClass = ClassGenShort
	}
	return &Classifier{
		cache:            make(map[string]*list.Element, cfg.CacheSize),
		order:            list.New(),
		capacity:         cfg.CacheSize,
		entropyThreshold: cfg.EntropyThreshold,
		safeClass:        cfg.SafeClass,
	}
}

// Classify returns the class for (text, callCtx). Results are memoized in a
// bounded LRU keyed by both arguments.
func (c *Classifier) Classify(text, callCtx string) ClassResult {
	key := callCtx + "\x00" + text

	c.mu.Lock()
	if el, ok := c.cache[key]; ok {
		c.order.MoveToFront(el)
		res := el.Value.(*classifierEntry).result
		c.mu.Unlock()
		return res
	}
	c.mu.Unlock()

	res := c.classify(text, callCtx)

	c.mu.Lock()
	if el, ok := c.cache[key]; ok {
		c.order.MoveToFront(el)
	} else {
		c.cache[key] = c.order.PushFront(&classifierEntry{key: key, result: res})
		if c.order.Len() > c.capacity {
			oldest := c.order.Back()
			c.order.Remove(oldest)
			delete(c.cache, oldest.Value.(*classifierEntry).key)
		}
	}
	c.mu.Unlock()
	return res
}

func (c *Classifier) classify(text, callCtx string) ClassResult {
	lower := strings.ToLower(strings.TrimSpace(text))

	probs := map[Class]float64{ClassPing: 0, ClassGenShort: 0, ClassGenLong: 0}
	switch {
	case callCtx == ContextAsk || containsAny(lower, longFormTokens):
		probs[ClassGenLong] = 1.0
	case matchesPing(lower):
		probs[ClassPing] = 1.0
	default:
		probs[ClassGenShort] = 1.0
	}

	entropy := shannonEntropy(probs)
	class, confidence := argmaxConfidence(probs, entropy)

	res := ClassResult{
		Class:      class,
		Probs:      probs,
		Entropy:    entropy,
		Confidence: confidence,
	}
	if entropy > c.entropyThreshold {
		res.Class = c.safeClass
		res.Fallback = true
	}
	return res
}

func containsAny(s string, tokens []string) bool {
	for _, tok := range tokens {
		if strings.Contains(s, tok) {
			return true
		}
	}
	return false
}

// matchesPing reports whether the text is a trivial social opener: an exact
// pattern match, or a greeting-led message of at most three words.
func matchesPing(lower string) bool {
	trimmed := strings.Trim(lower, " !?.,:;")
	if trimmed == "" {
		return false
	}
	for _, pat := range pingPatterns {
		if trimmed == pat {
			return true
		}
	}
	words := strings.Fields(trimmed)
	if len(words) > 3 {
		return false
	}
	for _, pat := range pingPatterns {
		if strings.HasPrefix(trimmed, pat) {
			return true
		}
	}
	return false
}

// shannonEntropy computes H = -Σ p·log₂(p) over the distribution.
func shannonEntropy(probs map[Class]float64) float64 {
	var h float64
	for _, p := range probs {
		if p > 0 {
			h -= p * math.Log2(p)
		}
	}
	return h
}

// argmaxConfidence returns the most probable class and a confidence score
//
//	0.7·(1 − H/H_max) + 0.2·max(p) + 0.1·dominance
//
// where H_max = log₂(|classes|) and dominance = min(p₁/p₂, 10)/10 with the
// second-best probability floored at 1e-9. Clamped to [0, 1].
func argmaxConfidence(probs map[Class]float64, entropy float64) (Class, float64) {
	// Deterministic argmax: evaluate in fixed class order so equal
	// probabilities do not flap between runs.
	classOrder := []Class{ClassPing, ClassGenShort, ClassGenLong}

	best, second := -1.0, -1.0
	var bestClass Class
	for _, cl := range classOrder {
		p := probs[cl]
		if p > best {
			second = best
			best, bestClass = p, cl
		} else if p > second {
			second = p
		}
	}

	hMax := math.Log2(float64(len(classOrder)))
	if second < 1e-9 {
		second = 1e-9
	}
	dominance := math.Min(best/second, 10) / 10

	conf := 0.7*(1-entropy/hMax) + 0.2*best + 0.1*dominance
	conf = math.Max(0, math.Min(1, conf))
	return bestClass, conf
}
