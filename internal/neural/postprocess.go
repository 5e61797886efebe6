package neural

import (
	"regexp"
	"strings"
)

// Hard output caps by prompt shape, in runes.
const (
	maxLenGenLong = 400
	maxLenAsk     = 250
)

// postProcessor cleans raw completions before they reach chat. The steps are
// ordered: whitespace, self-introductions, drift truncation, hard caps,
// length-stop ellipsis, degenerate rejection.
type postProcessor struct {
	botName    string
	selfIntros []*regexp.Regexp
}

func newPostProcessor(botName string) *postProcessor {
	quoted := regexp.QuoteMeta(botName)
	return &postProcessor{
		botName: botName,
		selfIntros: []*regexp.Regexp{
			regexp.MustCompile(`(?i)^` + quoted + `\s*[:,]\s*`),
			regexp.MustCompile(`(?i)^` + quoted + `\s+here\s*[:,!.]?\s*`),
			regexp.MustCompile(`(?i)^as\s+` + quoted + `\s*,\s*`),
			regexp.MustCompile(`(?i)^(hi|hello|hey|salut)[,!]?\s+` + quoted + `\s+here\s*[:,!.]?\s*`),
		},
	}
}

// process applies the full pipeline. It returns ErrDegenerate when the
// cleaned output is empty, shorter than three runes, or a bare yes/no/ok.
func (p *postProcessor) process(text string, class Class, callCtx, finishReason string) (string, error) {
	out := strings.TrimSpace(text)

	for _, re := range p.selfIntros {
		out = re.ReplaceAllString(out, "")
	}
	out = strings.TrimSpace(out)

	if class == ClassGenLong {
		out = truncateAtDrift(out)
		out = capAtSentence(out, maxLenGenLong)
	}
	if callCtx == ContextAsk {
		out = capAtSentence(out, maxLenAsk)
	}

	if finishReason == "length" && !strings.HasSuffix(out, "...") && !strings.HasSuffix(out, endMarker) {
		out = trimDangling(out) + "..."
	}

	if degenerate(out) {
		return "", ErrDegenerate
	}
	return out, nil
}

// truncateAtDrift cuts the text at the earliest drift phrase. A cut landing
// mid-clause is sealed with the end marker; a cut on a sentence boundary
// needs none.
func truncateAtDrift(s string) string {
	lower := strings.ToLower(s)
	cut := -1
	for _, phrase := range driftPhrases {
		if idx := strings.Index(lower, phrase); idx >= 0 && (cut == -1 || idx < cut) {
			cut = idx
		}
	}
	if cut == -1 {
		return s
	}
	head := strings.TrimRight(strings.TrimSpace(s[:cut]), ",;: ")
	if strings.HasSuffix(head, ".") || strings.HasSuffix(head, "!") || strings.HasSuffix(head, "?") {
		return head
	}
	return head + endMarker
}

// capAtSentence clamps s to max runes. When the clamp window contains
// sentence-final punctuation past its midpoint, the cut backs up to it;
// otherwise the text is hard-cut and sealed with the end marker.
func capAtSentence(s string, max int) string {
	runes := []rune(s)
	if len(runes) <= max {
		return s
	}
	window := runes[:max]
	lastStop := -1
	for i, r := range window {
		if r == '.' || r == '!' || r == '?' {
			lastStop = i
		}
	}
	if lastStop >= max/2 {
		return string(window[:lastStop+1])
	}
	return string(runes[:max-1]) + endMarker
}

// danglingWords are conjunctions that read badly before an appended ellipsis.
var danglingWords = map[string]bool{
	"and": true, "or": true, "but": true, "so": true,
	"et": true, "ou": true, "mais": true, "donc": true,
}

// trimDangling removes trailing punctuation and a trailing conjunction so the
// appended "..." reads as a deliberate trail-off.
func trimDangling(s string) string {
	s = strings.TrimRight(strings.TrimSpace(s), ",;:-")
	if idx := strings.LastIndexByte(s, ' '); idx >= 0 {
		if danglingWords[strings.ToLower(s[idx+1:])] {
			s = strings.TrimRight(s[:idx], ",;:- ")
		}
	}
	return s
}

// degenerate reports whether the cleaned output carries no usable content:
// shorter than three runes, or a bare yes/no/ok in any casing.
func degenerate(s string) bool {
	trimmed := strings.TrimSpace(s)
	if len([]rune(trimmed)) < 3 {
		return true
	}
	bare := strings.ToLower(strings.Trim(trimmed, " .!?…"))
	return bare == "yes" || bare == "no" || bare == "ok"
}
