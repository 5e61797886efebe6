package neural

import "github.com/ElSerda/KissBot-sub000/internal/config"

// endMarker terminates truncated output and doubles as a stop token.
const endMarker = "…"

// driftPhrases mark the point where a long-form completion starts rambling.
// Output is truncated at the first occurrence and they are sent as stop
// tokens for gen_long requests. English and French.
var driftPhrases = []string{
	"in summary",
	"furthermore",
	"it is worth noting",
	"it is interesting to note",
	"en résumé",
	"pour conclure",
}

// Params are the generation parameters for one request.
type Params struct {
	MaxTokens     int
	Temperature   float64
	RepeatPenalty float64
	Stop          []string
}

// resolveParams picks generation parameters by (call context, class), then
// applies any per-context config override. The table:
//
//	ask      *          200  0.3  1.1
//	mention  gen_long   100  0.4  1.2
//	mention  other      200  0.7  1.1
//	joke     *          150  0.8  1.1
//	(any)    gen_long   100  0.4  1.2
//	(any)    other      150  0.7  1.1
func resolveParams(callCtx string, class Class, overrides config.InferenceConfig) Params {
	var p Params
	var o config.InferenceParams

	switch {
	case callCtx == ContextAsk:
		p = Params{MaxTokens: 200, Temperature: 0.3, RepeatPenalty: 1.1, Stop: []string{"\n", endMarker}}
		o = overrides.Ask
	case callCtx == ContextMention && class == ClassGenLong:
		p = Params{MaxTokens: 100, Temperature: 0.4, RepeatPenalty: 1.2, Stop: withDrift([]string{endMarker, "\n"})}
		o = overrides.GenLong
	case callCtx == ContextMention:
		p = Params{MaxTokens: 200, Temperature: 0.7, RepeatPenalty: 1.1, Stop: []string{"\n"}}
		o = overrides.Mention
	case callCtx == ContextJoke:
		p = Params{MaxTokens: 150, Temperature: 0.8, RepeatPenalty: 1.1, Stop: []string{"\n"}}
		o = overrides.Joke
	case class == ClassGenLong:
		p = Params{MaxTokens: 100, Temperature: 0.4, RepeatPenalty: 1.2, Stop: withDrift([]string{endMarker, "\n"})}
		o = overrides.GenLong
	default:
		p = Params{MaxTokens: 150, Temperature: 0.7, RepeatPenalty: 1.1, Stop: []string{"\n"}}
	}

	if o.MaxTokens > 0 {
		p.MaxTokens = o.MaxTokens
	}
	if o.Temperature > 0 {
		p.Temperature = o.Temperature
	}
	if o.RepeatPenalty > 0 {
		p.RepeatPenalty = o.RepeatPenalty
	}
	if len(o.StopTokens) > 0 {
		p.Stop = o.StopTokens
	}
	return p
}

func withDrift(stops []string) []string {
	out := make([]string, 0, len(stops)+len(driftPhrases))
	out = append(out, stops...)
	out = append(out, driftPhrases...)
	return out
}
