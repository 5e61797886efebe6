package neural

import (
	"fmt"
	"strings"
)

// chatMessage is one entry in an OpenAI-style messages array.
type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// promptSpec carries everything the wrapper needs to build messages.
type promptSpec struct {
	botName     string
	personality string
	language    string
	usePersona  bool
}

// buildMessages wraps the user text according to (call context, class). The
// direct context sends the text verbatim with no system message. Persona
// injection is gated per context by the use_personality flags.
func buildMessages(spec promptSpec, req Request) []chatMessage {
	if req.Context == ContextDirect {
		return []chatMessage{{Role: "user", Content: req.Text}}
	}

	system := systemPrompt(spec, req)
	user := userPrompt(spec, req)

	msgs := make([]chatMessage, 0, 2)
	if system != "" {
		msgs = append(msgs, chatMessage{Role: "system", Content: system})
	}
	msgs = append(msgs, chatMessage{Role: "user", Content: user})
	return msgs
}

func systemPrompt(spec promptSpec, req Request) string {
	var b strings.Builder
	if spec.usePersona && spec.personality != "" {
		fmt.Fprintf(&b, "You are %s, %s.", spec.botName, spec.personality)
	} else {
		fmt.Fprintf(&b, "You are %s, a Twitch chat bot.", spec.botName)
	}
	b.WriteString(" Answer in one chat message, no markdown, no role play.")
	if spec.language != "" && spec.language != "en" {
		fmt.Fprintf(&b, " Reply in language %q.", spec.language)
	}
	return b.String()
}

func userPrompt(spec promptSpec, req Request) string {
	switch req.Context {
	case ContextAsk:
		return fmt.Sprintf("Viewer question: %s\nAnswer factually and briefly.", req.Text)
	case ContextMention:
		if req.Class == ClassGenLong {
			return fmt.Sprintf("A viewer says to you: %s\nGive a complete but compact answer.", req.Text)
		}
		return fmt.Sprintf("A viewer says to you: %s\nReply casually in one short sentence.", req.Text)
	case ContextJoke:
		return req.Text
	default:
		if req.Class == ClassGenLong {
			return fmt.Sprintf("%s\nAnswer in a few sentences.", req.Text)
		}
		return req.Text
	}
}

// foldSystem merges the system message into the first user message for
// endpoints that reject the system role. Returns the input unchanged when
// there is no system message.
func foldSystem(msgs []chatMessage) []chatMessage {
	if len(msgs) < 2 || msgs[0].Role != "system" {
		return msgs
	}
	folded := make([]chatMessage, 0, len(msgs)-1)
	folded = append(folded, chatMessage{
		Role:    "user",
		Content: msgs[0].Content + "\n\n" + msgs[1].Content,
	})
	folded = append(folded, msgs[2:]...)
	return folded
}
