package bus

import "time"

// Chat and system topics.
const (
	TopicChatInbound  = "chat.inbound"
	TopicChatOutbound = "chat.outbound"
	TopicSystemEvent  = "system.event"
)

// SystemEvent kinds.
const (
	KindStreamOnline  = "stream.online"
	KindStreamOffline = "stream.offline"
	KindStreamInfo    = "helix.stream.info"
	KindUserInfo      = "helix.user.info"
	KindGameInfo      = "helix.game.info"
)

// ChatMessage is published on TopicChatInbound for every message a transport
// receives from a joined channel.
type ChatMessage struct {
	ID            string // transport message id, or a generated uuid
	Channel       string // lowercase channel login
	UserID        string // platform user id
	UserName      string // display name
	Text          string
	IsMod         bool
	IsBroadcaster bool
	ReceivedAt    time.Time
}

// OutboundMessage is published on TopicChatOutbound by any component that
// wants to say something in chat. The chat writer forwards it to the
// transport.
type OutboundMessage struct {
	Channel string
	Text    string
	Source  string // originating component: "commands", "announcer", "timers"
	ReplyTo string // optional message id to reply to
}

// SystemEvent is published on TopicSystemEvent for stream state transitions
// and Helix metadata lookups.
type SystemEvent struct {
	Kind    string // one of the Kind* constants
	Channel string // lowercase channel login
	Payload map[string]any
	At      time.Time
}
