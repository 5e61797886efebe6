package helix

import (
	"context"
	"time"

	"github.com/ElSerda/KissBot-sub000/internal/bus"
)

// Announcing decorates an API so every successful lookup is also published
// on system.event as an informational helix.*.info event. Core components
// do not consume these; they exist for observers and future integrations.
type Announcing struct {
	API
	bus *bus.Bus
}

// WithEvents wraps api with the publishing decorator.
func WithEvents(api API, b *bus.Bus) *Announcing {
	return &Announcing{API: api, bus: b}
}

func (a *Announcing) GetStream(ctx context.Context, login string) (*Stream, error) {
	s, err := a.API.GetStream(ctx, login)
	if err == nil && s != nil {
		a.publish(ctx, bus.KindStreamInfo, s.UserLogin, map[string]any{
			"channel_id":   s.UserID,
			"title":        s.Title,
			"game_id":      s.GameID,
			"game_name":    s.GameName,
			"viewer_count": s.ViewerCount,
			"started_at":   s.StartedAt.Format(time.RFC3339),
		})
	}
	return s, err
}

func (a *Announcing) GetUser(ctx context.Context, login string) (*User, error) {
	u, err := a.API.GetUser(ctx, login)
	a.publishUser(ctx, u, err)
	return u, err
}

func (a *Announcing) GetUserByID(ctx context.Context, id string) (*User, error) {
	u, err := a.API.GetUserByID(ctx, id)
	a.publishUser(ctx, u, err)
	return u, err
}

func (a *Announcing) GetGame(ctx context.Context, name string) (*Game, error) {
	g, err := a.API.GetGame(ctx, name)
	if err == nil && g != nil {
		a.publish(ctx, bus.KindGameInfo, "", map[string]any{
			"game_id":   g.ID,
			"game_name": g.Name,
		})
	}
	return g, err
}

func (a *Announcing) publishUser(ctx context.Context, u *User, err error) {
	if err != nil || u == nil {
		return
	}
	a.publish(ctx, bus.KindUserInfo, u.Login, map[string]any{
		"user_id":      u.ID,
		"display_name": u.DisplayName,
	})
}

func (a *Announcing) publish(ctx context.Context, kind, channel string, payload map[string]any) {
	if a.bus == nil {
		return
	}
	a.bus.Publish(ctx, bus.TopicSystemEvent, bus.SystemEvent{
		Kind:    kind,
		Channel: channel,
		Payload: payload,
		At:      time.Now(),
	})
}
