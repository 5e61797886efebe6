// Package eventsub is the push path of stream monitoring: a long-lived
// websocket to Twitch EventSub carrying stream.online / stream.offline
// notifications for every configured channel. Transitions are recorded in
// the monitor's shared state table, so the push client and the poller never
// announce the same transition twice.
package eventsub

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/ElSerda/KissBot-sub000/internal/bus"
	"github.com/ElSerda/KissBot-sub000/internal/helix"
	"github.com/ElSerda/KissBot-sub000/internal/monitor"
	otelpkg "github.com/ElSerda/KissBot-sub000/internal/otel"
)

const (
	dialTimeout = 15 * time.Second

	// Twitch sends a keepalive every ~10s. A silent minute means the
	// connection is gone even if the socket still looks open.
	livenessInterval = 60 * time.Second
	livenessWindow   = 60 * time.Second

	defaultReconnectBase = 10 * time.Second
	reconnectAttempts    = 5

	defaultParkBase = 30 * time.Second
	defaultParkCap  = 300 * time.Second
	parkRetries     = 3
)

var subscriptionKinds = []string{"stream.online", "stream.offline"}

// frame is one EventSub websocket message. Only the fields the client reads
// are declared.
type frame struct {
	Metadata struct {
		MessageType      string    `json:"message_type"`
		MessageTimestamp time.Time `json:"message_timestamp"`
	} `json:"metadata"`
	Payload struct {
		Session struct {
			ID                      string `json:"id"`
			Status                  string `json:"status"`
			KeepaliveTimeoutSeconds int    `json:"keepalive_timeout_seconds"`
			ReconnectURL            string `json:"reconnect_url"`
		} `json:"session"`
		Subscription struct {
			ID     string `json:"id"`
			Type   string `json:"type"`
			Status string `json:"status"`
		} `json:"subscription"`
		Event struct {
			BroadcasterUserID    string `json:"broadcaster_user_id"`
			BroadcasterUserLogin string `json:"broadcaster_user_login"`
			StartedAt            string `json:"started_at"`
		} `json:"event"`
	} `json:"payload"`
}

// Config wires a Client.
type Config struct {
	URL      string
	Helix    helix.API
	Bus      *bus.Bus
	Table    *monitor.StateTable
	Channels []string
	Logger   *slog.Logger
	Metrics  *otelpkg.Metrics

	// ReconnectBase and ParkBase override the backoff bases; zero keeps the
	// production values. Tests shrink them.
	ReconnectBase time.Duration
	ParkBase      time.Duration
}

// Client owns the EventSub connection. Start dials and subscribes; the
// client then supervises itself (keepalive liveness, session migration,
// redial with backoff) until Stop or permanent failure.
type Client struct {
	url      string
	helix    helix.API
	bus      *bus.Bus
	table    *monitor.StateTable
	channels []string
	logger   *slog.Logger
	metrics  *otelpkg.Metrics

	reconnectBase time.Duration
	parkBase      time.Duration
	parkCap       time.Duration

	mu          sync.Mutex
	sessionID   string
	lastFrame   time.Time
	broadcaster map[string]string // login -> broadcaster id
	logins      map[string]string // broadcaster id -> login
	subs        []string          // active subscription ids
	degraded    map[string]bool
	err         error
	cancel      context.CancelFunc

	wg       sync.WaitGroup
	done     chan struct{}
	doneOnce sync.Once
}

// New builds a Client. The state table must be the one the supervisor shares
// with the poller.
func New(cfg Config) *Client {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	reconnectBase := cfg.ReconnectBase
	if reconnectBase <= 0 {
		reconnectBase = defaultReconnectBase
	}
	parkBase := cfg.ParkBase
	if parkBase <= 0 {
		parkBase = defaultParkBase
	}
	return &Client{
		url:           cfg.URL,
		helix:         cfg.Helix,
		bus:           cfg.Bus,
		table:         cfg.Table,
		channels:      cfg.Channels,
		logger:        logger.With("component", "eventsub"),
		metrics:       cfg.Metrics,
		reconnectBase: reconnectBase,
		parkBase:      parkBase,
		parkCap:       defaultParkCap,
		broadcaster:   make(map[string]string),
		logins:        make(map[string]string),
		degraded:      make(map[string]bool),
		done:          make(chan struct{}),
	}
}

// Start dials EventSub, performs the welcome handshake, and creates the
// stream.online/stream.offline subscriptions. A returned error means push
// monitoring could not be established at all; quota-parked subscriptions do
// not fail Start.
func (c *Client) Start(ctx context.Context) error {
	c.mu.Lock()
	if c.cancel != nil {
		c.mu.Unlock()
		return fmt.Errorf("eventsub client already started")
	}
	runCtx, cancel := context.WithCancel(ctx)
	c.cancel = cancel
	c.mu.Unlock()

	conn, session, err := c.connect(runCtx, c.url)
	if err != nil {
		cancel()
		c.markDone()
		return fmt.Errorf("eventsub connect: %w", err)
	}
	c.setSession(session)

	if err := c.subscribeAll(runCtx, session); err != nil {
		conn.Close(websocket.StatusNormalClosure, "subscriptions failed")
		cancel()
		c.markDone()
		return fmt.Errorf("eventsub subscribe: %w", err)
	}

	c.logger.Info("eventsub connected", "session", session, "channels", len(c.channels))
	c.wg.Add(1)
	go c.run(runCtx, conn)
	return nil
}

// Stop cancels the client, waits for its goroutines, and removes the active
// subscriptions best-effort.
func (c *Client) Stop() {
	c.mu.Lock()
	cancel := c.cancel
	c.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	c.wg.Wait()
	c.markDone()
	c.deleteSubscriptions()
}

// Done is closed once the client has stopped for good.
func (c *Client) Done() <-chan struct{} { return c.done }

// Err reports why the client stopped; nil after a clean Stop.
func (c *Client) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

// Degraded lists channels whose subscriptions gave up after quota retries.
// In auto mode the poller covers them.
func (c *Client) Degraded() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, 0, len(c.degraded))
	for ch := range c.degraded {
		out = append(out, ch)
	}
	return out
}

// connect dials url and waits for the session_welcome frame.
func (c *Client) connect(ctx context.Context, url string) (*websocket.Conn, string, error) {
	dialCtx, cancel := context.WithTimeout(ctx, dialTimeout)
	defer cancel()

	conn, _, err := websocket.Dial(dialCtx, url, nil)
	if err != nil {
		return nil, "", fmt.Errorf("dial %s: %w", url, err)
	}

	welcomeCtx, cancelWelcome := context.WithTimeout(ctx, dialTimeout)
	defer cancelWelcome()
	_, data, err := conn.Read(welcomeCtx)
	if err != nil {
		conn.Close(websocket.StatusProtocolError, "no welcome")
		return nil, "", fmt.Errorf("read welcome: %w", err)
	}
	var f frame
	if err := json.Unmarshal(data, &f); err != nil {
		conn.Close(websocket.StatusProtocolError, "bad welcome")
		return nil, "", fmt.Errorf("decode welcome: %w", err)
	}
	if f.Metadata.MessageType != "session_welcome" || f.Payload.Session.ID == "" {
		conn.Close(websocket.StatusProtocolError, "unexpected frame")
		return nil, "", fmt.Errorf("expected session_welcome, got %q", f.Metadata.MessageType)
	}

	c.touch()
	c.logger.Debug("eventsub session established",
		"session", f.Payload.Session.ID,
		"keepalive_s", f.Payload.Session.KeepaliveTimeoutSeconds)
	return conn, f.Payload.Session.ID, nil
}

// subscribeAll fans out subscription creates for every channel. Quota
// rejections are parked; other per-channel failures are logged. It fails
// only when nothing was created or parked.
func (c *Client) subscribeAll(ctx context.Context, session string) error {
	var created, parked int
	var firstErr error
	for _, channel := range c.channels {
		n, p, err := c.subscribeChannel(ctx, session, channel)
		created += n
		parked += p
		if err != nil {
			c.logger.Warn("eventsub subscription failed", "channel", channel, "error", err)
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	if created == 0 && parked == 0 {
		if firstErr == nil {
			firstErr = errors.New("no subscriptions established")
		}
		return firstErr
	}
	c.logger.Info("eventsub subscriptions ready", "created", created, "parked", parked)
	return nil
}

func (c *Client) subscribeChannel(ctx context.Context, session, channel string) (created, parked int, err error) {
	id, ok := c.broadcasterIDFor(channel)
	if !ok {
		user, uerr := c.helix.GetUser(ctx, channel)
		if uerr != nil {
			return 0, 0, fmt.Errorf("resolve broadcaster: %w", uerr)
		}
		id = user.ID
		c.remember(channel, id)
	}

	for _, kind := range subscriptionKinds {
		subID, serr := c.helix.CreateEventSubSubscription(ctx, kind, id, session)
		if serr != nil {
			if isQuotaError(serr) {
				c.park(ctx, channel, kind, id)
				parked++
				continue
			}
			return created, parked, fmt.Errorf("%s: %w", kind, serr)
		}
		c.trackSub(subID)
		created++
	}
	return created, parked, nil
}

// park retries one quota-rejected subscription in the background: 30s, 60s,
// 120s (capped at 300s), three attempts, then the channel is marked degraded.
func (c *Client) park(ctx context.Context, channel, kind, broadcasterID string) {
	c.logger.Warn("eventsub subscription parked on quota", "channel", channel, "kind", kind)
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		delay := c.parkBase
		for attempt := 1; attempt <= parkRetries; attempt++ {
			select {
			case <-ctx.Done():
				return
			case <-time.After(delay):
			}

			session := c.session()
			if session == "" {
				// Mid-reconnect; the fresh session will resubscribe everything.
				continue
			}
			subID, err := c.helix.CreateEventSubSubscription(ctx, kind, broadcasterID, session)
			if err == nil {
				c.trackSub(subID)
				c.logger.Info("parked subscription established",
					"channel", channel, "kind", kind, "attempt", attempt)
				return
			}
			if !isQuotaError(err) {
				c.logger.Warn("parked subscription failed",
					"channel", channel, "kind", kind, "error", err)
				return
			}
			delay *= 2
			if delay > c.parkCap {
				delay = c.parkCap
			}
		}

		c.mu.Lock()
		c.degraded[channel] = true
		c.mu.Unlock()
		c.logger.Warn("eventsub channel degraded after quota retries",
			"channel", channel, "kind", kind)
	}()
}

// run owns the connection: it consumes frames, migrates sessions on
// session_reconnect, and redials dead connections with backoff until the
// attempts are exhausted.
func (c *Client) run(ctx context.Context, conn *websocket.Conn) {
	defer c.wg.Done()

	for {
		res := c.consume(ctx, conn)
		if ctx.Err() != nil {
			conn.Close(websocket.StatusNormalClosure, "shutting down")
			c.markDone()
			return
		}

		if res.reconnectURL != "" {
			newConn, session, err := c.connect(ctx, res.reconnectURL)
			if err == nil {
				// Subscriptions carry over to the migrated session.
				conn.Close(websocket.StatusNormalClosure, "session migrated")
				conn = newConn
				c.setSession(session)
				c.logger.Info("eventsub session migrated", "session", session)
				continue
			}
			c.logger.Warn("eventsub session migration failed", "error", err)
		} else {
			c.logger.Warn("eventsub connection lost", "error", res.err)
		}

		conn.Close(websocket.StatusGoingAway, "reconnecting")
		c.setSession("")
		c.clearSubs()

		newConn, err := c.redial(ctx)
		if err != nil {
			if ctx.Err() == nil {
				c.logger.Error("eventsub monitoring failed", "error", err)
				c.fail(err)
			}
			c.markDone()
			return
		}
		conn = newConn
	}
}

type readResult struct {
	err          error
	reconnectURL string
}

// consume reads frames until the connection dies, a session_reconnect
// arrives, or ctx is done. A watchdog closes the connection when no frame
// arrived within the liveness window.
func (c *Client) consume(ctx context.Context, conn *websocket.Conn) readResult {
	watchCtx, stopWatch := context.WithCancel(ctx)
	defer stopWatch()

	c.touch()
	stalled := make(chan struct{})
	go func() {
		ticker := time.NewTicker(livenessInterval)
		defer ticker.Stop()
		for {
			select {
			case <-watchCtx.Done():
				return
			case <-ticker.C:
				if time.Since(c.lastFrameAt()) > livenessWindow {
					close(stalled)
					conn.Close(websocket.StatusGoingAway, "liveness timeout")
					return
				}
			}
		}
	}()

	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			select {
			case <-stalled:
				return readResult{err: fmt.Errorf("no frames within %s", livenessWindow)}
			default:
				return readResult{err: err}
			}
		}
		c.touch()

		var f frame
		if err := json.Unmarshal(data, &f); err != nil {
			c.logger.Warn("eventsub frame unparseable", "error", err)
			continue
		}

		switch f.Metadata.MessageType {
		case "session_keepalive":
			// The read itself refreshed the liveness timestamp.
		case "notification":
			c.handleNotification(ctx, &f)
		case "session_reconnect":
			return readResult{reconnectURL: f.Payload.Session.ReconnectURL}
		case "revocation":
			c.logger.Warn("eventsub subscription revoked",
				"kind", f.Payload.Subscription.Type,
				"status", f.Payload.Subscription.Status)
		case "session_welcome":
			c.setSession(f.Payload.Session.ID)
		default:
			c.logger.Debug("eventsub frame ignored", "type", f.Metadata.MessageType)
		}
	}
}

// redial re-runs the full start sequence with exponential backoff: 10s,
// 20s, 40s, 80s, 160s. Returns an error once the attempts are exhausted.
func (c *Client) redial(ctx context.Context) (*websocket.Conn, error) {
	backoff := c.reconnectBase
	for attempt := 1; attempt <= reconnectAttempts; attempt++ {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(backoff):
		}

		conn, session, err := c.connect(ctx, c.url)
		if err == nil {
			c.setSession(session)
			err = c.subscribeAll(ctx, session)
			if err == nil {
				c.logger.Info("eventsub reconnected", "attempt", attempt, "session", session)
				return conn, nil
			}
			conn.Close(websocket.StatusInternalError, "resubscribe failed")
			c.setSession("")
		}
		c.logger.Warn("eventsub reconnect attempt failed",
			"attempt", attempt, "backoff", backoff, "error", err)
		backoff *= 2
	}
	return nil, fmt.Errorf("reconnect attempts exhausted after %d tries", reconnectAttempts)
}

// handleNotification maps a stream.online/offline notification onto the
// shared state table and publishes the transition when it is announceable.
func (c *Client) handleNotification(ctx context.Context, f *frame) {
	login := strings.ToLower(f.Payload.Event.BroadcasterUserLogin)
	broadcasterID := f.Payload.Event.BroadcasterUserID
	if login == "" {
		resolved, ok := c.loginFor(broadcasterID)
		if !ok {
			user, err := c.helix.GetUserByID(ctx, broadcasterID)
			if err != nil {
				c.logger.Warn("dropping notification for unknown broadcaster",
					"broadcaster_id", broadcasterID, "error", err)
				return
			}
			resolved = strings.ToLower(user.Login)
			c.remember(resolved, broadcasterID)
		}
		login = resolved
	}
	c.table.RememberID(login, broadcasterID)

	switch f.Payload.Subscription.Type {
	case "stream.online":
		if c.table.Observe(login, true) != monitor.TransitionWentOnline {
			return
		}
		fields := map[string]any{"channel_id": broadcasterID}
		if f.Payload.Event.StartedAt != "" {
			fields["started_at"] = f.Payload.Event.StartedAt
		}
		monitor.PublishTransition(ctx, c.bus, c.metrics, bus.KindStreamOnline, login, "push", fields)
		c.logger.Info("stream went online", "channel", login, "source", "push")

	case "stream.offline":
		if c.table.Observe(login, false) != monitor.TransitionWentOffline {
			return
		}
		monitor.PublishTransition(ctx, c.bus, c.metrics, bus.KindStreamOffline, login, "push",
			map[string]any{"channel_id": broadcasterID})
		c.logger.Info("stream went offline", "channel", login, "source", "push")

	default:
		c.logger.Debug("eventsub notification ignored", "kind", f.Payload.Subscription.Type)
	}
}

// deleteSubscriptions is best-effort cleanup on Stop; websocket-transport
// subscriptions die with the socket anyway.
func (c *Client) deleteSubscriptions() {
	c.mu.Lock()
	subs := c.subs
	c.subs = nil
	c.mu.Unlock()
	if len(subs) == 0 {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	for _, id := range subs {
		if err := c.helix.DeleteEventSubSubscription(ctx, id); err != nil {
			c.logger.Debug("eventsub subscription cleanup failed", "id", id, "error", err)
		}
	}
}

func isQuotaError(err error) bool {
	if errors.Is(err, helix.ErrRateLimited) {
		return true
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "cost exceed") || strings.Contains(msg, "quota")
}

func (c *Client) setSession(id string) {
	c.mu.Lock()
	c.sessionID = id
	c.mu.Unlock()
}

func (c *Client) session() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sessionID
}

func (c *Client) touch() {
	c.mu.Lock()
	c.lastFrame = time.Now()
	c.mu.Unlock()
}

func (c *Client) lastFrameAt() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastFrame
}

func (c *Client) remember(login, broadcasterID string) {
	c.mu.Lock()
	c.broadcaster[login] = broadcasterID
	c.logins[broadcasterID] = login
	c.mu.Unlock()
}

func (c *Client) broadcasterIDFor(login string) (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	id, ok := c.broadcaster[login]
	return id, ok
}

func (c *Client) loginFor(broadcasterID string) (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	login, ok := c.logins[broadcasterID]
	return login, ok
}

func (c *Client) trackSub(id string) {
	c.mu.Lock()
	c.subs = append(c.subs, id)
	c.mu.Unlock()
}

func (c *Client) clearSubs() {
	c.mu.Lock()
	c.subs = nil
	c.mu.Unlock()
}

func (c *Client) fail(err error) {
	c.mu.Lock()
	if c.err == nil {
		c.err = err
	}
	c.mu.Unlock()
}

func (c *Client) markDone() {
	c.doneOnce.Do(func() { close(c.done) })
}
