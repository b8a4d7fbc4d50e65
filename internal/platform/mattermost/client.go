// Package mattermost implements platform.Client against a Mattermost server
// using the official public model package for REST calls and a gorilla/
// websocket connection for the real-time event stream (message posted /
// reaction added / reaction removed arrive over Mattermost's WebSocket API).
package mattermost

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/mattermost/mattermost/server/public/model"

	"github.com/nextlevelbuilder/chatcoder/internal/platform"
)

// Config carries the connection parameters for one Mattermost bot session.
type Config struct {
	ServerURL   string // e.g. https://chat.example.com
	Token       string // bot access token
	AllowFrom   []string
	HardBytes   int // default 16000 (Mattermost's message length limit minus margin)
	HeightSoft  int
}

// Client bridges platform.Client to a Mattermost server.
type Client struct {
	cfg       Config
	api       *model.Client4
	formatter Formatter
	botUser   *model.User

	events chan platform.Event

	usernameCache sync.Map // userID -> username

	wsMu sync.Mutex
	ws   *websocket.Conn
}

// New connects to the REST API (to resolve the bot identity) and returns a
// Client ready to Start().
func New(ctx context.Context, cfg Config) (*Client, error) {
	if cfg.HardBytes == 0 {
		cfg.HardBytes = 16000
	}
	if cfg.HeightSoft == 0 {
		cfg.HeightSoft = 12000
	}

	api := model.NewAPIv4Client(cfg.ServerURL)
	api.SetToken(cfg.Token)

	me, _, err := api.GetMe(ctx, "")
	if err != nil {
		return nil, fmt.Errorf("mattermost: resolve bot identity: %w", err)
	}

	return &Client{
		cfg:     cfg,
		api:     api,
		botUser: me,
		events:  make(chan platform.Event, 256),
	}, nil
}

func (c *Client) Name() string           { return "mattermost" }
func (c *Client) Formatter() platform.Formatter { return Formatter{} }
func (c *Client) BotUserID() string      { return c.botUser.Id }
func (c *Client) MessageLimits() platform.Limits {
	return platform.Limits{HardBytes: c.cfg.HardBytes, HeightSoft: c.cfg.HeightSoft}
}

func (c *Client) IsUserAllowed(username string) bool {
	if len(c.cfg.AllowFrom) == 0 {
		return true
	}
	trimmed := strings.TrimPrefix(username, "@")
	for _, allowed := range c.cfg.AllowFrom {
		if strings.TrimPrefix(allowed, "@") == trimmed {
			return true
		}
	}
	return false
}

func (c *Client) Username(ctx context.Context, userID string) string {
	if v, ok := c.usernameCache.Load(userID); ok {
		return v.(string)
	}
	user, _, err := c.api.GetUser(ctx, userID, "")
	if err != nil {
		return userID
	}
	c.usernameCache.Store(userID, user.Username)
	return user.Username
}

func (c *Client) CreatePost(ctx context.Context, channelID, threadID, body string) (platform.Post, error) {
	post := &model.Post{ChannelId: channelID, Message: body, RootId: threadID}
	created, _, err := c.api.CreatePost(ctx, post)
	if err != nil {
		return platform.Post{}, fmt.Errorf("mattermost: create post: %w", err)
	}
	return toPost(created), nil
}

func (c *Client) CreateInteractivePost(ctx context.Context, channelID, threadID, body string, reactions []string) (platform.Post, error) {
	p, err := c.CreatePost(ctx, channelID, threadID, body)
	if err != nil {
		return p, err
	}
	for _, name := range reactions {
		if rerr := c.AddReaction(ctx, p.ID, name); rerr != nil {
			slog.Warn("mattermost: seed reaction failed", "post_id", p.ID, "emoji", name, "error", rerr)
		}
	}
	return p, nil
}

func (c *Client) UpdatePost(ctx context.Context, postID, body string) error {
	_, _, err := c.api.PatchPost(ctx, postID, &model.PostPatch{Message: &body})
	if err != nil {
		return fmt.Errorf("mattermost: update post: %w", err)
	}
	return nil
}

func (c *Client) DeletePost(ctx context.Context, postID string) error {
	_, err := c.api.DeletePost(ctx, postID)
	if err != nil {
		return fmt.Errorf("mattermost: delete post: %w", err)
	}
	return nil
}

func (c *Client) PinPost(ctx context.Context, postID string) error {
	_, err := c.api.PinPost(ctx, postID)
	if err != nil {
		return fmt.Errorf("mattermost: pin post: %w", err)
	}
	return nil
}

func (c *Client) UnpinPost(ctx context.Context, postID string) error {
	_, err := c.api.UnpinPost(ctx, postID)
	if err != nil {
		return fmt.Errorf("mattermost: unpin post: %w", err)
	}
	return nil
}

func (c *Client) AddReaction(ctx context.Context, postID, name string) error {
	reaction := &model.Reaction{UserId: c.botUser.Id, PostId: postID, EmojiName: name}
	_, _, err := c.api.SaveReaction(ctx, reaction)
	if err != nil {
		return fmt.Errorf("mattermost: add reaction: %w", err)
	}
	return nil
}

func (c *Client) RemoveReaction(ctx context.Context, postID, name string) error {
	_, err := c.api.DeleteReaction(ctx, &model.Reaction{UserId: c.botUser.Id, PostId: postID, EmojiName: name})
	if err != nil {
		return fmt.Errorf("mattermost: remove reaction: %w", err)
	}
	return nil
}

func (c *Client) SendTyping(ctx context.Context, threadID string) error {
	// Mattermost's typing signal is WS-only (user_typing), not a REST call;
	// it is sent over the same websocket connection Start reads events from.
	c.wsMu.Lock()
	defer c.wsMu.Unlock()
	if c.ws == nil {
		return nil
	}
	payload := map[string]any{
		"action": "user_typing",
		"data":   map[string]string{"channel_id": threadID},
	}
	return c.ws.WriteJSON(payload)
}

func (c *Client) Events() <-chan platform.Event { return c.events }

// Start opens the WebSocket event stream and translates Mattermost's
// "posted"/"reaction_added"/"reaction_removed" events into platform.Event.
// Blocks until ctx is cancelled, reconnecting on transient drops.
func (c *Client) Start(ctx context.Context) error {
	defer close(c.events)

	wsURL := strings.Replace(c.cfg.ServerURL, "http", "ws", 1) + "/api/v4/websocket"
	backoff := time.Second

	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		conn, _, err := websocket.DefaultDialer.DialContext(ctx, wsURL, nil)
		if err != nil {
			slog.Warn("mattermost: websocket dial failed, retrying", "error", err, "backoff", backoff)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(backoff):
			}
			if backoff < 30*time.Second {
				backoff *= 2
			}
			continue
		}
		backoff = time.Second

		authReq := map[string]any{
			"seq":    1,
			"action": "authentication_challenge",
			"data":   map[string]string{"token": c.cfg.Token},
		}
		if err := conn.WriteJSON(authReq); err != nil {
			conn.Close()
			continue
		}

		c.wsMu.Lock()
		c.ws = conn
		c.wsMu.Unlock()

		c.readLoop(ctx, conn)

		c.wsMu.Lock()
		c.ws = nil
		c.wsMu.Unlock()
		conn.Close()

		if ctx.Err() != nil {
			return ctx.Err()
		}
	}
}

func (c *Client) readLoop(ctx context.Context, conn *websocket.Conn) {
	for {
		if ctx.Err() != nil {
			return
		}
		var raw struct {
			Event string          `json:"event"`
			Data  json.RawMessage `json:"data"`
		}
		if err := conn.ReadJSON(&raw); err != nil {
			slog.Debug("mattermost: websocket read ended", "error", err)
			return
		}
		ev, ok := translateEvent(raw.Event, raw.Data)
		if !ok {
			continue
		}
		select {
		case c.events <- ev:
		case <-ctx.Done():
			return
		}
	}
}

func translateEvent(event string, data json.RawMessage) (platform.Event, bool) {
	switch event {
	case "posted":
		var payload struct {
			Post string `json:"post"`
		}
		if err := json.Unmarshal(data, &payload); err != nil {
			return platform.Event{}, false
		}
		var post model.Post
		if err := json.Unmarshal([]byte(payload.Post), &post); err != nil {
			return platform.Event{}, false
		}
		threadID := post.RootId
		if threadID == "" {
			threadID = post.Id
		}
		return platform.Event{
			Kind:      platform.EventMessageCreated,
			PostID:    post.Id,
			ThreadID:  threadID,
			ChannelID: post.ChannelId,
			UserID:    post.UserId,
			Body:      post.Message,
		}, true
	case "reaction_added", "reaction_removed":
		var payload struct {
			Reaction string `json:"reaction"`
		}
		if err := json.Unmarshal(data, &payload); err != nil {
			return platform.Event{}, false
		}
		var reaction model.Reaction
		if err := json.Unmarshal([]byte(payload.Reaction), &reaction); err != nil {
			return platform.Event{}, false
		}
		kind := platform.EventReactionAdded
		if event == "reaction_removed" {
			kind = platform.EventReactionRemoved
		}
		return platform.Event{
			Kind:   kind,
			PostID: reaction.PostId,
			UserID: reaction.UserId,
			Body:   reaction.EmojiName,
		}, true
	default:
		return platform.Event{}, false
	}
}

func toPost(p *model.Post) platform.Post {
	threadID := p.RootId
	if threadID == "" {
		threadID = p.Id
	}
	return platform.Post{
		ID:        p.Id,
		ChannelID: p.ChannelId,
		ThreadID:  threadID,
		AuthorID:  p.UserId,
		Body:      p.Message,
		CreatedAt: p.CreateAt,
	}
}
