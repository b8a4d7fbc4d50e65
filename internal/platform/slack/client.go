// Package slack implements platform.Client over Slack using slack-go/slack
// for REST calls and socketmode for the real-time event stream, the same
// wiring shape used by the pack's Socket Mode bridge bot: an App-level token
// opens a socketmode.Client, and slackevents decodes each inbound envelope.
package slack

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/slack-go/slack"
	"github.com/slack-go/slack/slackevents"
	"github.com/slack-go/slack/socketmode"

	"github.com/nextlevelbuilder/chatcoder/internal/platform"
)

// Config carries the bot/app tokens and policy for one Slack workspace connection.
type Config struct {
	BotToken   string
	AppToken   string
	AllowFrom  []string
	HardBytes  int // Slack's practical message limit is ~40000 chars; default lower for readability
	HeightSoft int
}

// Client bridges platform.Client to a Slack workspace over Socket Mode.
type Client struct {
	cfg    Config
	api    *slack.Client
	sm     *socketmode.Client
	botID  string

	events chan platform.Event

	usernameMu    sync.Mutex
	usernameCache map[string]string
}

// New authenticates against Slack's REST API to resolve the bot identity
// and returns a Client ready to Start().
func New(cfg Config) (*Client, error) {
	if cfg.HardBytes == 0 {
		cfg.HardBytes = 12000
	}
	if cfg.HeightSoft == 0 {
		cfg.HeightSoft = 12000
	}

	api := slack.New(cfg.BotToken, slack.OptionAppLevelToken(cfg.AppToken))
	auth, err := api.AuthTest()
	if err != nil {
		return nil, fmt.Errorf("slack: auth test: %w", err)
	}

	sm := socketmode.New(api)

	return &Client{
		cfg:           cfg,
		api:           api,
		sm:            sm,
		botID:         auth.UserID,
		events:        make(chan platform.Event, 256),
		usernameCache: make(map[string]string),
	}, nil
}

func (c *Client) Name() string                  { return "slack" }
func (c *Client) Formatter() platform.Formatter { return Formatter{} }
func (c *Client) BotUserID() string             { return c.botID }
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

func (c *Client) Username(_ context.Context, userID string) string {
	c.usernameMu.Lock()
	defer c.usernameMu.Unlock()
	if v, ok := c.usernameCache[userID]; ok {
		return v
	}
	info, err := c.api.GetUserInfo(userID)
	if err != nil {
		return userID
	}
	c.usernameCache[userID] = info.Name
	return info.Name
}

// channelFromThread recovers a Slack channel ID from a threadID of the form
// "channel:ts" or "channel" (no thread yet), matching how Session keys this
// core as platformId + ":" + threadId but a Slack post also needs a channel.
func channelFromThread(threadID string) (channel, ts string) {
	if idx := strings.IndexByte(threadID, ':'); idx >= 0 {
		return threadID[:idx], threadID[idx+1:]
	}
	return threadID, ""
}

func (c *Client) CreatePost(ctx context.Context, channelID, threadID, body string) (platform.Post, error) {
	channel, ts := channelFromThread(threadID)
	if channel == "" {
		channel = channelID
	}
	opts := []slack.MsgOption{slack.MsgOptionText(body, false)}
	if ts != "" {
		opts = append(opts, slack.MsgOptionTS(ts))
	}
	respChannel, respTS, err := c.api.PostMessageContext(ctx, channel, opts...)
	if err != nil {
		return platform.Post{}, fmt.Errorf("slack: post message: %w", err)
	}
	return platform.Post{
		ID:        respChannel + ":" + respTS,
		ChannelID: respChannel,
		ThreadID:  threadID,
		AuthorID:  c.botID,
		Body:      body,
	}, nil
}

func (c *Client) CreateInteractivePost(ctx context.Context, channelID, threadID, body string, reactions []string) (platform.Post, error) {
	p, err := c.CreatePost(ctx, channelID, threadID, body)
	if err != nil {
		return p, err
	}
	for _, name := range reactions {
		if rerr := c.AddReaction(ctx, p.ID, name); rerr != nil {
			slog.Warn("slack: seed reaction failed", "post_id", p.ID, "emoji", name, "error", rerr)
		}
	}
	return p, nil
}

func (c *Client) UpdatePost(ctx context.Context, postID, body string) error {
	channel, ts := channelFromThread(postID)
	_, _, _, err := c.api.UpdateMessageContext(ctx, channel, ts, slack.MsgOptionText(body, false))
	if err != nil {
		return fmt.Errorf("slack: update message: %w", err)
	}
	return nil
}

func (c *Client) DeletePost(ctx context.Context, postID string) error {
	channel, ts := channelFromThread(postID)
	_, _, err := c.api.DeleteMessageContext(ctx, channel, ts)
	if err != nil {
		return fmt.Errorf("slack: delete message: %w", err)
	}
	return nil
}

// PinPost/UnpinPost: Slack pins are channel-scoped, not thread-scoped;
// pinning the task post to its channel is the closest analog to Mattermost's
// per-post pin.
func (c *Client) PinPost(ctx context.Context, postID string) error {
	channel, ts := channelFromThread(postID)
	if err := c.api.PinMessageContext(ctx, channel, ts); err != nil {
		return fmt.Errorf("slack: pin message: %w", err)
	}
	return nil
}

func (c *Client) UnpinPost(ctx context.Context, postID string) error {
	channel, ts := channelFromThread(postID)
	if err := c.api.UnpinMessageContext(ctx, channel, ts); err != nil {
		return fmt.Errorf("slack: unpin message: %w", err)
	}
	return nil
}

func (c *Client) AddReaction(ctx context.Context, postID, name string) error {
	channel, ts := channelFromThread(postID)
	ref := slack.NewRefToMessage(channel, ts)
	if err := c.api.AddReactionContext(ctx, name, ref); err != nil {
		return fmt.Errorf("slack: add reaction: %w", err)
	}
	return nil
}

func (c *Client) RemoveReaction(ctx context.Context, postID, name string) error {
	channel, ts := channelFromThread(postID)
	ref := slack.NewRefToMessage(channel, ts)
	if err := c.api.RemoveReactionContext(ctx, name, ref); err != nil {
		return fmt.Errorf("slack: remove reaction: %w", err)
	}
	return nil
}

func (c *Client) SendTyping(_ context.Context, threadID string) error {
	channel, _ := channelFromThread(threadID)
	c.sm.Client.SendMessageContext(context.Background(), channel, slack.MsgOptionTyping())
	return nil
}

func (c *Client) Events() <-chan platform.Event { return c.events }

// Start runs the Socket Mode event loop, translating message and reaction
// events into platform.Event. Blocks until ctx is cancelled.
func (c *Client) Start(ctx context.Context) error {
	defer close(c.events)

	go c.sm.RunContext(ctx)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case evt, ok := <-c.sm.Events:
			if !ok {
				return nil
			}
			c.handleSocketEvent(ctx, evt)
		}
	}
}

func (c *Client) handleSocketEvent(ctx context.Context, evt socketmode.Event) {
	switch evt.Type {
	case socketmode.EventTypeEventsAPI:
		payload, ok := evt.Data.(slackevents.EventsAPIEvent)
		if !ok {
			return
		}
		c.sm.Ack(*evt.Request)
		c.dispatchInnerEvent(ctx, payload.InnerEvent)
	default:
		// Slash commands, interactivity, etc. are out of scope for the core
		// pipeline; reactions and messages arrive as EventsAPI callbacks.
	}
}

func (c *Client) dispatchInnerEvent(ctx context.Context, inner slackevents.EventsAPIInnerEvent) {
	switch ev := inner.Data.(type) {
	case *slackevents.MessageEvent:
		if ev.BotID != "" || ev.User == c.botID {
			return
		}
		threadID := ev.ThreadTimeStamp
		if threadID == "" {
			threadID = ev.TimeStamp
		}
		c.emit(ctx, platform.Event{
			Kind:      platform.EventMessageCreated,
			PostID:    ev.Channel + ":" + ev.TimeStamp,
			ThreadID:  ev.Channel + ":" + threadID,
			ChannelID: ev.Channel,
			UserID:    ev.User,
			Body:      ev.Text,
		})
	case *slackevents.ReactionAddedEvent:
		c.emit(ctx, platform.Event{
			Kind:   platform.EventReactionAdded,
			PostID: ev.Item.Channel + ":" + ev.Item.Timestamp,
			UserID: ev.User,
			Body:   ev.Reaction,
		})
	case *slackevents.ReactionRemovedEvent:
		c.emit(ctx, platform.Event{
			Kind:   platform.EventReactionRemoved,
			PostID: ev.Item.Channel + ":" + ev.Item.Timestamp,
			UserID: ev.User,
			Body:   ev.Reaction,
		})
	}
}

func (c *Client) emit(ctx context.Context, ev platform.Event) {
	select {
	case c.events <- ev:
	case <-ctx.Done():
	}
}
