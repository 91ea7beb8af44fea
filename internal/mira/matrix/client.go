// Package matrix is the Matrix transport for Mira: it syncs direct-message
// rooms, normalizes incoming events and sends replies, notices and images.
package matrix

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"maunium.net/go/mautrix"
	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"
)

// Config holds Matrix client configuration.
type Config struct {
	Homeserver  string
	UserID      string
	AccessToken string
	// DB is an optional SQLite connection used to persist the Matrix sync
	// token (next_batch) across restarts. When nil, an in-memory store is
	// used and all room history will be replayed on every restart.
	DB *sql.DB
}

// IncomingKind classifies a normalized incoming event.
type IncomingKind int

const (
	// KindText is a plain m.text message.
	KindText IncomingKind = iota
	// KindReaction is an emoji reaction on one of our messages. The
	// reaction key is carried in Body; companions treat a ✅ reaction as a
	// button press.
	KindReaction
)

// Incoming is one normalized user event from a DM room.
type Incoming struct {
	Sender string
	RoomID string
	Kind   IncomingKind
	Body   string
}

// Handler processes normalized incoming events.
type Handler func(ctx context.Context, msg Incoming)

// Client wraps the mautrix client.
type Client struct {
	client  *mautrix.Client
	config  *Config
	stopCh  chan struct{}
	handler Handler
}

// New creates a Matrix client. Syncing does not start until Start is called.
func New(config *Config) (*Client, error) {
	client, err := mautrix.NewClient(config.Homeserver, id.UserID(config.UserID), config.AccessToken)
	if err != nil {
		return nil, fmt.Errorf("matrix: create client: %w", err)
	}

	c := &Client{
		client: client,
		config: config,
		stopCh: make(chan struct{}),
	}

	// Attach a persistent sync store so the companion resumes from the last
	// known position after a restart instead of replaying room history.
	if config.DB != nil {
		client.Store = newDBSyncStore(config.DB)
		slog.Info("matrix sync store: using persistent store")
	} else {
		slog.Warn("matrix sync store: no DB configured, history will replay on restart")
	}

	return c, nil
}

// Start begins syncing with the homeserver. Incoming messages and reactions
// are delivered to handler; invites to direct rooms are accepted.
func (c *Client) Start(ctx context.Context, handler Handler) error {
	c.handler = handler

	syncer := c.client.Syncer.(*mautrix.DefaultSyncer)
	syncer.OnEventType(event.EventMessage, c.handleMessage)
	syncer.OnEventType(event.EventReaction, c.handleReaction)
	syncer.OnEventType(event.StateMember, c.handleMembership)

	// Sync in the background with exponential back-off reconnection. A
	// transient homeserver error would otherwise kill the sync goroutine and
	// leave the companion deaf.
	go func() {
		const (
			backoffMin = 2 * time.Second
			backoffMax = 5 * time.Minute
		)
		backoff := backoffMin
		for {
			backoff = backoffMin // reset before each attempt
			if err := c.client.Sync(); err != nil {
				select {
				case <-c.stopCh:
					return
				default:
				}
				slog.Error("matrix sync stopped; reconnecting", "err", err, "backoff", backoff)
				select {
				case <-c.stopCh:
					return
				case <-time.After(backoff):
				}
				backoff *= 2
				if backoff > backoffMax {
					backoff = backoffMax
				}
				continue
			}
			// Sync returned nil, which only happens on a clean StopSync.
			return
		}
	}()

	return nil
}

// Stop stops syncing.
func (c *Client) Stop() {
	close(c.stopCh)
	c.client.StopSync()
}

// UserID returns the companion's own Matrix user ID.
func (c *Client) UserID() string {
	return c.config.UserID
}

// SendText sends a plain text message.
func (c *Client) SendText(ctx context.Context, roomID, message string) error {
	if _, err := c.client.SendText(ctx, id.RoomID(roomID), message); err != nil {
		return fmt.Errorf("matrix: send text: %w", err)
	}
	return nil
}

// SendNotice sends an m.notice, used for out-of-band lines like mood shifts
// that should not look like the companion speaking.
func (c *Client) SendNotice(ctx context.Context, roomID, message string) error {
	content := event.MessageEventContent{
		MsgType: event.MsgNotice,
		Body:    message,
	}
	if _, err := c.client.SendMessageEvent(ctx, id.RoomID(roomID), event.EventMessage, &content); err != nil {
		return fmt.Errorf("matrix: send notice: %w", err)
	}
	return nil
}

// SendImage uploads the image to the media repository and sends it as an
// m.image message.
func (c *Client) SendImage(ctx context.Context, roomID, name, mimeType string, data []byte) error {
	upload, err := c.client.UploadBytes(ctx, data, mimeType)
	if err != nil {
		return fmt.Errorf("matrix: upload image: %w", err)
	}
	content := event.MessageEventContent{
		MsgType: event.MsgImage,
		Body:    name,
		URL:     upload.ContentURI.CUString(),
		Info: &event.FileInfo{
			MimeType: mimeType,
			Size:     len(data),
		},
	}
	if _, err := c.client.SendMessageEvent(ctx, id.RoomID(roomID), event.EventMessage, &content); err != nil {
		return fmt.Errorf("matrix: send image: %w", err)
	}
	return nil
}

// SetTyping toggles the typing indicator in a room.
func (c *Client) SetTyping(ctx context.Context, roomID string, typing bool, timeout time.Duration) error {
	if _, err := c.client.UserTyping(ctx, id.RoomID(roomID), typing, timeout); err != nil {
		return fmt.Errorf("matrix: set typing: %w", err)
	}
	return nil
}

func (c *Client) handleMessage(ctx context.Context, evt *event.Event) {
	if evt.Sender == id.UserID(c.config.UserID) {
		return
	}
	msg := evt.Content.AsMessage()
	if msg == nil || msg.MsgType != event.MsgText {
		return
	}
	if c.handler != nil {
		c.handler(ctx, Incoming{
			Sender: evt.Sender.String(),
			RoomID: evt.RoomID.String(),
			Kind:   KindText,
			Body:   msg.Body,
		})
	}
}

func (c *Client) handleReaction(ctx context.Context, evt *event.Event) {
	if evt.Sender == id.UserID(c.config.UserID) {
		return
	}
	reaction := evt.Content.AsReaction()
	if reaction == nil {
		return
	}
	if c.handler != nil {
		c.handler(ctx, Incoming{
			Sender: evt.Sender.String(),
			RoomID: evt.RoomID.String(),
			Kind:   KindReaction,
			Body:   reaction.RelatesTo.Key,
		})
	}
}

// handleMembership auto-joins rooms the companion is invited to, which is
// how a user opens a direct conversation.
func (c *Client) handleMembership(ctx context.Context, evt *event.Event) {
	member := evt.Content.AsMember()
	if member == nil || member.Membership != event.MembershipInvite {
		return
	}
	if evt.GetStateKey() != c.config.UserID {
		return
	}
	if err := c.joinRoom(ctx, evt.RoomID); err != nil {
		slog.Error("failed to join invited room", "room", evt.RoomID, "err", err)
		return
	}
	slog.Info("joined direct room", "room", evt.RoomID, "inviter", evt.Sender)
}

func (c *Client) joinRoom(ctx context.Context, roomID id.RoomID) error {
	_, err := c.client.JoinRoomByID(ctx, roomID)
	if err != nil {
		// M_FORBIDDEN also covers the already-a-member case.
		if errors.Is(err, mautrix.MForbidden) {
			slog.Warn("joinRoom: already a member or access denied, continuing", "room", roomID)
			return nil
		}
		return err
	}
	return nil
}
