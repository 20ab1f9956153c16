// Package telegram sends operator alerts and agent replies through the
// Telegram Bot API.
package telegram

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync/atomic"

	"github.com/mymmrac/telego"
	tu "github.com/mymmrac/telego/telegoutil"

	"github.com/mtzanidakis/agora/internal/capability"
	"github.com/mtzanidakis/agora/internal/config"
	"github.com/mtzanidakis/agora/internal/store"
)

// TaskReply is the task type a bot agent handles to post a message.
const TaskReply = "telegram_reply"

var ErrNoChat = errors.New("no chat id and no admin chat configured")

// Sender is the part of the Bot API the notifier uses. *telego.Bot
// satisfies it.
type Sender interface {
	SendMessage(ctx context.Context, params *telego.SendMessageParams) (*telego.Message, error)
}

type Notifier struct {
	sender Sender
	chatID atomic.Int64
	log    *slog.Logger
}

type Option func(*Notifier)

// WithSender replaces the Bot API client.
func WithSender(s Sender) Option {
	return func(n *Notifier) { n.sender = s }
}

func WithLogger(l *slog.Logger) Option {
	return func(n *Notifier) { n.log = l }
}

// New returns a notifier posting to cfg.AdminChatID. It needs a token
// unless a sender is supplied.
func New(cfg config.TelegramConfig, opts ...Option) (*Notifier, error) {
	n := &Notifier{log: slog.Default()}
	n.chatID.Store(cfg.AdminChatID)
	for _, opt := range opts {
		opt(n)
	}
	if n.sender == nil {
		if cfg.Token == "" {
			return nil, fmt.Errorf("telegram token not configured")
		}
		bot, err := telego.NewBot(cfg.Token)
		if err != nil {
			return nil, fmt.Errorf("create telegram bot: %w", err)
		}
		n.sender = bot
	}
	return n, nil
}

// SetAdminChat changes where alerts go.
func (n *Notifier) SetAdminChat(id int64) {
	n.chatID.Store(id)
}

// Notify posts text to the admin chat. Without an admin chat it only logs.
func (n *Notifier) Notify(ctx context.Context, text string) error {
	chatID := n.chatID.Load()
	if chatID == 0 {
		n.log.Warn("operator alert dropped, no admin chat", "text", text)
		return nil
	}
	return n.SendMessage(ctx, chatID, text, false)
}

func (n *Notifier) SendMessage(ctx context.Context, chatID int64, text string, markdown bool) error {
	if markdown {
		text = toTelegramMarkdown(text)
	}
	for _, chunk := range chunkMessage(text, maxMessageLen) {
		msg := tu.Message(tu.ID(chatID), chunk)
		if markdown {
			msg.ParseMode = telego.ModeMarkdown
		}
		if _, err := n.sender.SendMessage(ctx, msg); err != nil {
			return fmt.Errorf("send message: %w", err)
		}
	}
	return nil
}

// Install registers the telegram_reply handler. The task data carries
// text, and optionally chat_id and markdown.
func (n *Notifier) Install(table *capability.Table) error {
	return table.RegisterFunc(TaskReply, n.handleReply)
}

func (n *Notifier) handleReply(ctx context.Context, t *store.Task) (map[string]any, error) {
	text, _ := t.Data["text"].(string)
	if text == "" {
		return nil, fmt.Errorf("%s requires text", TaskReply)
	}
	chatID, err := chatIDFrom(t.Data["chat_id"])
	if err != nil {
		return nil, err
	}
	if chatID == 0 {
		chatID = n.chatID.Load()
	}
	if chatID == 0 {
		return nil, ErrNoChat
	}
	markdown, _ := t.Data["markdown"].(bool)

	if err := n.SendMessage(ctx, chatID, text, markdown); err != nil {
		return nil, err
	}
	return capability.Success(map[string]any{
		"chat_id": chatID,
		"chunks":  len(chunkMessage(text, maxMessageLen)),
	}), nil
}

// chatIDFrom accepts the JSON forms a chat id arrives in.
func chatIDFrom(v any) (int64, error) {
	switch id := v.(type) {
	case nil:
		return 0, nil
	case float64:
		return int64(id), nil
	case int64:
		return id, nil
	case int:
		return int64(id), nil
	case string:
		n, err := strconv.ParseInt(id, 10, 64)
		if err != nil {
			return 0, fmt.Errorf("invalid chat_id %q", id)
		}
		return n, nil
	default:
		return 0, fmt.Errorf("invalid chat_id type %T", v)
	}
}
