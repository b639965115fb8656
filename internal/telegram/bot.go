// Package telegram is a human-in-the-loop approval channel. It posts
// approval prompts to a chat and accepts /approve, /reject and /pending.
package telegram

import (
	"context"
	"fmt"
	"log/slog"
	"slices"

	"github.com/mtzanidakis/tierflow/internal/approval"
	"github.com/mtzanidakis/tierflow/internal/config"
	"github.com/mtzanidakis/tierflow/internal/events"
	"github.com/mtzanidakis/tierflow/internal/security"
	"github.com/mymmrac/telego"
	th "github.com/mymmrac/telego/telegohandler"
	tu "github.com/mymmrac/telego/telegoutil"
)

type Bot struct {
	bot       *telego.Bot
	handler   *th.BotHandler
	approvals *approval.Service
	validator *security.Validator
	bus       events.Bus
	sub       events.Subscription
	cfg       config.TelegramConfig
	cancel    context.CancelFunc
}

func NewBot(cfg config.TelegramConfig, approvals *approval.Service, validator *security.Validator, bus events.Bus) (*Bot, error) {
	bot, err := telego.NewBot(cfg.Token)
	if err != nil {
		return nil, fmt.Errorf("create telegram bot: %w", err)
	}

	return &Bot{
		bot:       bot,
		approvals: approvals,
		validator: validator,
		bus:       bus,
		cfg:       cfg,
	}, nil
}

func (b *Bot) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	b.cancel = cancel

	if b.bus != nil && b.cfg.ChatID != 0 {
		sub, err := b.bus.Subscribe(events.TopicApproval, func(_ string, ev events.Event) {
			b.onApprovalEvent(ctx, ev)
		})
		if err != nil {
			cancel()
			return fmt.Errorf("subscribe approvals: %w", err)
		}
		b.sub = sub
	}

	updates, err := b.bot.UpdatesViaLongPolling(ctx, nil)
	if err != nil {
		cancel()
		return fmt.Errorf("start long polling: %w", err)
	}

	handler, err := th.NewBotHandler(b.bot, updates)
	if err != nil {
		cancel()
		return fmt.Errorf("create handler: %w", err)
	}
	b.handler = handler

	handler.HandleMessage(func(hctx *th.Context, message telego.Message) error {
		b.handleMessage(ctx, message)
		return nil
	})

	go handler.Start()

	<-ctx.Done()
	_ = handler.Stop()
	return nil
}

func (b *Bot) Stop() {
	if b.sub != nil {
		_ = b.sub.Unsubscribe()
	}
	if b.cancel != nil {
		b.cancel()
	}
	if b.handler != nil {
		_ = b.handler.Stop()
	}
}

func (b *Bot) onApprovalEvent(ctx context.Context, ev events.Event) {
	text := formatApprovalEvent(ev)
	if text == "" {
		return
	}
	if err := b.SendMessage(ctx, b.cfg.ChatID, text); err != nil {
		slog.Error("failed to send telegram approval prompt", "chat", b.cfg.ChatID, "error", err)
	}
}

func (b *Bot) allowed(userID int64) bool {
	return len(b.cfg.AllowFrom) == 0 || slices.Contains(b.cfg.AllowFrom, userID)
}

func (b *Bot) handleMessage(ctx context.Context, msg telego.Message) {
	if msg.From == nil {
		return
	}
	chatID := msg.Chat.ID
	userID := msg.From.ID

	if !b.allowed(userID) {
		slog.Warn("unauthorized telegram user", "user_id", userID, "chat_id", chatID)
		return
	}

	cmd, ok := parseCommand(msg.Text)
	if !ok {
		return
	}
	reply := b.execute(userID, cmd)
	if err := b.SendMessage(ctx, chatID, reply); err != nil {
		slog.Error("failed to send telegram reply", "chat", chatID, "error", err)
	}
}

func (b *Bot) SendMessage(ctx context.Context, chatID int64, text string) error {
	chunks := chunkMessage(text, 4096)
	for _, chunk := range chunks {
		msg := tu.Message(tu.ID(chatID), chunk)
		_, err := b.bot.SendMessage(ctx, msg)
		if err != nil {
			return fmt.Errorf("send message: %w", err)
		}
	}
	return nil
}
