// Package telegram is the Telegram front-end of the agent.
package telegram

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/harun/lunar/internal/config"
	"github.com/harun/lunar/pkg/agent"
	"github.com/harun/lunar/pkg/capability"
	"github.com/harun/lunar/pkg/channels"
	"github.com/rs/zerolog"
)

const (
	// ChannelName identifies the channel in the registry.
	ChannelName = "telegram"
	// BusyMessage is sent when a chat already has a turn in flight.
	BusyMessage = "I'm still working on your previous message."

	maxMessageLength = 4096
)

// botAPI is the part of *tgbotapi.BotAPI the channel uses.
type botAPI interface {
	GetUpdatesChan(config tgbotapi.UpdateConfig) tgbotapi.UpdatesChannel
	StopReceivingUpdates()
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
	GetFileDirectURL(fileID string) (string, error)
}

// Options holds what the bot needs beyond its config section.
type Options struct {
	Logger zerolog.Logger
	// WorkspaceRoot confines the files send_file may deliver.
	WorkspaceRoot string
	HTTPClient    *http.Client
}

// Bot represents a Telegram bot instance. It is a channels.Channel and,
// while running, a channels.Transport.
type Bot struct {
	api       botAPI
	logger    zerolog.Logger
	http      *http.Client
	workspace string
	gate      *gate
	files     *fileStore

	mu      sync.RWMutex
	running bool
	cancel  context.CancelFunc
	done    chan struct{}
	inbox   sync.WaitGroup
}

var (
	_ channels.Channel     = (*Bot)(nil)
	_ channels.Transport   = (*Bot)(nil)
	_ channels.Connectable = (*Bot)(nil)
)

// New creates a new Telegram bot instance
func New(cfg config.TelegramConfig, opts Options) (*Bot, error) {
	if cfg.BotToken == "" {
		return nil, fmt.Errorf("bot token is required")
	}

	api, err := tgbotapi.NewBotAPI(cfg.BotToken)
	if err != nil {
		return nil, fmt.Errorf("failed to create bot API: %w", err)
	}

	bot := newBot(api, cfg, opts, time.Now())
	bot.logger.Info().
		Str("username", api.Self.UserName).
		Int64("id", api.Self.ID).
		Msg("Telegram bot authenticated")

	return bot, nil
}

func newBot(api botAPI, cfg config.TelegramConfig, opts Options, start time.Time) *Bot {
	client := opts.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	return &Bot{
		api:       api,
		logger:    opts.Logger.With().Str("component", "telegram").Logger(),
		http:      client,
		workspace: opts.WorkspaceRoot,
		gate:      newGate(start, cfg.AllowedChats, cfg.Hotword),
		files:     newFileStore(),
	}
}

// Name returns the channel name.
func (b *Bot) Name() string { return ChannelName }

// Start starts the bot and begins processing updates
func (b *Bot) Start(ctx context.Context, dispatch channels.DispatchFunc) error {
	if dispatch == nil {
		return fmt.Errorf("dispatch function is required")
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.running {
		return fmt.Errorf("bot is already running")
	}

	u := tgbotapi.NewUpdate(0)
	u.Timeout = 60
	updates := b.api.GetUpdatesChan(u)

	loopCtx, cancel := context.WithCancel(ctx)
	b.cancel = cancel
	b.done = make(chan struct{})
	b.running = true

	go b.processUpdates(loopCtx, updates, dispatch, b.done)

	b.logger.Info().Msg("Telegram bot started")
	return nil
}

// Stop stops receiving updates and waits for in-flight messages.
func (b *Bot) Stop(ctx context.Context) error {
	b.mu.Lock()
	if !b.running {
		b.mu.Unlock()
		return nil
	}
	b.running = false
	cancel, done := b.cancel, b.done
	b.mu.Unlock()

	b.logger.Info().Msg("Stopping Telegram bot")
	b.api.StopReceivingUpdates()
	cancel()

	finished := make(chan struct{})
	go func() {
		<-done
		b.inbox.Wait()
		close(finished)
	}()

	select {
	case <-finished:
		b.logger.Info().Msg("Telegram bot stopped")
		return nil
	case <-ctx.Done():
		return fmt.Errorf("telegram bot did not stop: %w", ctx.Err())
	}
}

// Connected reports whether the bot is receiving updates.
func (b *Bot) Connected() bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.running
}

func (b *Bot) processUpdates(ctx context.Context, updates tgbotapi.UpdatesChannel, dispatch channels.DispatchFunc, done chan struct{}) {
	defer close(done)
	for {
		select {
		case <-ctx.Done():
			return
		case update, ok := <-updates:
			if !ok {
				return
			}
			if update.Message == nil {
				continue
			}
			b.inbox.Add(1)
			go func(msg *tgbotapi.Message) {
				defer b.inbox.Done()
				b.handleMessage(ctx, dispatch, msg)
			}(update.Message)
		}
	}
}

// handleMessage applies the chat policy and hands the message to the agent.
func (b *Bot) handleMessage(ctx context.Context, dispatch channels.DispatchFunc, msg *tgbotapi.Message) {
	if msg.Chat == nil {
		return
	}
	chatID := strconv.FormatInt(msg.Chat.ID, 10)
	logger := b.logger.With().Str("chat_id", chatID).Int("message_id", msg.MessageID).Logger()

	text := msg.Text
	if text == "" {
		text = msg.Caption
	}
	hasFile := msg.Document != nil

	act, input, reason := b.gate.evaluate(chatID, msg.Time(), text, hasFile)
	switch act {
	case actionIgnore:
		logger.Debug().Str("reason", string(reason)).Msg("Ignoring message")
		return
	case actionEnable:
		logger.Info().Msg("AI chat started")
		b.reply(ctx, msg, replyAIStarted)
		return
	case actionDisable:
		logger.Info().Msg("AI chat stopped")
		b.reply(ctx, msg, fmt.Sprintf(replyAIStopped, b.gate.hotword))
		return
	}

	if hasFile {
		if note := b.receiveDocument(ctx, msg.Document); note != "" {
			input = strings.TrimSpace(input + "\n\n" + note)
		}
	}

	inbound := channels.InboundMessage{
		Channel:         ChannelName,
		ConversationKey: chatID,
		Text:            input,
		HasAttachment:   hasFile,
		Metadata:        map[string]interface{}{"message_id": msg.MessageID},
		Capabilities: []capability.Capability{
			b.sendFileCapability(chatID),
			readChannelFile(b.files),
		},
	}
	if msg.From != nil {
		inbound.Metadata["user_id"] = msg.From.ID
		inbound.Metadata["username"] = msg.From.UserName
	}

	logger.Info().Bool("has_file", hasFile).Msg("Message received")
	b.sendTyping(msg.Chat.ID)

	reply, err := dispatch(ctx, inbound)
	if errors.Is(err, agent.ErrBusy) {
		b.reply(ctx, msg, BusyMessage)
		return
	}
	if err != nil {
		logger.Error().Err(err).Msg("Failed to process message")
	}
	if reply.Deliver && strings.TrimSpace(reply.Text) != "" {
		b.reply(ctx, msg, reply.Text)
	}
}

func (b *Bot) reply(ctx context.Context, msg *tgbotapi.Message, text string) {
	for i, chunk := range splitMessage(text, maxMessageLength) {
		out := tgbotapi.NewMessage(msg.Chat.ID, chunk)
		if i == 0 {
			out.ReplyToMessageID = msg.MessageID
		}
		if ctx.Err() != nil {
			return
		}
		if _, err := b.api.Send(out); err != nil {
			b.logger.Error().Err(err).Int64("chat_id", msg.Chat.ID).Msg("Failed to send reply")
			return
		}
	}
}

func (b *Bot) sendTyping(chatID int64) {
	if _, err := b.api.Send(tgbotapi.NewChatAction(chatID, tgbotapi.ChatTyping)); err != nil {
		b.logger.Debug().Err(err).Msg("Failed to send typing action")
	}
}

// SendText sends text to a chat id address.
func (b *Bot) SendText(ctx context.Context, address, text string) error {
	chatID, err := parseAddress(address)
	if err != nil {
		return err
	}
	for _, chunk := range splitMessage(text, maxMessageLength) {
		if err := ctx.Err(); err != nil {
			return err
		}
		if _, err := b.api.Send(tgbotapi.NewMessage(chatID, chunk)); err != nil {
			return fmt.Errorf("failed to send message: %w", err)
		}
	}

	b.logger.Debug().Int64("chat_id", chatID).Msg("Message sent")
	return nil
}

// SendFile uploads a local file to a chat id address.
func (b *Bot) SendFile(ctx context.Context, address, path, caption string) error {
	chatID, err := parseAddress(address)
	if err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	var out tgbotapi.Chattable
	if isMedia(path) {
		photo := tgbotapi.NewPhoto(chatID, tgbotapi.FilePath(path))
		photo.Caption = caption
		out = photo
	} else {
		doc := tgbotapi.NewDocument(chatID, tgbotapi.FilePath(path))
		doc.Caption = caption
		out = doc
	}
	if _, err := b.api.Send(out); err != nil {
		return fmt.Errorf("failed to upload file: %w", err)
	}

	b.logger.Info().Int64("chat_id", chatID).Str("path", path).Msg("File uploaded")
	return nil
}

func parseAddress(address string) (int64, error) {
	id, err := strconv.ParseInt(strings.TrimSpace(address), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid telegram chat id %q", address)
	}
	return id, nil
}

// splitMessage cuts text into pieces of at most limit runes, preferring
// line breaks.
func splitMessage(text string, limit int) []string {
	runes := []rune(text)
	if len(runes) <= limit {
		return []string{text}
	}
	var parts []string
	for len(runes) > limit {
		cut := limit
		for i := limit - 1; i > limit/2; i-- {
			if runes[i] == '\n' {
				cut = i + 1
				break
			}
		}
		parts = append(parts, string(runes[:cut]))
		runes = runes[cut:]
	}
	if len(runes) > 0 {
		parts = append(parts, string(runes))
	}
	return parts
}
