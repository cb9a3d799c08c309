// Package bot runs the optional Telegram front-end on top of the
// in-process completion pipeline.
package bot

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/sirupsen/logrus"

	"kiro2chat/internal/kiro"
	"kiro2chat/internal/proxy"
	"kiro2chat/internal/types"
)

const (
	// maxHistory bounds the per-session conversation history.
	maxHistory = 20
	// maxMessageLen is Telegram's hard cap on message text.
	maxMessageLen = 4096
	// pollTimeout is the long-polling timeout in seconds.
	pollTimeout = 30

	thinkingText = "⏳ Thinking..."
)

// sessionKey isolates sessions per chat AND per user, so members of a group
// chat do not share model selection or history.
type sessionKey struct {
	ChatID int64
	UserID int64
}

// session holds one user's conversation state. The mutex serializes message
// handling within the session so replies keep their order; different
// sessions proceed concurrently.
type session struct {
	mu      sync.Mutex
	model   string
	history []kiro.Message
}

func (s *session) append(role, text string) {
	content, _ := json.Marshal(text)
	s.history = append(s.history, kiro.Message{Role: role, Content: content})
	if len(s.history) > maxHistory {
		s.history = s.history[len(s.history)-maxHistory:]
	}
}

// dropLast removes the most recent history entry, used to roll back a user
// turn whose completion failed so a retry does not double it.
func (s *session) dropLast() {
	if len(s.history) > 0 {
		s.history = s.history[:len(s.history)-1]
	}
}

// completer is the slice of ProxyServer the bot consumes.
type completer interface {
	Complete(ctx context.Context, modelAlias string, messages []kiro.Message) (*proxy.CompletionResult, error)
}

// Bot is the long-polling Telegram front-end.
type Bot struct {
	config      types.TelegramConfig
	modelConfig types.ModelConfig
	pipeline    completer

	api *tgbotapi.BotAPI

	mu       sync.Mutex
	sessions map[sessionKey]*session

	cancel context.CancelFunc
	done   chan struct{}
}

// NewBot creates the bot. It does not connect; Start does, and only when a
// token is configured.
func NewBot(configManager types.ConfigManager, proxyServer *proxy.ProxyServer) *Bot {
	return &Bot{
		config:      configManager.GetTelegramConfig(),
		modelConfig: configManager.GetModelConfig(),
		pipeline:    proxyServer,
		sessions:    make(map[sessionKey]*session),
	}
}

// Enabled reports whether a bot token is configured.
func (b *Bot) Enabled() bool {
	return b.config.BotToken != ""
}

// Start connects to the Telegram API and begins consuming updates in a
// background goroutine. It is a no-op when no token is configured.
func (b *Bot) Start() error {
	if !b.Enabled() {
		return nil
	}

	api, err := tgbotapi.NewBotAPI(b.config.BotToken)
	if err != nil {
		return fmt.Errorf("telegram: connect failed: %w", err)
	}
	api.Debug = b.config.Debug
	b.api = api

	ctx, cancel := context.WithCancel(context.Background())
	b.cancel = cancel
	b.done = make(chan struct{})

	logrus.WithField("username", api.Self.UserName).Info("Telegram bot started")
	go b.run(ctx)
	return nil
}

// Stop halts update polling and waits for in-flight handlers to finish or
// the context to expire.
func (b *Bot) Stop(ctx context.Context) {
	if b.cancel == nil {
		return
	}
	b.cancel()
	b.api.StopReceivingUpdates()
	select {
	case <-b.done:
		logrus.Info("Telegram bot stopped")
	case <-ctx.Done():
		logrus.Warn("Telegram bot stop timed out")
	}
}

func (b *Bot) run(ctx context.Context) {
	defer close(b.done)

	u := tgbotapi.NewUpdate(0)
	u.Timeout = pollTimeout
	updates := b.api.GetUpdatesChan(u)

	for {
		select {
		case update, ok := <-updates:
			if !ok {
				return
			}
			go b.handleUpdate(ctx, update)
		case <-ctx.Done():
			return
		}
	}
}

func (b *Bot) handleUpdate(ctx context.Context, update tgbotapi.Update) {
	msg := update.Message
	if msg == nil || msg.From == nil {
		return
	}

	if msg.IsCommand() {
		b.handleCommand(msg)
		return
	}
	if msg.Text == "" {
		return
	}
	b.handleChat(ctx, msg)
}

func (b *Bot) handleCommand(msg *tgbotapi.Message) {
	switch msg.Command() {
	case "start":
		b.reply(msg, "👋 Hi! Send me a message and I'll reply with Claude.\n\n"+
			"Commands:\n"+
			"/model — view or switch model\n"+
			"/clear — clear conversation history\n"+
			"/help — show this help")
	case "help":
		b.reply(msg, "Just send a text message to chat.\n\n"+
			"/model <name> — set model\n"+
			"/model — list available models\n"+
			"/clear — clear conversation history\n"+
			"/help — show this help")
	case "clear":
		sess := b.session(msg)
		sess.mu.Lock()
		sess.history = nil
		sess.mu.Unlock()
		b.reply(msg, "🗑 Conversation history cleared")
	case "model":
		b.handleModelCommand(msg)
	default:
		b.reply(msg, "Unknown command. Try /help")
	}
}

func (b *Bot) handleModelCommand(msg *tgbotapi.Message) {
	sess := b.session(msg)
	available := b.availableModels()

	arg := strings.TrimSpace(msg.CommandArguments())
	if arg == "" {
		sess.mu.Lock()
		current := sess.model
		sess.mu.Unlock()
		if current == "" {
			current = available[0]
		}
		b.reply(msg, fmt.Sprintf("Current model: %s\n\nAvailable:\n• %s\n\nSet with: /model <name>",
			current, strings.Join(available, "\n• ")))
		return
	}

	known := false
	for _, name := range available {
		if name == arg {
			known = true
			break
		}
	}
	if !known {
		b.reply(msg, fmt.Sprintf("Unknown model %q — see /model for the list", arg))
		return
	}

	sess.mu.Lock()
	sess.model = arg
	sess.mu.Unlock()
	b.reply(msg, "✅ Model set to "+arg)
}

func (b *Bot) handleChat(ctx context.Context, msg *tgbotapi.Message) {
	sess := b.session(msg)
	sess.mu.Lock()
	defer sess.mu.Unlock()

	placeholder, err := b.api.Send(tgbotapi.NewMessage(msg.Chat.ID, thinkingText))
	if err != nil {
		logrus.WithError(err).Warn("Telegram send failed")
		return
	}

	sess.append("user", msg.Text)

	model := sess.model
	if model == "" {
		model = b.availableModels()[0]
	}

	result, err := b.pipeline.Complete(ctx, model, sess.history)
	if err != nil {
		sess.dropLast()
		b.edit(msg.Chat.ID, placeholder.MessageID, "❌ Error: "+err.Error())
		return
	}

	sess.append("assistant", result.Text)
	b.edit(msg.Chat.ID, placeholder.MessageID, renderReply(result))
}

// renderReply builds the display text: the sanitized reply plus a one-line
// summary per tool call, capped at Telegram's message length.
func renderReply(result *proxy.CompletionResult) string {
	var parts []string
	if result.Text != "" {
		parts = append(parts, result.Text)
	}
	for _, call := range result.ToolCalls {
		line := "🔧 " + call.Name
		if brief := briefArguments(call.Arguments); brief != "" {
			line += "  " + brief
		}
		parts = append(parts, line)
	}
	display := strings.Join(parts, "\n\n")
	if display == "" {
		display = "(empty response)"
	}
	return truncateRunes(display, maxMessageLen)
}

// briefArguments summarizes a tool call's JSON arguments as the first
// key=value pair, good enough to see what the model tried to do.
func briefArguments(arguments string) string {
	var input map[string]any
	if err := json.Unmarshal([]byte(arguments), &input); err != nil || len(input) == 0 {
		return ""
	}
	keys := make([]string, 0, len(input))
	for k := range input {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	value := fmt.Sprintf("%v", input[keys[0]])
	return keys[0] + "=" + truncateRunes(value, 40)
}

func (b *Bot) session(msg *tgbotapi.Message) *session {
	key := sessionKey{ChatID: msg.Chat.ID, UserID: msg.From.ID}
	b.mu.Lock()
	defer b.mu.Unlock()
	sess, ok := b.sessions[key]
	if !ok {
		sess = &session{}
		b.sessions[key] = sess
	}
	return sess
}

// availableModels lists the selectable model names: the configured aliases,
// or the pinned backend model when no map is set.
func (b *Bot) availableModels() []string {
	if len(b.modelConfig.ModelMap) == 0 {
		return []string{b.modelConfig.DefaultBackendModel}
	}
	names := make([]string, 0, len(b.modelConfig.ModelMap))
	for alias := range b.modelConfig.ModelMap {
		names = append(names, alias)
	}
	sort.Strings(names)
	return names
}

func (b *Bot) reply(msg *tgbotapi.Message, text string) {
	out := tgbotapi.NewMessage(msg.Chat.ID, truncateRunes(text, maxMessageLen))
	if _, err := b.api.Send(out); err != nil {
		logrus.WithError(err).Warn("Telegram send failed")
	}
}

func (b *Bot) edit(chatID int64, messageID int, text string) {
	edit := tgbotapi.NewEditMessageText(chatID, messageID, truncateRunes(text, maxMessageLen))
	if _, err := b.api.Send(edit); err != nil {
		logrus.WithError(err).Warn("Telegram edit failed")
	}
}

func truncateRunes(s string, max int) string {
	runes := []rune(s)
	if len(runes) <= max {
		return s
	}
	return string(runes[:max])
}
