package telegram

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/user/fedlink/internal/delivery"
	"github.com/user/fedlink/internal/session"
	"github.com/user/fedlink/internal/types"
)

const (
	maxTelegramMessage = 4096
	alertQueueSize     = 64
)

type sender interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
}

// StatusFunc reports the daemon state for /status.
type StatusFunc func() (session.Snapshot, []types.Device)

// Adapter forwards operator alerts to one chat and answers status commands.
type Adapter struct {
	bot    *tgbotapi.BotAPI
	send   sender
	chatID int64
	status StatusFunc
	alerts chan string
}

// New creates a Telegram adapter bound to chatID. Commands from other chats
// are ignored.
func New(token string, chatID int64, status StatusFunc) (*Adapter, error) {
	bot, err := tgbotapi.NewBotAPI(token)
	if err != nil {
		return nil, fmt.Errorf("create bot: %w", err)
	}
	a := newAdapter(bot, chatID, status)
	a.bot = bot
	return a, nil
}

func newAdapter(s sender, chatID int64, status StatusFunc) *Adapter {
	return &Adapter{
		send:   s,
		chatID: chatID,
		status: status,
		alerts: make(chan string, alertQueueSize),
	}
}

// Start long-polls for commands and forwards queued alerts until ctx is
// cancelled.
func (a *Adapter) Start(ctx context.Context) {
	var updates tgbotapi.UpdatesChannel
	if a.bot != nil {
		u := tgbotapi.NewUpdate(0)
		u.Timeout = 30
		updates = a.bot.GetUpdatesChan(u)
	}

	for {
		select {
		case update := <-updates:
			if update.Message == nil || !update.Message.IsCommand() {
				continue
			}
			if update.Message.Chat.ID != a.chatID {
				slog.Debug("telegram command from unknown chat", "chat_id", update.Message.Chat.ID)
				continue
			}
			a.handleCommand(update.Message.Command())
		case text := <-a.alerts:
			a.sendResponse(a.chatID, text)
		case <-ctx.Done():
			if a.bot != nil {
				a.bot.StopReceivingUpdates()
			}
			return
		}
	}
}

// AlertHandler returns a delivery handler that queues alerts and identity
// migrations for the chat. It never blocks; alerts beyond the queue are
// dropped.
func (a *Adapter) AlertHandler() delivery.Handler {
	return func(msg types.Message) error {
		if msg.Kind != types.KindAlert && msg.Kind != types.KindMigrated {
			return nil
		}
		select {
		case a.alerts <- formatAlert(msg):
		default:
			slog.Warn("telegram alert dropped", "key", msg.Key)
		}
		return nil
	}
}

func formatAlert(msg types.Message) string {
	switch {
	case msg.Device != "":
		return fmt.Sprintf("⚠️ Device %s: %s", msg.Device, msg.Text)
	case msg.Port != "":
		return fmt.Sprintf("⚠️ %s: %s", msg.Port, msg.Text)
	}
	return "⚠️ " + msg.Text
}

func (a *Adapter) handleCommand(cmd string) {
	switch cmd {
	case "start":
		a.sendResponse(a.chatID, "fedlink is running. Use /status for the session and devices.")
	case "status":
		snap, devices := a.status()
		a.sendResponse(a.chatID, Summary(snap, devices))
	default:
		a.sendResponse(a.chatID, "Unknown command. Available: /start, /status")
	}
}

// Summary renders the session state and device table as plain text.
func Summary(snap session.Snapshot, devices []types.Device) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Session: %s\n", snap.State)
	if s := snap.Session; s != nil {
		fmt.Fprintf(&b, "%s / %s since %s\n", s.Experimenter, s.Experiment, s.StartedAt.Format("2006-01-02 15:04"))
	}
	if len(devices) == 0 {
		b.WriteString("No devices")
		return b.String()
	}
	for _, d := range devices {
		port := string(d.Port)
		if port == "" {
			port = "-"
		}
		line := fmt.Sprintf("Device %s on %s: %s", d.ID, port, d.Status)
		if d.Recording {
			line += " (recording)"
		}
		b.WriteString(line + "\n")
	}
	return strings.TrimRight(b.String(), "\n")
}

func (a *Adapter) sendResponse(chatID int64, text string) {
	for _, part := range splitMessage(text) {
		msg := tgbotapi.NewMessage(chatID, part)
		if _, err := a.send.Send(msg); err != nil {
			slog.Warn("telegram send failed", "chat_id", chatID, "error", err)
		}
	}
}

func splitMessage(text string) []string {
	if len(text) <= maxTelegramMessage {
		return []string{text}
	}
	var parts []string
	for len(text) > 0 {
		end := maxTelegramMessage
		if end > len(text) {
			end = len(text)
		}
		parts = append(parts, text[:end])
		text = text[end:]
	}
	return parts
}
