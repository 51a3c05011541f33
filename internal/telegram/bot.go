// Package telegram is an optional admin front door: a single-admin bot
// driving the same admin operations as the HTTP API.
package telegram

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"indotex-license-server/internal/admin"
	"indotex-license-server/internal/store"
)

type Bot struct {
	api         *tgbotapi.BotAPI
	adminChatID int64
	adm         *admin.Service
	logger      *slog.Logger

	mu     sync.Mutex
	states map[int64]pendingState
}

type pendingState string

const (
	stateNone        pendingState = ""
	stateNewUser     pendingState = "new_user"
	stateAskInfo     pendingState = "ask_info"
	stateAskSetLimit pendingState = "ask_setlimit"
	stateAskExpiry   pendingState = "ask_expiry"
	stateAskPassword pendingState = "ask_password"
	stateAskUnbind   pendingState = "ask_unbind"
	stateAskDelete   pendingState = "ask_delete"
)

func NewBot(token string, adminChatID int64, adm *admin.Service, logger *slog.Logger) (*Bot, error) {
	api, err := tgbotapi.NewBotAPI(token)
	if err != nil {
		return nil, err
	}
	api.Debug = false
	return &Bot{
		api:         api,
		adminChatID: adminChatID,
		adm:         adm,
		logger:      logger.With("component", "telegram"),
		states:      map[int64]pendingState{},
	}, nil
}

func (b *Bot) Run(ctx context.Context) error {
	upd := tgbotapi.NewUpdate(0)
	upd.Timeout = 30
	updates := b.api.GetUpdatesChan(upd)

	for {
		select {
		case <-ctx.Done():
			return nil
		case u := <-updates:
			if u.CallbackQuery != nil {
				b.handleCallback(u.CallbackQuery)
				continue
			}
			if u.Message != nil {
				b.handleMessage(u.Message)
				continue
			}
		}
	}
}

func (b *Bot) handleMessage(m *tgbotapi.Message) {
	chatID := m.Chat.ID
	text := strings.TrimSpace(m.Text)
	if text == "" {
		return
	}

	// Only the configured admin chat can manage users.
	if chatID != b.adminChatID {
		b.reply(chatID, "This bot is restricted to the administrator.")
		return
	}

	if strings.HasPrefix(text, "/start") || strings.HasPrefix(text, "/help") || strings.HasPrefix(text, "/menu") {
		b.sendMenu(chatID, "User license management")
		b.setState(chatID, stateNone)
		return
	}

	st := b.getState(chatID)
	b.setState(chatID, stateNone)
	switch st {
	case stateNewUser:
		b.cmdNewUser(chatID, text)
	case stateAskInfo:
		b.cmdInfo(chatID, text)
	case stateAskSetLimit:
		b.cmdSetLimit(chatID, text)
	case stateAskExpiry:
		b.cmdSetExpiry(chatID, text)
	case stateAskPassword:
		b.cmdSetPassword(chatID, text)
	case stateAskUnbind:
		b.cmdUnbind(chatID, text)
	case stateAskDelete:
		b.cmdDelete(chatID, text)
	default:
		b.sendMenu(chatID, "Use the menu buttons to manage users.")
		return
	}
	b.sendMenu(chatID, "")
}

func (b *Bot) handleCallback(q *tgbotapi.CallbackQuery) {
	chatID := q.Message.Chat.ID

	if chatID != b.adminChatID {
		_ = b.answerCallback(q.ID, "Not allowed")
		return
	}

	data := strings.TrimSpace(q.Data)
	_ = b.answerCallback(q.ID, "")

	switch {
	case data == "menu":
		b.setState(chatID, stateNone)
		b.sendMenu(chatID, "User license management")
	case data == "new":
		b.setState(chatID, stateNewUser)
		b.reply(chatID, "Send: <username> <password> [max devices] [expiration YYYY-MM-DD]\nExample: alice s3cret 2 2030-12-31")
	case data == "list":
		b.setState(chatID, stateNone)
		b.cmdListWithButtons(chatID)
	case data == "ask_info":
		b.setState(chatID, stateAskInfo)
		b.reply(chatID, "Send the username:")
	case data == "ask_setlimit":
		b.setState(chatID, stateAskSetLimit)
		b.reply(chatID, "Send: <username> <max devices>\nExample: alice 3")
	case data == "ask_expiry":
		b.setState(chatID, stateAskExpiry)
		b.reply(chatID, "Send: <username> <YYYY-MM-DD|none>\nExample: alice 2030-12-31")
	case data == "ask_password":
		b.setState(chatID, stateAskPassword)
		b.reply(chatID, "Send: <username> <new password>")
	case data == "ask_unbind":
		b.setState(chatID, stateAskUnbind)
		b.reply(chatID, "Send the username to unbind all devices:")
	case data == "ask_delete":
		b.setState(chatID, stateAskDelete)
		b.reply(chatID, "Send the username to delete:")
	case strings.HasPrefix(data, "info:"):
		b.setState(chatID, stateNone)
		b.cmdInfo(chatID, strings.TrimPrefix(data, "info:"))
		b.sendMenu(chatID, "")
	default:
		b.sendMenu(chatID, "Unknown action")
	}
}

func (b *Bot) sendMenu(chatID int64, title string) {
	if strings.TrimSpace(title) == "" {
		title = "Menu"
	}
	msg := tgbotapi.NewMessage(chatID, title)
	msg.DisableWebPagePreview = true
	msg.ReplyMarkup = tgbotapi.NewInlineKeyboardMarkup(
		tgbotapi.NewInlineKeyboardRow(
			tgbotapi.NewInlineKeyboardButtonData("➕ New user", "new"),
			tgbotapi.NewInlineKeyboardButtonData("📋 List", "list"),
		),
		tgbotapi.NewInlineKeyboardRow(
			tgbotapi.NewInlineKeyboardButtonData("ℹ️ Info", "ask_info"),
			tgbotapi.NewInlineKeyboardButtonData("✏️ Device limit", "ask_setlimit"),
		),
		tgbotapi.NewInlineKeyboardRow(
			tgbotapi.NewInlineKeyboardButtonData("📅 Expiration", "ask_expiry"),
			tgbotapi.NewInlineKeyboardButtonData("🔑 Password", "ask_password"),
		),
		tgbotapi.NewInlineKeyboardRow(
			tgbotapi.NewInlineKeyboardButtonData("♻️ Unbind devices", "ask_unbind"),
			tgbotapi.NewInlineKeyboardButtonData("🗑 Delete", "ask_delete"),
		),
	)
	_, _ = b.api.Send(msg)
}

func (b *Bot) cmdNewUser(chatID int64, text string) {
	fields := strings.Fields(text)
	if len(fields) < 2 {
		b.reply(chatID, "Invalid input. Format: <username> <password> [max devices] [expiration]")
		return
	}
	username, password := fields[0], fields[1]
	maxDevices := 1
	expiration := ""
	if len(fields) >= 3 {
		n, err := strconv.Atoi(fields[2])
		if err != nil || n < 1 {
			b.reply(chatID, "Invalid max devices")
			return
		}
		maxDevices = n
	}
	if len(fields) >= 4 {
		expiration = fields[3]
	}
	acc, err := b.adm.CreateUser(username, password, maxDevices, expiration)
	if err != nil {
		b.replyErr(chatID, err)
		return
	}
	b.reply(chatID, fmt.Sprintf("User created:\n%s\nMax devices: %d\nExpires: %s",
		acc.Username, acc.MaxDevices, expiryText(acc)))
}

func (b *Bot) cmdInfo(chatID int64, username string) {
	acc, err := b.adm.GetUser(strings.TrimSpace(username))
	if err != nil {
		b.replyErr(chatID, err)
		return
	}
	lines := []string{
		"User: " + acc.Username,
		fmt.Sprintf("Max devices: %d", acc.MaxDevices),
		fmt.Sprintf("Devices in use: %d", len(acc.Devices)),
		"Expires: " + expiryText(acc),
		"Created: " + acc.CreatedAt.Format(time.RFC3339),
	}
	ids := acc.DeviceIDs()
	if len(ids) > 0 {
		lines = append(lines, "Device ids:")
		for _, id := range ids {
			rec := acc.Devices[id]
			lines = append(lines, fmt.Sprintf("- %s (since %s)", shortID(id), rec.ActivatedAt.Format(time.RFC3339)))
		}
	}
	b.reply(chatID, strings.Join(lines, "\n"))
}

func (b *Bot) cmdListWithButtons(chatID int64) {
	accs, err := b.adm.ListUsers()
	if err != nil {
		b.replyErr(chatID, err)
		return
	}
	if len(accs) == 0 {
		b.reply(chatID, "No users yet")
		return
	}

	lines := []string{"Users (tap a button for details):"}
	max := len(accs)
	if max > 20 {
		max = 20
	}
	buttons := make([][]tgbotapi.InlineKeyboardButton, 0)
	for i := 0; i < max; i++ {
		acc := accs[i]
		lines = append(lines, fmt.Sprintf("- %s | %d/%d devices | expires %s",
			acc.Username, len(acc.Devices), acc.MaxDevices, expiryText(acc)))
		buttons = append(buttons, tgbotapi.NewInlineKeyboardRow(
			tgbotapi.NewInlineKeyboardButtonData("ℹ️ "+acc.Username, "info:"+acc.Username),
		))
	}
	if len(accs) > max {
		lines = append(lines, fmt.Sprintf("... (%d more)", len(accs)-max))
	}
	buttons = append(buttons, tgbotapi.NewInlineKeyboardRow(
		tgbotapi.NewInlineKeyboardButtonData("↩️ Menu", "menu"),
	))

	msg := tgbotapi.NewMessage(chatID, strings.Join(lines, "\n"))
	msg.DisableWebPagePreview = true
	msg.ReplyMarkup = tgbotapi.NewInlineKeyboardMarkup(buttons...)
	_, _ = b.api.Send(msg)
}

func (b *Bot) cmdSetLimit(chatID int64, text string) {
	fields := strings.Fields(text)
	if len(fields) != 2 {
		b.reply(chatID, "Invalid input. Format: <username> <max devices>")
		return
	}
	limit, err := strconv.Atoi(fields[1])
	if err != nil || limit < 1 {
		b.reply(chatID, "Invalid max devices")
		return
	}
	acc, err := b.adm.EditUser(fields[0], admin.EditOptions{MaxDevices: limit})
	if err != nil {
		b.replyErr(chatID, err)
		return
	}
	b.reply(chatID, fmt.Sprintf("OK\n%s\nMax devices: %d", acc.Username, acc.MaxDevices))
}

func (b *Bot) cmdSetExpiry(chatID int64, text string) {
	fields := strings.Fields(text)
	if len(fields) != 2 {
		b.reply(chatID, "Invalid input. Format: <username> <YYYY-MM-DD|none>")
		return
	}
	acc, err := b.adm.EditUser(fields[0], admin.EditOptions{Expiration: fields[1]})
	if err != nil {
		b.replyErr(chatID, err)
		return
	}
	b.reply(chatID, fmt.Sprintf("OK\n%s\nExpires: %s", acc.Username, expiryText(acc)))
}

func (b *Bot) cmdSetPassword(chatID int64, text string) {
	fields := strings.Fields(text)
	if len(fields) != 2 {
		b.reply(chatID, "Invalid input. Format: <username> <new password>")
		return
	}
	acc, err := b.adm.EditUser(fields[0], admin.EditOptions{Password: fields[1]})
	if err != nil {
		b.replyErr(chatID, err)
		return
	}
	b.reply(chatID, "Password rotated for "+acc.Username)
}

func (b *Bot) cmdUnbind(chatID int64, username string) {
	acc, err := b.adm.UnbindUser(strings.TrimSpace(username))
	if err != nil {
		b.replyErr(chatID, err)
		return
	}
	b.reply(chatID, fmt.Sprintf("All devices unbound for %s (%d slots free)", acc.Username, acc.MaxDevices))
}

func (b *Bot) cmdDelete(chatID int64, username string) {
	username = strings.TrimSpace(username)
	if err := b.adm.DeleteUser(username); err != nil {
		b.replyErr(chatID, err)
		return
	}
	b.reply(chatID, "Deleted "+username)
}

func (b *Bot) answerCallback(id string, text string) error {
	cb := tgbotapi.NewCallback(id, text)
	_, err := b.api.Request(cb)
	return err
}

func (b *Bot) setState(chatID int64, st pendingState) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if st == stateNone {
		delete(b.states, chatID)
		return
	}
	b.states[chatID] = st
}

func (b *Bot) getState(chatID int64) pendingState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.states[chatID]
}

func (b *Bot) reply(chatID int64, text string) {
	msg := tgbotapi.NewMessage(chatID, text)
	msg.DisableWebPagePreview = true
	_, _ = b.api.Send(msg)
}

func (b *Bot) replyErr(chatID int64, err error) {
	b.logger.Warn("admin command failed", "error", err)
	b.reply(chatID, "Error: "+err.Error())
}

func expiryText(acc *store.UserAccount) string {
	if acc.ExpiresAt == nil {
		return "never"
	}
	return acc.ExpiresAt.Format("2006-01-02")
}

func shortID(id string) string {
	// Fingerprints are 64 hex chars; keep chat output readable.
	if len(id) <= 16 {
		return id
	}
	return id[:12] + "..."
}
