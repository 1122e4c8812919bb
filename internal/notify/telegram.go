// Package notify is an optional Event Bus subscriber that relays
// status_update events to Telegram, the way this
// codebase's Telegram bot already narrates trades and opportunities to
// an operator's chat.
package notify

import (
	"context"
	"fmt"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/rs/zerolog"

	"github.com/lookoupai/chainmakes-go/internal/eventbus"
)

// Telegram forwards a single bot's status_update events to one chat.
// Spread/order/position updates fire too often for chat noise, so only
// status updates (engine start, cycle close, fatal stop) are narrated.
type Telegram struct {
	api    *tgbotapi.BotAPI
	chatID int64
	log    zerolog.Logger
}

func New(token string, chatID int64, log zerolog.Logger) (*Telegram, error) {
	api, err := tgbotapi.NewBotAPI(token)
	if err != nil {
		return nil, fmt.Errorf("notify: telegram bot: %w", err)
	}
	log.Info().Str("username", api.Self.UserName).Msg("telegram notifier connected")
	return &Telegram{api: api, chatID: chatID, log: log}, nil
}

// Watch subscribes to botID's topic and forwards status_update events
// until ctx is cancelled. Intended to run in its own goroutine.
func (t *Telegram) Watch(ctx context.Context, botID int64, bus *eventbus.Bus) {
	sub := bus.Subscribe(botID)
	defer sub.Close()

	for {
		select {
		case <-ctx.Done():
			return
		case evt, ok := <-sub.Ch:
			if !ok {
				return
			}
			if evt.Type != eventbus.StatusUpdate {
				continue
			}
			t.send(botID, evt.Data)
		}
	}
}

func (t *Telegram) send(botID int64, data interface{}) {
	text := fmt.Sprintf("bot %d: %v", botID, data)
	msg := tgbotapi.NewMessage(t.chatID, text)
	if _, err := t.api.Send(msg); err != nil {
		t.log.Warn().Err(err).Int64("bot_id", botID).Msg("telegram send failed")
	}
}
