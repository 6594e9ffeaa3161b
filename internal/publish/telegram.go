package publish

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"html"
	"strings"
	"unicode/utf8"

	tele "gopkg.in/telebot.v4"

	"notibridge/internal/notification"
)

const (
	telegramTextLimit    = 4000
	telegramCaptionLimit = 1000
)

// TelegramConfig configures the Telegram mirror sink.
type TelegramConfig struct {
	Token    string
	ChatID   int64
	ThreadID int

	// SendImages attaches the embedded picture (or the large icon) as a photo.
	SendImages bool
	// IncludeSnapshots also mirrors scheduled snapshot resyncs.
	IncludeSnapshots bool
	// IncludeRemovals also mirrors removal events.
	IncludeRemovals bool
}

// telegramSender is the subset of *tele.Bot the sink uses.
type telegramSender interface {
	Send(to tele.Recipient, what interface{}, opts ...interface{}) (*tele.Message, error)
}

// TelegramSink mirrors notification events into a Telegram chat.
type TelegramSink struct {
	cfg TelegramConfig
	bot telegramSender
}

func NewTelegramSink(cfg TelegramConfig) (*TelegramSink, error) {
	if strings.TrimSpace(cfg.Token) == "" {
		return nil, errors.New("telegram token is empty")
	}
	if cfg.ChatID == 0 {
		return nil, errors.New("telegram chat_id is empty")
	}
	// Offline skips the getMe round trip so a network hiccup at boot does not
	// keep the bridge from starting; sends still go to the API.
	b, err := tele.NewBot(tele.Settings{Token: cfg.Token, Offline: true})
	if err != nil {
		return nil, fmt.Errorf("telegram bot: %w", err)
	}
	return &TelegramSink{cfg: cfg, bot: b}, nil
}

func (s *TelegramSink) Publish(ctx context.Context, ev notification.Event) error {
	switch ev.Kind {
	case notification.KindSnapshot:
		if !s.cfg.IncludeSnapshots {
			return nil
		}
	case notification.KindRemoved:
		if !s.cfg.IncludeRemovals {
			return nil
		}
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	chat := &tele.Chat{ID: s.cfg.ChatID}
	opts := &tele.SendOptions{ParseMode: tele.ModeHTML, DisableWebPagePreview: true, ThreadID: s.cfg.ThreadID}

	if s.cfg.SendImages {
		if img := pickImage(ev.Record); img != nil {
			photo := &tele.Photo{File: tele.FromReader(bytes.NewReader(img)), Caption: FormatTelegram(ev, telegramCaptionLimit)}
			_, err := s.bot.Send(chat, photo, opts)
			return err
		}
	}
	_, err := s.bot.Send(chat, FormatTelegram(ev, telegramTextLimit), opts)
	return err
}

// FormatTelegram renders an event as Telegram HTML of at most limit runes
// (limit <= 0 means no limit). Title and content are shortened before
// escaping, so entities and tags always stay whole.
func FormatTelegram(ev notification.Event, limit int) string {
	rec := ev.Record
	head := fmt.Sprintf("<b>%s</b> #%d %s", html.EscapeString(rec.PackageName), rec.ID, ev.Kind)

	var tags []string
	if rec.IsOngoing {
		tags = append(tags, "ongoing")
	}
	if rec.CanReply {
		tags = append(tags, "can-reply")
	}
	if rec.HasExtraPicture {
		tags = append(tags, "picture")
	}
	var tail string
	if len(tags) > 0 {
		tail = "\n<i>" + strings.Join(tags, " · ") + "</i>"
	}

	unlimited := limit <= 0
	budget := limit - utf8.RuneCountInString(head) - utf8.RuneCountInString(tail)

	var b strings.Builder
	b.WriteString(head)
	if rec.Title != nil && *rec.Title != "" {
		const markup = len("\n<b></b>")
		if t, n := escapeFit(*rec.Title, budget-markup, unlimited); n > 0 {
			b.WriteString("\n<b>")
			b.WriteString(t)
			b.WriteString("</b>")
			budget -= n + markup
		}
	}
	if rec.Content != nil && *rec.Content != "" {
		if c, n := escapeFit(*rec.Content, budget-1, unlimited); n > 0 {
			b.WriteString("\n")
			b.WriteString(c)
		}
	}
	b.WriteString(tail)
	return b.String()
}

// escapeFit HTML-escapes the longest prefix of raw whose escaped form, plus a
// trailing ellipsis when cut, fits in budget runes. It returns the text and its
// rune count.
func escapeFit(raw string, budget int, unlimited bool) (string, int) {
	if unlimited {
		out := html.EscapeString(raw)
		return out, utf8.RuneCountInString(out)
	}
	if budget <= 0 {
		return "", 0
	}
	full := html.EscapeString(raw)
	if n := utf8.RuneCountInString(full); n <= budget {
		return full, n
	}
	var b strings.Builder
	used := 0
	for _, r := range raw {
		piece := html.EscapeString(string(r))
		n := utf8.RuneCountInString(piece)
		if used+n > budget-1 {
			break
		}
		b.WriteString(piece)
		used += n
	}
	b.WriteString("…")
	return b.String(), used + 1
}

func pickImage(rec notification.Record) []byte {
	if rec.ExtraPictureImage != nil {
		return rec.ExtraPictureImage
	}
	return rec.LargeIconImage
}
