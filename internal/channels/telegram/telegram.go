// Package telegram connects the runtime to the Telegram Bot API using long
// polling. Text and voice messages are normalized onto the inbound sink;
// voice audio is downloaded to a temp file for the transcription step.
package telegram

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/mymmrac/telego"
	tu "github.com/mymmrac/telego/telegoutil"

	"github.com/twinclawhq/twinclaw/internal/bus"
	"github.com/twinclawhq/twinclaw/internal/config"
	"github.com/twinclawhq/twinclaw/internal/redact"
)

const (
	// defaultVoiceMaxBytes caps voice downloads (Telegram Bot API limit is 20MB).
	defaultVoiceMaxBytes int64 = 20 * 1024 * 1024

	downloadMaxRetries = 3

	// stopTimeout bounds the wait for the polling goroutine. Telegram holds a
	// getUpdates lock per bot; a new instance cannot poll until it releases.
	stopTimeout = 10 * time.Second
)

// Adapter is the Telegram channel adapter.
type Adapter struct {
	bot  *telego.Bot
	cfg  config.TelegramConfig
	sink chan<- bus.InboundMessage

	running    atomic.Bool
	pollCancel context.CancelFunc
	pollDone   chan struct{}
}

// New creates a Telegram adapter. The token is validated lazily by the first
// API call, not here.
func New(cfg config.TelegramConfig, sink chan<- bus.InboundMessage) (*Adapter, error) {
	bot, err := telego.NewBot(cfg.Token)
	if err != nil {
		return nil, fmt.Errorf("create telegram bot: %w", err)
	}
	return &Adapter{bot: bot, cfg: cfg, sink: sink}, nil
}

// Platform returns "telegram".
func (a *Adapter) Platform() string { return bus.PlatformTelegram }

// Running reports whether the polling loop is active.
func (a *Adapter) Running() bool { return a.running.Load() }

// Start begins long polling for updates.
func (a *Adapter) Start(ctx context.Context) error {
	slog.Info("starting telegram adapter (polling mode)")

	pollCtx, cancel := context.WithCancel(ctx)
	a.pollCancel = cancel
	a.pollDone = make(chan struct{})

	updates, err := a.bot.UpdatesViaLongPolling(pollCtx, &telego.GetUpdatesParams{
		Timeout:        30,
		AllowedUpdates: []string{"message"},
	})
	if err != nil {
		cancel()
		return fmt.Errorf("start long polling: %w", err)
	}

	a.running.Store(true)
	slog.Info("telegram connected", "username", a.bot.Username())

	go func() {
		defer close(a.pollDone)
		for {
			select {
			case <-pollCtx.Done():
				return
			case update, ok := <-updates:
				if !ok {
					slog.Info("telegram updates channel closed")
					return
				}
				if update.Message == nil {
					slog.Debug("telegram update skipped (no message)", "update_id", update.UpdateID)
					continue
				}
				a.handleMessage(pollCtx, update.Message)
			}
		}
	}()

	return nil
}

// Stop cancels polling and waits for the goroutine to exit so Telegram
// releases the getUpdates lock before a new instance starts.
func (a *Adapter) Stop(_ context.Context) error {
	slog.Info("stopping telegram adapter")
	a.running.Store(false)

	if a.pollCancel != nil {
		a.pollCancel()
	}
	if a.pollDone != nil {
		select {
		case <-a.pollDone:
			slog.Info("telegram adapter stopped")
		case <-time.After(stopTimeout):
			slog.Warn("telegram polling goroutine did not exit within timeout")
		}
	}
	return nil
}

// SendText delivers one text message.
func (a *Adapter) SendText(ctx context.Context, chatID, text string) error {
	id, err := parseChatID(chatID)
	if err != nil {
		return fmt.Errorf("telegram chat id %q: %w", chatID, err)
	}
	if _, err := a.bot.SendMessage(ctx, tu.Message(tu.ID(id), text)); err != nil {
		return fmt.Errorf("send telegram message: %w", err)
	}
	return nil
}

// SendVoice delivers a local audio file as a voice message.
func (a *Adapter) SendVoice(ctx context.Context, chatID, path string) error {
	id, err := parseChatID(chatID)
	if err != nil {
		return fmt.Errorf("telegram chat id %q: %w", chatID, err)
	}
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open voice file %q: %w", path, err)
	}
	defer f.Close()

	if _, err := a.bot.SendVoice(ctx, &telego.SendVoiceParams{
		ChatID: tu.ID(id),
		Voice:  tu.File(f),
	}); err != nil {
		return fmt.Errorf("send telegram voice: %w", err)
	}
	return nil
}

func (a *Adapter) handleMessage(ctx context.Context, msg *telego.Message) {
	in, ok := normalize(msg)
	if !ok {
		return
	}
	if msg.Voice != nil {
		path, err := a.downloadVoice(ctx, msg.Voice.FileID)
		if err != nil {
			// URL errors from the file endpoint quote the bot token.
			slog.Warn("voice download failed", "file_id", msg.Voice.FileID, "error", redact.Error(err))
		} else {
			in.AudioPath = path
		}
	}
	select {
	case a.sink <- in:
	case <-ctx.Done():
	}
}

// normalize maps a Telegram message onto the platform-neutral shape.
// Messages with neither text nor voice are dropped.
func normalize(msg *telego.Message) (bus.InboundMessage, bool) {
	if msg == nil || msg.From == nil {
		return bus.InboundMessage{}, false
	}
	text := msg.Text
	if text == "" {
		text = msg.Caption
	}
	if text == "" && msg.Voice == nil {
		return bus.InboundMessage{}, false
	}

	receivedAt := time.Now().UTC()
	if msg.Date > 0 {
		receivedAt = time.Unix(int64(msg.Date), 0).UTC()
	}
	return bus.InboundMessage{
		Platform:   bus.PlatformTelegram,
		SenderID:   strconv.FormatInt(msg.From.ID, 10),
		ChatID:     strconv.FormatInt(msg.Chat.ID, 10),
		Text:       text,
		RawPayload: fmt.Sprintf("message_id=%d chat_type=%s", msg.MessageID, msg.Chat.Type),
		ReceivedAt: receivedAt,
	}, true
}

// downloadVoice fetches a voice file by file_id into a temp file with retry
// and a size cap. The caller owns (and eventually deletes) the file.
func (a *Adapter) downloadVoice(ctx context.Context, fileID string) (string, error) {
	maxBytes := a.cfg.MediaMaxBytes
	if maxBytes == 0 {
		maxBytes = defaultVoiceMaxBytes
	}

	var file *telego.File
	var err error
	for attempt := 1; attempt <= downloadMaxRetries; attempt++ {
		file, err = a.bot.GetFile(ctx, &telego.GetFileParams{FileID: fileID})
		if err == nil {
			break
		}
		if attempt < downloadMaxRetries {
			slog.Debug("retrying voice file lookup", "file_id", fileID, "attempt", attempt, "error", redact.Error(err))
			select {
			case <-ctx.Done():
				return "", ctx.Err()
			case <-time.After(time.Duration(attempt) * time.Second):
			}
		}
	}
	if err != nil {
		return "", fmt.Errorf("get file info after %d attempts: %w", downloadMaxRetries, err)
	}
	if file.FilePath == "" {
		return "", fmt.Errorf("empty file path for file_id %s", fileID)
	}
	if int64(file.FileSize) > maxBytes {
		return "", fmt.Errorf("voice too large: %d bytes (max %d)", file.FileSize, maxBytes)
	}

	downloadURL := fmt.Sprintf("https://api.telegram.org/file/bot%s/%s", a.cfg.Token, file.FilePath)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, downloadURL, nil)
	if err != nil {
		return "", fmt.Errorf("build download request: %w", err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("download voice file: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("voice download failed with status %d", resp.StatusCode)
	}

	ext := filepath.Ext(file.FilePath)
	if ext == "" {
		ext = ".oga"
	}
	tmp, err := os.CreateTemp("", "twinclaw_voice_*"+ext)
	if err != nil {
		return "", fmt.Errorf("create temp file: %w", err)
	}
	defer tmp.Close()

	written, err := io.Copy(tmp, io.LimitReader(resp.Body, maxBytes+1))
	if err != nil {
		os.Remove(tmp.Name())
		return "", fmt.Errorf("save voice file: %w", err)
	}
	if written > maxBytes {
		os.Remove(tmp.Name())
		return "", fmt.Errorf("voice exceeds max size during download: %d bytes", written)
	}
	return tmp.Name(), nil
}

func parseChatID(chatID string) (int64, error) {
	return strconv.ParseInt(chatID, 10, 64)
}
