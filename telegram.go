package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"html"
	"io"
	"net/http"
	"net/url"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/microcosm-cc/bluemonday"
	zlog "github.com/rs/zerolog/log"
)

// =============================================================================
// TELEGRAM API CLIENT
// =============================================================================

const (
	maxChatMessageLength = 4000
	maxChatURLs          = 10
	maxChatURLLength     = 2048
	chatNoteTitle        = "Note from chat"
	pollErrorBackoff     = 5 * time.Second
)

type TelegramUpdate struct {
	UpdateID int64            `json:"update_id"`
	Message  *TelegramMessage `json:"message"`
}

type TelegramMessage struct {
	MessageID int64         `json:"message_id"`
	From      *TelegramUser `json:"from"`
	Chat      TelegramChat  `json:"chat"`
	Date      int64         `json:"date"`
	Text      string        `json:"text"`
}

type TelegramChat struct {
	ID   int64  `json:"id"`
	Type string `json:"type"`
}

type TelegramUser struct {
	ID        int64  `json:"id"`
	Username  string `json:"username"`
	FirstName string `json:"first_name"`
}

// TelegramAPI is the remote surface the poller depends on; tests substitute
// a scripted fake.
type TelegramAPI interface {
	GetUpdates(ctx context.Context, offset int64) ([]TelegramUpdate, error)
	SendMessage(ctx context.Context, chatID int64, text string) error
}

type TelegramClient struct {
	baseURL     string
	pollTimeout time.Duration
	httpClient  *http.Client
}

func newTelegramClient(cfg Config) *TelegramClient {
	pollTimeout := cfg.pollTimeout()
	return &TelegramClient{
		baseURL:     strings.TrimSuffix(cfg.Telegram.APIBaseURL, "/") + "/bot" + cfg.Telegram.BotToken,
		pollTimeout: pollTimeout,
		httpClient: &http.Client{
			// Long poll plus headroom so the server side closes first.
			Timeout: pollTimeout + 5*time.Second,
		},
	}
}

type telegramResponse struct {
	OK          bool            `json:"ok"`
	Result      json.RawMessage `json:"result"`
	Description string          `json:"description"`
}

func (c *TelegramClient) call(ctx context.Context, method string, query url.Values, body interface{}) (json.RawMessage, error) {
	endpoint := c.baseURL + "/" + method
	if len(query) > 0 {
		endpoint += "?" + query.Encode()
	}

	var reqBody io.Reader
	httpMethod := http.MethodGet
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("failed to encode %s request: %w", method, err)
		}
		reqBody = bytes.NewReader(encoded)
		httpMethod = http.MethodPost
	}

	req, err := http.NewRequestWithContext(ctx, httpMethod, endpoint, reqBody)
	if err != nil {
		return nil, fmt.Errorf("failed to create %s request: %w", method, err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%s request failed: %w", method, err)
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, fmt.Errorf("failed to read %s response: %w", method, err)
	}

	var parsed telegramResponse
	if err := json.Unmarshal(payload, &parsed); err != nil {
		return nil, fmt.Errorf("failed to decode %s response: %w", method, err)
	}
	if !parsed.OK {
		return nil, fmt.Errorf("%s returned error: %s", method, parsed.Description)
	}
	return parsed.Result, nil
}

func (c *TelegramClient) GetUpdates(ctx context.Context, offset int64) ([]TelegramUpdate, error) {
	query := url.Values{}
	query.Set("offset", strconv.FormatInt(offset, 10))
	query.Set("timeout", strconv.Itoa(int(c.pollTimeout.Seconds())))

	result, err := c.call(ctx, "getUpdates", query, nil)
	if err != nil {
		return nil, err
	}

	var updates []TelegramUpdate
	if err := json.Unmarshal(result, &updates); err != nil {
		return nil, fmt.Errorf("failed to decode updates: %w", err)
	}
	return updates, nil
}

func (c *TelegramClient) SendMessage(ctx context.Context, chatID int64, text string) error {
	_, err := c.call(ctx, "sendMessage", nil, map[string]interface{}{
		"chat_id":    chatID,
		"text":       text,
		"parse_mode": "HTML",
	})
	return err
}

// =============================================================================
// MESSAGE PARSING
// =============================================================================

var urlPattern = regexp.MustCompile(`https?://(?:www\.)?[-a-zA-Z0-9@:%._\+~#=]{1,256}\.[a-zA-Z0-9()]{1,6}\b(?:[-a-zA-Z0-9()@:%_\+.~#?&/=]*)`)

func extractURLs(text string) []string {
	return urlPattern.FindAllString(text, -1)
}

func stripHTML(input string) string {
	policy := bluemonday.StrictPolicy()
	policy = policy.AddSpaceWhenStrippingTag(true)

	cleaned := policy.Sanitize(input)
	cleaned = strings.ReplaceAll(cleaned, "  ", " ")
	cleaned = strings.TrimSpace(cleaned)

	return cleaned
}

// sanitizeChatText strips markup and control characters from user-supplied
// chat text before it is stored or echoed back.
func sanitizeChatText(text string) string {
	cleaned := stripHTML(text)
	var b strings.Builder
	b.Grow(len(cleaned))
	for _, r := range cleaned {
		if r < 0x20 && r != '\n' && r != '\t' {
			continue
		}
		b.WriteRune(r)
	}
	return strings.TrimSpace(b.String())
}

// validateChatURL applies the chat-specific bounds on top of the fetch-side
// safety checks.
func validateChatURL(raw string) error {
	if len(raw) > maxChatURLLength {
		return fmt.Errorf("url too long")
	}
	parsed, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("invalid url: %w", err)
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return fmt.Errorf("unsupported scheme %q", parsed.Scheme)
	}
	if len(parsed.Hostname()) < 3 {
		return fmt.Errorf("hostname too short")
	}
	return validateFetchURL(raw)
}

// =============================================================================
// TELEGRAM POLLER
// =============================================================================

// TelegramPoller long-polls the bot API and routes messages into the link
// service. Its position survives restarts through the poller_state row.
type TelegramPoller struct {
	config  Config
	db      *Database
	service *LinkService
	api     TelegramAPI
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

func newTelegramPoller(cfg Config, db *Database, service *LinkService, api TelegramAPI) *TelegramPoller {
	ctx, cancel := context.WithCancel(context.Background())
	if api == nil && cfg.Telegram.BotToken != "" {
		api = newTelegramClient(cfg)
	}
	return &TelegramPoller{
		config:  cfg,
		db:      db,
		service: service,
		api:     api,
		ctx:     ctx,
		cancel:  cancel,
	}
}

func (p *TelegramPoller) start() {
	if p.config.Telegram.BotToken == "" || p.api == nil {
		zlog.Info().Msg("telegram poller disabled: no bot token configured")
		return
	}

	p.wg.Add(1)
	go p.run()
	zlog.Info().Msg("telegram poller started")
}

func (p *TelegramPoller) stop() {
	p.cancel()
	p.wg.Wait()
}

func (p *TelegramPoller) run() {
	defer p.wg.Done()

	offset := int64(0)
	if state, err := p.db.getPollerState(); err != nil {
		zlog.Warn().Err(err).Msg("failed to load poller state, starting from zero")
	} else {
		offset = state.LastUpdateID
	}

	for {
		select {
		case <-p.ctx.Done():
			return
		default:
		}

		updates, err := p.api.GetUpdates(p.ctx, offset+1)
		if err != nil {
			if p.ctx.Err() != nil {
				return
			}
			zlog.Warn().Err(err).Msg("failed to poll updates")
			select {
			case <-p.ctx.Done():
				return
			case <-time.After(pollErrorBackoff):
			}
			continue
		}

		for _, update := range updates {
			if update.Message != nil && update.Message.Text != "" {
				reply := p.processMessage(p.ctx, update.Message.Chat.ID, update.Message.Text)
				if reply != "" {
					if err := p.api.SendMessage(p.ctx, update.Message.Chat.ID, reply); err != nil {
						zlog.Warn().Err(err).Int64("chat_id", update.Message.Chat.ID).Msg("failed to send reply")
					}
				}
			}
			if update.UpdateID > offset {
				offset = update.UpdateID
			}
		}

		if len(updates) > 0 {
			now := time.Now().UTC()
			if err := p.db.updatePollerState(offset, &now); err != nil {
				zlog.Warn().Err(err).Msg("failed to persist poller state")
			}
		}
	}
}

// processMessage handles one chat message and returns the reply text. A
// message with no URLs becomes a note; a message with URLs becomes links,
// deduplicated through the service.
func (p *TelegramPoller) processMessage(ctx context.Context, chatID int64, text string) string {
	if len(text) > maxChatMessageLength {
		return fmt.Sprintf("⚠️ Message too long: limit is %d characters.", maxChatMessageLength)
	}

	trimmed := strings.TrimSpace(text)
	if trimmed == "/start" {
		return "👋 Send me a link to save it, or any text to keep it as a note."
	}

	urls := extractURLs(trimmed)
	if len(urls) == 0 {
		content := sanitizeChatText(trimmed)
		if content == "" {
			return "⚠️ Nothing to save."
		}
		if _, err := p.db.insertNote(chatNoteTitle, content); err != nil {
			zlog.Error().Err(err).Int64("chat_id", chatID).Msg("failed to save note")
			return "❌ Could not save your note, please try again."
		}
		return "📝 Note saved."
	}

	if len(urls) > maxChatURLs {
		return fmt.Sprintf("⚠️ Too many links in one message: limit is %d.", maxChatURLs)
	}

	valid := make([]string, 0, len(urls))
	for _, u := range urls {
		if err := validateChatURL(u); err != nil {
			zlog.Debug().Str("url", u).Err(err).Msg("rejected chat url")
			continue
		}
		valid = append(valid, u)
	}
	if len(valid) == 0 {
		return "⚠️ No valid URLs found in your message."
	}

	// Surrounding text becomes the title when the message holds one URL.
	title := ""
	if len(valid) == 1 {
		title = sanitizeChatText(strings.Replace(trimmed, valid[0], "", 1))
	}

	var saved, duplicates []string
	for _, u := range valid {
		link, err := p.service.createLink(ctx, CreateLinkInput{URL: u, Title: title})
		if err != nil {
			var conflict *ConflictError
			if errors.As(err, &conflict) {
				name := conflict.ExistingTitle
				if name == "" {
					name = conflict.ExistingURL
				}
				duplicates = append(duplicates, html.EscapeString(name))
				continue
			}
			zlog.Error().Err(err).Str("url", u).Msg("failed to save chat link")
			continue
		}
		if needsTitleRefresh(link) {
			p.service.scheduleTitleRefresh(link.ID)
		}
		saved = append(saved, html.EscapeString(link.Title))
	}

	switch {
	case len(saved) == 0 && len(duplicates) == 0:
		return "❌ Could not save your links, please try again."
	case len(saved) == 0:
		return "🔁 Already saved:\n" + strings.Join(duplicates, "\n")
	case len(duplicates) == 0:
		return fmt.Sprintf("✅ Saved %d link(s):\n%s", len(saved), strings.Join(saved, "\n"))
	default:
		return fmt.Sprintf("✅ Saved %d link(s):\n%s\n🔁 Already saved:\n%s",
			len(saved), strings.Join(saved, "\n"), strings.Join(duplicates, "\n"))
	}
}
