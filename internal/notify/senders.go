package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/smtp"
	"strconv"
	"strings"
	"time"

	tgbot "github.com/go-telegram/bot"
	tgmodels "github.com/go-telegram/bot/models"
	"github.com/twilio/twilio-go"
	twilioApi "github.com/twilio/twilio-go/rest/api/v2010"

	"fraudalert/internal/config"
	"fraudalert/internal/domain"
)

// ChannelSender sends one rendered message to one configured channel.
// Params: context, channel descriptor, and rendered message.
// Returns: transport error when the send fails.
type ChannelSender interface {
	Type() domain.ChannelType
	Send(ctx context.Context, channel domain.Channel, message Message) error
}

// EmailSender delivers messages over SMTP.
// Params: server endpoint and auth identity from provider config.
// Returns: email channel sender.
type EmailSender struct {
	cfg config.EmailProviderConfig
}

// NewEmailSender creates SMTP sender from provider config.
// Params: email provider config.
// Returns: initialized sender.
func NewEmailSender(cfg config.EmailProviderConfig) *EmailSender {
	return &EmailSender{cfg: cfg}
}

// Type returns sender channel type.
// Params: none.
// Returns: static channel key.
func (s *EmailSender) Type() domain.ChannelType {
	return domain.ChannelEmail
}

// Send delivers one message to the channel recipient over SMTP.
// Params: context, channel with "to" config key, and rendered message.
// Returns: SMTP error; malformed recipients are permanent.
func (s *EmailSender) Send(_ context.Context, channel domain.Channel, message Message) error {
	to := strings.TrimSpace(channel.Config["to"])
	if !strings.Contains(to, "@") {
		return markPermanent(fmt.Errorf("invalid email address %q", to))
	}

	payload := []byte(fmt.Sprintf(
		"To: %s\r\nFrom: %s\r\nSubject: %s\r\n\r\n%s\r\n",
		to, s.cfg.From, message.Subject, message.Body,
	))
	auth := smtp.PlainAuth("", s.cfg.Username, s.cfg.Password, s.cfg.Host)
	addr := fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port)
	if err := smtp.SendMail(addr, auth, s.cfg.From, []string{to}, payload); err != nil {
		return fmt.Errorf("email send: %w", err)
	}
	return nil
}

// SMSSender delivers messages over the Twilio REST API.
// Params: account credentials and sender number from provider config.
// Returns: sms channel sender.
type SMSSender struct {
	cfg    config.SMSProviderConfig
	client *twilio.RestClient
}

// NewSMSSender creates Twilio sender from provider config.
// Params: sms provider config.
// Returns: initialized sender.
func NewSMSSender(cfg config.SMSProviderConfig) *SMSSender {
	client := twilio.NewRestClientWithParams(twilio.ClientParams{
		Username: cfg.AccountSID,
		Password: cfg.AuthToken,
	})
	return &SMSSender{cfg: cfg, client: client}
}

// Type returns sender channel type.
// Params: none.
// Returns: static channel key.
func (s *SMSSender) Type() domain.ChannelType {
	return domain.ChannelSMS
}

// Send delivers one message subject to the channel phone number.
// Params: context, channel with "to" config key, and rendered message.
// Returns: provider error; malformed numbers are permanent.
func (s *SMSSender) Send(_ context.Context, channel domain.Channel, message Message) error {
	to := strings.TrimSpace(channel.Config["to"])
	if !strings.HasPrefix(to, "+") {
		return markPermanent(fmt.Errorf("invalid phone number %q", to))
	}

	body := message.Subject
	params := &twilioApi.CreateMessageParams{}
	params.SetTo(to)
	params.SetFrom(s.cfg.From)
	params.SetBody(body)
	if _, err := s.client.Api.CreateMessage(params); err != nil {
		return fmt.Errorf("sms send to %s: %w", to, err)
	}
	return nil
}

// SlackSender posts messages to a Slack incoming webhook.
// Params: HTTP timeout from provider config.
// Returns: slack channel sender.
type SlackSender struct {
	client *http.Client
}

// NewSlackSender creates Slack webhook sender from provider config.
// Params: slack provider config.
// Returns: initialized sender.
func NewSlackSender(cfg config.SlackProviderConfig) *SlackSender {
	return &SlackSender{
		client: &http.Client{Timeout: time.Duration(cfg.TimeoutSec) * time.Second},
	}
}

// Type returns sender channel type.
// Params: none.
// Returns: static channel key.
func (s *SlackSender) Type() domain.ChannelType {
	return domain.ChannelSlack
}

// Send posts one formatted message to the channel webhook URL.
// Params: context, channel with "webhook_url" config key, and rendered message.
// Returns: transport or HTTP status error.
func (s *SlackSender) Send(ctx context.Context, channel domain.Channel, message Message) error {
	endpoint := strings.TrimSpace(channel.Config["webhook_url"])
	if endpoint == "" {
		return markPermanent(errors.New("slack webhook_url is required"))
	}

	payload := struct {
		Text string `json:"text"`
	}{Text: message.Subject + "\n" + message.Body}
	body, err := json.Marshal(payload)
	if err != nil {
		return markPermanent(fmt.Errorf("encode slack payload: %w", err))
	}

	request, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return markPermanent(fmt.Errorf("build slack request: %w", err))
	}
	request.Header.Set("Content-Type", "application/json")

	response, err := s.client.Do(request)
	if err != nil {
		return fmt.Errorf("slack send: %w", err)
	}
	defer response.Body.Close()
	if response.StatusCode < 200 || response.StatusCode >= 300 {
		return unexpectedHTTPStatusError("slack", response)
	}
	return nil
}

// WebhookSender posts the full alert JSON payload to a generic HTTP endpoint.
// Params: HTTP timeout and static headers from provider config.
// Returns: webhook channel sender.
type WebhookSender struct {
	cfg    config.WebhookProviderConfig
	client *http.Client
}

// NewWebhookSender creates generic webhook sender from provider config.
// Params: webhook provider config.
// Returns: initialized sender.
func NewWebhookSender(cfg config.WebhookProviderConfig) *WebhookSender {
	return &WebhookSender{
		cfg:    cfg,
		client: &http.Client{Timeout: time.Duration(cfg.TimeoutSec) * time.Second},
	}
}

// Type returns sender channel type.
// Params: none.
// Returns: static channel key.
func (s *WebhookSender) Type() domain.ChannelType {
	return domain.ChannelWebhook
}

// Send delivers one JSON payload to the channel endpoint.
// Params: context, channel with "url" config key, and rendered message.
// Returns: transport or HTTP status error.
func (s *WebhookSender) Send(ctx context.Context, channel domain.Channel, message Message) error {
	endpoint := strings.TrimSpace(channel.Config["url"])
	if endpoint == "" {
		return markPermanent(errors.New("webhook url is required"))
	}

	payload := struct {
		Subject string `json:"subject"`
		Body    string `json:"body"`
	}{Subject: message.Subject, Body: message.Body}
	body, err := json.Marshal(payload)
	if err != nil {
		return markPermanent(fmt.Errorf("encode webhook payload: %w", err))
	}

	method := strings.ToUpper(strings.TrimSpace(channel.Config["method"]))
	if method == "" {
		method = http.MethodPost
	}
	request, err := http.NewRequestWithContext(ctx, method, endpoint, bytes.NewReader(body))
	if err != nil {
		return markPermanent(fmt.Errorf("build webhook request: %w", err))
	}
	request.Header.Set("Content-Type", "application/json")
	for key, value := range s.cfg.Headers {
		request.Header.Set(key, value)
	}

	response, err := s.client.Do(request)
	if err != nil {
		return fmt.Errorf("webhook send: %w", err)
	}
	defer response.Body.Close()
	if response.StatusCode < 200 || response.StatusCode >= 300 {
		return unexpectedHTTPStatusError("webhook", response)
	}
	return nil
}

// TelegramSender sends messages to the Telegram Bot API.
// Params: bot token and API base from provider config.
// Returns: telegram channel sender.
type TelegramSender struct {
	client  *tgbot.Bot
	initErr error
}

// NewTelegramSender creates Telegram sender with HTTP client.
// Params: telegram provider config.
// Returns: initialized sender; init errors surface on first send.
func NewTelegramSender(cfg config.TelegramProviderConfig) *TelegramSender {
	sender := &TelegramSender{}
	if strings.TrimSpace(cfg.BotToken) == "" {
		sender.initErr = markPermanent(errors.New("telegram bot token is required"))
		return sender
	}

	options := []tgbot.Option{tgbot.WithSkipGetMe()}
	if base := strings.TrimRight(strings.TrimSpace(cfg.APIBase), "/"); base != "" {
		options = append(options, tgbot.WithServerURL(base))
	}
	botClient, err := tgbot.New(cfg.BotToken, options...)
	if err != nil {
		sender.initErr = markPermanent(fmt.Errorf("init telegram bot: %w", err))
		return sender
	}
	sender.client = botClient
	return sender
}

// Type returns sender channel type.
// Params: none.
// Returns: static channel key.
func (s *TelegramSender) Type() domain.ChannelType {
	return domain.ChannelTelegram
}

// Send posts one message to the channel chat id.
// Params: context, channel with "chat_id" config key, and rendered message.
// Returns: transport or API error.
func (s *TelegramSender) Send(ctx context.Context, channel domain.Channel, message Message) error {
	if s.initErr != nil {
		return s.initErr
	}
	chatID := normalizeChatID(channel.Config["chat_id"])
	if chatID == "" {
		return markPermanent(errors.New("telegram chat_id is required"))
	}

	sent, err := s.client.SendMessage(ctx, &tgbot.SendMessageParams{
		ChatID:    chatID,
		Text:      message.Subject + "\n\n" + message.Body,
		ParseMode: tgmodels.ParseModeHTML,
	})
	if err != nil {
		return fmt.Errorf("telegram send: %w", err)
	}
	if sent == nil || sent.ID <= 0 {
		return errors.New("telegram send returned empty message id")
	}
	return nil
}

// normalizeChatID converts numeric chat IDs to int64 and keeps others as string.
// Params: configured chat id value.
// Returns: Telegram API chat id union value.
func normalizeChatID(raw string) any {
	trimmed := strings.TrimSpace(raw)
	if numeric, err := strconv.ParseInt(trimmed, 10, 64); err == nil {
		return numeric
	}
	return trimmed
}

// unexpectedHTTPStatusError formats non-2xx HTTP response with optional body.
// Params: sender prefix label and HTTP response pointer.
// Returns: status-only or status+body error.
func unexpectedHTTPStatusError(prefix string, response *http.Response) error {
	if response == nil {
		return fmt.Errorf("%s status=0", prefix)
	}
	rawBody, readErr := io.ReadAll(response.Body)
	if readErr != nil {
		return fmt.Errorf("%s status=%d (read body error: %w)", prefix, response.StatusCode, readErr)
	}
	trimmedBody := strings.TrimSpace(string(rawBody))
	if trimmedBody == "" {
		return fmt.Errorf("%s status=%d", prefix, response.StatusCode)
	}
	return fmt.Errorf("%s status=%d body=%s", prefix, response.StatusCode, trimmedBody)
}
