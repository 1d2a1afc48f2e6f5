package notify

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"fraudalert/internal/config"
	"fraudalert/internal/domain"
)

// DispatchResult reports one channel delivery outcome.
// Params: channel type, attempts used, and final error.
// Returns: per-channel record surfaced as alert metadata.
type DispatchResult struct {
	Channel  domain.ChannelType
	Attempts int
	Err      error
}

// Dispatcher fans one alert out to its channels with per-channel retry.
// Params: sender registry, retry policy, and fallback channels.
// Returns: best-effort delivery that never gates alert creation.
type Dispatcher struct {
	senders  map[domain.ChannelType]ChannelSender
	retry    config.NotifyRetry
	defaults []domain.Channel
	logger   *slog.Logger
}

// NewDispatcher builds notification dispatcher from enabled providers.
// Params: global notify config and optional logger.
// Returns: configured dispatcher with available senders.
func NewDispatcher(cfg config.NotifyConfig, logger *slog.Logger) *Dispatcher {
	senders := make(map[domain.ChannelType]ChannelSender)
	if cfg.Email.Enabled {
		senders[domain.ChannelEmail] = NewEmailSender(cfg.Email)
	}
	if cfg.SMS.Enabled {
		senders[domain.ChannelSMS] = NewSMSSender(cfg.SMS)
	}
	if cfg.Slack.Enabled {
		senders[domain.ChannelSlack] = NewSlackSender(cfg.Slack)
	}
	if cfg.Webhook.Enabled {
		senders[domain.ChannelWebhook] = NewWebhookSender(cfg.Webhook)
	}
	if cfg.Telegram.Enabled {
		senders[domain.ChannelTelegram] = NewTelegramSender(cfg.Telegram)
	}

	defaults := make([]domain.Channel, 0, len(cfg.DefaultChannels))
	for _, channel := range cfg.DefaultChannels {
		defaults = append(defaults, domain.Channel{
			Type:    domain.ChannelType(channel.Type),
			Config:  channel.Config,
			Enabled: true,
		})
	}

	return &Dispatcher{
		senders:  senders,
		retry:    cfg.Retry,
		defaults: defaults,
		logger:   logger,
	}
}

// RegisterSender installs or replaces one channel sender.
// Params: sender implementation.
// Returns: none; used by tests and custom wiring.
func (d *Dispatcher) RegisterSender(sender ChannelSender) {
	d.senders[sender.Type()] = sender
}

// Dispatch fans one rendered message out to the alert's channels.
// Params: context, message, and channels from the rule (defaults when empty).
// Returns: per-channel results; failures are recorded, never raised.
func (d *Dispatcher) Dispatch(ctx context.Context, message Message, channels []domain.Channel) []DispatchResult {
	targets := channels
	if len(targets) == 0 {
		targets = d.defaults
	}

	results := make([]DispatchResult, 0, len(targets))
	for _, channel := range targets {
		if !channel.Enabled {
			continue
		}
		results = append(results, d.dispatchChannel(ctx, channel, message))
	}
	return results
}

// dispatchChannel delivers to one channel with the configured retry policy.
// Params: context, channel descriptor, and rendered message.
// Returns: delivery result after retries.
func (d *Dispatcher) dispatchChannel(ctx context.Context, channel domain.Channel, message Message) DispatchResult {
	sender, ok := d.senders[channel.Type]
	if !ok {
		return DispatchResult{
			Channel:  channel.Type,
			Err:      fmt.Errorf("notify channel %q is not configured", channel.Type),
			Attempts: 0,
		}
	}

	attempt := 0
	backoff := time.Duration(d.retry.InitialMS) * time.Millisecond
	maxBackoff := time.Duration(d.retry.MaxMS) * time.Millisecond
	var timer *time.Timer
	stopTimer := func() {
		if timer == nil {
			return
		}
		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
	}

	for {
		attempt++
		err := sender.Send(ctx, channel, message)
		if err == nil {
			stopTimer()
			if attempt > 1 && d.logger != nil {
				d.logger.Info("notify send recovered after retries",
					"channel", string(channel.Type), "attempt", attempt)
			}
			return DispatchResult{Channel: channel.Type, Attempts: attempt}
		}
		if d.logger != nil {
			d.logger.Warn("notify send attempt failed",
				"channel", string(channel.Type), "attempt", attempt, "error", err.Error())
		}

		if isPermanent(err) || attempt >= d.retry.MaxAttempts {
			stopTimer()
			return DispatchResult{
				Channel:  channel.Type,
				Attempts: attempt,
				Err:      fmt.Errorf("channel %s failed after %d attempts: %w", channel.Type, attempt, err),
			}
		}

		if timer == nil {
			timer = time.NewTimer(backoff)
		} else {
			stopTimer()
			timer.Reset(backoff)
		}
		select {
		case <-ctx.Done():
			stopTimer()
			return DispatchResult{Channel: channel.Type, Attempts: attempt, Err: ctx.Err()}
		case <-timer.C:
		}

		backoff *= 2
		if backoff > maxBackoff {
			backoff = maxBackoff
		}
	}
}

// TestChannel validates one channel configuration with a synthetic payload.
// Params: context and channel descriptor under test.
// Returns: nil on successful synthetic delivery; no alert is created.
func (d *Dispatcher) TestChannel(ctx context.Context, channel domain.Channel) error {
	if err := channel.Validate(); err != nil {
		return err
	}
	sender, ok := d.senders[channel.Type]
	if !ok {
		return fmt.Errorf("notify channel %q is not configured", channel.Type)
	}
	if err := sender.Send(ctx, channel, SyntheticMessage(channel.Type)); err != nil {
		return fmt.Errorf("channel test failed: %w", err)
	}
	return nil
}

// FailureAnnotations converts failed results into alert dispatch metadata.
// Params: dispatch results and annotation time.
// Returns: failure entries for channels that exhausted retries.
func FailureAnnotations(results []DispatchResult, now time.Time) []domain.DispatchFailure {
	failures := make([]domain.DispatchFailure, 0)
	for _, result := range results {
		if result.Err == nil {
			continue
		}
		failures = append(failures, domain.DispatchFailure{
			Channel:  result.Channel,
			Error:    result.Err.Error(),
			FailedAt: now,
		})
	}
	return failures
}
