package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/pelletier/go-toml/v2"
)

// Config is the full validated service configuration snapshot.
// Params: service, ingest, transport, store, notify, router, and log sections.
// Returns: immutable configuration for one service lifetime.
type Config struct {
	Service   ServiceConfig   `toml:"service"`
	Ingest    IngestConfig    `toml:"ingest"`
	Transport TransportConfig `toml:"transport"`
	Store     StoreConfig     `toml:"store"`
	Notify    NotifyConfig    `toml:"notify"`
	Router    RouterConfig    `toml:"router"`
	Log       LogConfig       `toml:"log"`
}

// rawConfig mirrors Config with optional sections for fragment merging.
// Params: pointer sections to detect presence per file.
// Returns: partial decode target for one TOML document.
type rawConfig struct {
	Service   *ServiceConfig   `toml:"service"`
	Ingest    *IngestConfig    `toml:"ingest"`
	Transport *TransportConfig `toml:"transport"`
	Store     *StoreConfig     `toml:"store"`
	Notify    *NotifyConfig    `toml:"notify"`
	Router    *RouterConfig    `toml:"router"`
	Log       *LogConfig       `toml:"log"`
}

// ServiceConfig controls pipeline cadence and escalation policy.
// Params: scan intervals, escalation level cap, and terminal alert retention.
// Returns: service-wide runtime policy.
type ServiceConfig struct {
	EscalationScanIntervalSec int `toml:"escalation_scan_interval_sec"`
	RuleRefreshIntervalSec    int `toml:"rule_refresh_interval_sec"`
	MaxEscalationLevel        int `toml:"max_escalation_level"`
	TerminalAlertRetention    int `toml:"terminal_alert_retention"`
}

// IngestConfig groups record ingest interfaces.
// Params: HTTP listener and NATS consumer sections.
// Returns: ingest wiring configuration.
type IngestConfig struct {
	HTTP HTTPIngestConfig `toml:"http"`
	NATS NATSIngestConfig `toml:"nats"`
}

// HTTPIngestConfig controls the HTTP record ingest endpoint.
// Params: enabled flag, listen address, and body limit.
// Returns: HTTP ingest settings.
type HTTPIngestConfig struct {
	Enabled      bool   `toml:"enabled"`
	Listen       string `toml:"listen"`
	MaxBodyBytes int64  `toml:"max_body_bytes"`
}

// NATSIngestConfig controls the JetStream record consumer.
// Params: server URLs, stream binding, and delivery tuning.
// Returns: NATS ingest settings.
type NATSIngestConfig struct {
	Enabled       bool     `toml:"enabled"`
	URL           []string `toml:"url"`
	Stream        string   `toml:"stream"`
	Subject       string   `toml:"subject"`
	ConsumerName  string   `toml:"consumer_name"`
	DeliverGroup  string   `toml:"deliver_group"`
	AckWaitSec    int      `toml:"ack_wait_sec"`
	NackDelayMS   int      `toml:"nack_delay_ms"`
	MaxDeliver    int      `toml:"max_deliver"`
	MaxAckPending int      `toml:"max_ack_pending"`
}

// TransportConfig controls the persistent realtime connection.
// Params: endpoint, handshake/heartbeat timing, backoff, and token sources.
// Returns: connection manager settings.
type TransportConfig struct {
	URL                  string `toml:"url"`
	HandshakeTimeoutSec  int    `toml:"handshake_timeout_sec"`
	HeartbeatIntervalSec int    `toml:"heartbeat_interval_sec"`
	SubscribeTimeoutSec  int    `toml:"subscribe_timeout_sec"`
	ReconnectBaseMS      int    `toml:"reconnect_base_ms"`
	MaxReconnectAttempts int    `toml:"max_reconnect_attempts"`
	Token                string `toml:"token"`
	TokenEnv             string `toml:"token_env"`
	TokenFile            string `toml:"token_file"`
}

// StoreConfig controls the remote rule/alert store client.
// Params: base URL, bearer credential, timeout, and list retry count.
// Returns: store client settings.
type StoreConfig struct {
	BaseURL     string `toml:"base_url"`
	BearerToken string `toml:"bearer_token"`
	TimeoutSec  int    `toml:"timeout_sec"`
	ListRetries int    `toml:"list_retries"`
}

// NotifyConfig groups notification provider credentials and retry policy.
// Params: per-provider sections, retry policy, and default channels.
// Returns: dispatcher settings.
type NotifyConfig struct {
	Retry           NotifyRetry            `toml:"retry"`
	Email           EmailProviderConfig    `toml:"email"`
	SMS             SMSProviderConfig      `toml:"sms"`
	Slack           SlackProviderConfig    `toml:"slack"`
	Webhook         WebhookProviderConfig  `toml:"webhook"`
	Telegram        TelegramProviderConfig `toml:"telegram"`
	DefaultChannels []DefaultChannelConfig `toml:"default_channels"`
}

// NotifyRetry controls per-channel delivery retry policy.
// Params: attempt cap and backoff bounds.
// Returns: retry settings for the dispatcher.
type NotifyRetry struct {
	MaxAttempts int `toml:"max_attempts"`
	InitialMS   int `toml:"initial_ms"`
	MaxMS       int `toml:"max_ms"`
}

// EmailProviderConfig holds SMTP server credentials.
// Params: server endpoint and auth identity.
// Returns: email sender settings.
type EmailProviderConfig struct {
	Enabled  bool   `toml:"enabled"`
	Host     string `toml:"host"`
	Port     int    `toml:"port"`
	Username string `toml:"username"`
	Password string `toml:"password"`
	From     string `toml:"from"`
}

// SMSProviderConfig holds SMS provider API credentials.
// Params: account sid/token and sender number.
// Returns: sms sender settings.
type SMSProviderConfig struct {
	Enabled    bool   `toml:"enabled"`
	AccountSID string `toml:"account_sid"`
	AuthToken  string `toml:"auth_token"`
	From       string `toml:"from"`
}

// SlackProviderConfig holds Slack webhook delivery settings.
// Params: request timeout.
// Returns: slack sender settings.
type SlackProviderConfig struct {
	Enabled    bool `toml:"enabled"`
	TimeoutSec int  `toml:"timeout_sec"`
}

// WebhookProviderConfig holds generic webhook delivery settings.
// Params: request timeout and static headers.
// Returns: webhook sender settings.
type WebhookProviderConfig struct {
	Enabled    bool              `toml:"enabled"`
	TimeoutSec int               `toml:"timeout_sec"`
	Headers    map[string]string `toml:"headers"`
}

// TelegramProviderConfig holds Telegram Bot API credentials.
// Params: bot token and API base override.
// Returns: telegram sender settings.
type TelegramProviderConfig struct {
	Enabled  bool   `toml:"enabled"`
	BotToken string `toml:"bot_token"`
	APIBase  string `toml:"api_base"`
}

// DefaultChannelConfig is one fallback channel used when a rule has none.
// Params: channel type and type-specific config keys.
// Returns: default dispatch target.
type DefaultChannelConfig struct {
	Type   string            `toml:"type"`
	Config map[string]string `toml:"config"`
}

// RouterConfig controls bounded local event buffers.
// Params: alert and transaction buffer capacities.
// Returns: router settings.
type RouterConfig struct {
	AlertBufferSize       int `toml:"alert_buffer_size"`
	TransactionBufferSize int `toml:"transaction_buffer_size"`
}

// LogConfig controls console and file log sinks.
// Params: per-sink level/format settings.
// Returns: logging setup input.
type LogConfig struct {
	Console LogSinkConfig `toml:"console"`
	File    LogSinkConfig `toml:"file"`
}

// LogSinkConfig is one log sink descriptor.
// Params: enabled flag, level, format, path, and rotation size.
// Returns: sink settings.
type LogSinkConfig struct {
	Enabled    bool   `toml:"enabled"`
	Level      string `toml:"level"`
	Format     string `toml:"format"`
	Path       string `toml:"path"`
	MaxSizeMB  int    `toml:"max_size_mb"`
	MaxBackups int    `toml:"max_backups"`
}

// ConfigSource selects one file or one directory of TOML fragments.
// Params: mutually exclusive file/dir paths.
// Returns: load source descriptor.
type ConfigSource struct {
	FilePath string
	DirPath  string
}

// FromCLI validates CLI flags into a config source.
// Params: --config-file and --config-dir flag values.
// Returns: source descriptor or usage error.
func FromCLI(filePath, dirPath string) (ConfigSource, error) {
	filePath = strings.TrimSpace(filePath)
	dirPath = strings.TrimSpace(dirPath)
	if filePath == "" && dirPath == "" {
		return ConfigSource{}, errors.New("one of --config-file or --config-dir is required")
	}
	if filePath != "" && dirPath != "" {
		return ConfigSource{}, errors.New("--config-file and --config-dir are mutually exclusive")
	}
	return ConfigSource{FilePath: filePath, DirPath: dirPath}, nil
}

// LoadSnapshot loads, defaults, and validates one configuration snapshot.
// Params: config source descriptor.
// Returns: validated config or load/validation error.
func LoadSnapshot(source ConfigSource) (Config, error) {
	var (
		cfg Config
		err error
	)
	if source.FilePath != "" {
		cfg, err = loadFile(source.FilePath)
	} else {
		cfg, err = loadDir(source.DirPath)
	}
	if err != nil {
		return Config{}, err
	}

	applyDefaults(&cfg)
	if err := validateConfig(cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// loadFile decodes one TOML config file.
// Params: file path.
// Returns: decoded config or read/decode error.
func loadFile(path string) (Config, error) {
	body, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read config %q: %w", path, err)
	}
	var cfg Config
	decoder := toml.NewDecoder(strings.NewReader(string(body)))
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(&cfg); err != nil {
		return Config{}, fmt.Errorf("decode config %q: %w", path, err)
	}
	return cfg, nil
}

// loadDir merges TOML fragments from one directory in lexical order.
// Params: directory path containing *.toml files.
// Returns: merged config or read/decode error.
func loadDir(dir string) (Config, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return Config{}, fmt.Errorf("read config dir %q: %w", dir, err)
	}

	paths := make([]string, 0, len(entries))
	for _, item := range entries {
		if item.IsDir() || !strings.HasSuffix(item.Name(), ".toml") {
			continue
		}
		paths = append(paths, filepath.Join(dir, item.Name()))
	}
	if len(paths) == 0 {
		return Config{}, fmt.Errorf("config dir %q has no *.toml files", dir)
	}
	sort.Strings(paths)

	var cfg Config
	for _, path := range paths {
		body, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config %q: %w", path, err)
		}
		var raw rawConfig
		decoder := toml.NewDecoder(strings.NewReader(string(body)))
		decoder.DisallowUnknownFields()
		if err := decoder.Decode(&raw); err != nil {
			return Config{}, fmt.Errorf("decode config %q: %w", path, err)
		}
		mergeConfig(&cfg, raw)
	}
	return cfg, nil
}

// mergeConfig overlays present fragment sections onto the accumulator.
// Params: destination config and decoded fragment.
// Returns: destination mutated section by section.
func mergeConfig(dst *Config, src rawConfig) {
	if src.Service != nil {
		dst.Service = *src.Service
	}
	if src.Ingest != nil {
		dst.Ingest = *src.Ingest
	}
	if src.Transport != nil {
		dst.Transport = *src.Transport
	}
	if src.Store != nil {
		dst.Store = *src.Store
	}
	if src.Notify != nil {
		dst.Notify = *src.Notify
	}
	if src.Router != nil {
		dst.Router = *src.Router
	}
	if src.Log != nil {
		dst.Log = *src.Log
	}
}

// applyDefaults fills unset fields with service defaults.
// Params: mutable config pointer.
// Returns: config mutated in place.
func applyDefaults(cfg *Config) {
	if cfg.Service.EscalationScanIntervalSec <= 0 {
		cfg.Service.EscalationScanIntervalSec = 30
	}
	if cfg.Service.RuleRefreshIntervalSec <= 0 {
		cfg.Service.RuleRefreshIntervalSec = 60
	}
	if cfg.Service.MaxEscalationLevel <= 0 {
		cfg.Service.MaxEscalationLevel = 3
	}
	if cfg.Service.TerminalAlertRetention <= 0 {
		cfg.Service.TerminalAlertRetention = 500
	}

	if cfg.Ingest.HTTP.Listen == "" {
		cfg.Ingest.HTTP.Listen = "127.0.0.1:8090"
	}
	if cfg.Ingest.HTTP.MaxBodyBytes <= 0 {
		cfg.Ingest.HTTP.MaxBodyBytes = 1 << 20
	}
	if cfg.Ingest.NATS.AckWaitSec <= 0 {
		cfg.Ingest.NATS.AckWaitSec = 30
	}
	if cfg.Ingest.NATS.MaxDeliver <= 0 {
		cfg.Ingest.NATS.MaxDeliver = 5
	}
	if cfg.Ingest.NATS.MaxAckPending <= 0 {
		cfg.Ingest.NATS.MaxAckPending = 1024
	}

	if cfg.Transport.HandshakeTimeoutSec <= 0 {
		cfg.Transport.HandshakeTimeoutSec = 10
	}
	if cfg.Transport.HeartbeatIntervalSec <= 0 {
		cfg.Transport.HeartbeatIntervalSec = 30
	}
	if cfg.Transport.SubscribeTimeoutSec <= 0 {
		cfg.Transport.SubscribeTimeoutSec = 5
	}
	if cfg.Transport.ReconnectBaseMS <= 0 {
		cfg.Transport.ReconnectBaseMS = 1000
	}
	if cfg.Transport.MaxReconnectAttempts <= 0 {
		cfg.Transport.MaxReconnectAttempts = 5
	}

	if cfg.Store.TimeoutSec <= 0 {
		cfg.Store.TimeoutSec = 10
	}
	if cfg.Store.ListRetries <= 0 {
		cfg.Store.ListRetries = 2
	}

	if cfg.Notify.Retry.MaxAttempts <= 0 {
		cfg.Notify.Retry.MaxAttempts = 3
	}
	if cfg.Notify.Retry.InitialMS <= 0 {
		cfg.Notify.Retry.InitialMS = 2000
	}
	if cfg.Notify.Retry.MaxMS <= 0 {
		cfg.Notify.Retry.MaxMS = 8000
	}
	if cfg.Notify.Slack.TimeoutSec <= 0 {
		cfg.Notify.Slack.TimeoutSec = 10
	}
	if cfg.Notify.Webhook.TimeoutSec <= 0 {
		cfg.Notify.Webhook.TimeoutSec = 10
	}
	if cfg.Notify.Email.Port <= 0 {
		cfg.Notify.Email.Port = 587
	}

	if cfg.Router.AlertBufferSize <= 0 {
		cfg.Router.AlertBufferSize = 100
	}
	if cfg.Router.TransactionBufferSize <= 0 {
		cfg.Router.TransactionBufferSize = 200
	}

	if !cfg.Log.Console.Enabled && !cfg.Log.File.Enabled {
		cfg.Log.Console.Enabled = true
	}
	fillLogSinkDefaults(&cfg.Log.Console, "line")
	fillLogSinkDefaults(&cfg.Log.File, "json")
	if cfg.Log.File.MaxSizeMB <= 0 {
		cfg.Log.File.MaxSizeMB = 64
	}
	if cfg.Log.File.MaxBackups <= 0 {
		cfg.Log.File.MaxBackups = 3
	}
}

// fillLogSinkDefaults fills one sink with level/format defaults.
// Params: sink pointer and default format.
// Returns: sink mutated in place.
func fillLogSinkDefaults(sink *LogSinkConfig, format string) {
	if sink.Level == "" {
		sink.Level = "info"
	}
	if sink.Format == "" {
		sink.Format = format
	}
}

// validateConfig validates the merged configuration snapshot.
// Params: config after defaults.
// Returns: first validation error.
func validateConfig(cfg Config) error {
	if cfg.Ingest.NATS.Enabled {
		if len(cfg.Ingest.NATS.URL) == 0 {
			return errors.New("ingest.nats.url is required when nats ingest is enabled")
		}
		if strings.TrimSpace(cfg.Ingest.NATS.Stream) == "" {
			return errors.New("ingest.nats.stream is required when nats ingest is enabled")
		}
		if strings.TrimSpace(cfg.Ingest.NATS.Subject) == "" {
			return errors.New("ingest.nats.subject is required when nats ingest is enabled")
		}
		if strings.TrimSpace(cfg.Ingest.NATS.ConsumerName) == "" {
			return errors.New("ingest.nats.consumer_name is required when nats ingest is enabled")
		}
		if strings.TrimSpace(cfg.Ingest.NATS.DeliverGroup) == "" {
			return errors.New("ingest.nats.deliver_group is required when nats ingest is enabled")
		}
	}

	if cfg.Transport.URL != "" {
		if !strings.HasPrefix(cfg.Transport.URL, "ws://") && !strings.HasPrefix(cfg.Transport.URL, "wss://") {
			return fmt.Errorf("transport.url %q must use ws:// or wss://", cfg.Transport.URL)
		}
	}

	if cfg.Store.BaseURL != "" {
		if !strings.HasPrefix(cfg.Store.BaseURL, "http://") && !strings.HasPrefix(cfg.Store.BaseURL, "https://") {
			return fmt.Errorf("store.base_url %q must use http:// or https://", cfg.Store.BaseURL)
		}
	}

	if cfg.Notify.Email.Enabled {
		if strings.TrimSpace(cfg.Notify.Email.Host) == "" {
			return errors.New("notify.email.host is required when email is enabled")
		}
		if strings.TrimSpace(cfg.Notify.Email.From) == "" {
			return errors.New("notify.email.from is required when email is enabled")
		}
	}
	if cfg.Notify.SMS.Enabled {
		if strings.TrimSpace(cfg.Notify.SMS.AccountSID) == "" || strings.TrimSpace(cfg.Notify.SMS.AuthToken) == "" {
			return errors.New("notify.sms credentials are required when sms is enabled")
		}
		if strings.TrimSpace(cfg.Notify.SMS.From) == "" {
			return errors.New("notify.sms.from is required when sms is enabled")
		}
	}
	if cfg.Notify.Telegram.Enabled && strings.TrimSpace(cfg.Notify.Telegram.BotToken) == "" {
		return errors.New("notify.telegram.bot_token is required when telegram is enabled")
	}

	for i, channel := range cfg.Notify.DefaultChannels {
		if strings.TrimSpace(channel.Type) == "" {
			return fmt.Errorf("notify.default_channels[%d].type is required", i)
		}
	}

	for _, sink := range []LogSinkConfig{cfg.Log.Console, cfg.Log.File} {
		if !sink.Enabled {
			continue
		}
		switch sink.Format {
		case "line", "json":
		default:
			return fmt.Errorf("unsupported log format %q", sink.Format)
		}
	}
	if cfg.Log.File.Enabled && strings.TrimSpace(cfg.Log.File.Path) == "" {
		return errors.New("log.file.path is required when file sink is enabled")
	}

	return nil
}

// HandshakeTimeout converts the configured handshake timeout into a duration.
// Params: transport config.
// Returns: handshake deadline.
func (c TransportConfig) HandshakeTimeout() time.Duration {
	return time.Duration(c.HandshakeTimeoutSec) * time.Second
}

// HeartbeatInterval converts the configured heartbeat cadence into a duration.
// Params: transport config.
// Returns: heartbeat interval.
func (c TransportConfig) HeartbeatInterval() time.Duration {
	return time.Duration(c.HeartbeatIntervalSec) * time.Second
}

// SubscribeTimeout converts the configured ack wait into a duration.
// Params: transport config.
// Returns: subscription ack deadline.
func (c TransportConfig) SubscribeTimeout() time.Duration {
	return time.Duration(c.SubscribeTimeoutSec) * time.Second
}

// ReconnectBase converts the configured backoff base into a duration.
// Params: transport config.
// Returns: backoff base delay.
func (c TransportConfig) ReconnectBase() time.Duration {
	return time.Duration(c.ReconnectBaseMS) * time.Millisecond
}
