package store

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"fraudalert/internal/config"
	"fraudalert/internal/domain"
)

// ErrNotFound indicates the store has no entity with the requested id.
var ErrNotFound = errors.New("store entity not found")

// StatusError is a non-2xx store response.
// Params: HTTP status code and trimmed response body.
// Returns: inspectable API error.
type StatusError struct {
	Code int
	Body string
}

// Error formats the status error.
// Params: none.
// Returns: status and optional body text.
func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("store status=%d", e.Code)
	}
	return fmt.Sprintf("store status=%d body=%s", e.Code, e.Body)
}

// RuleValidation is the store verdict for one submitted rule definition.
// Params: none.
// Returns: validity flag plus per-field reasons.
type RuleValidation struct {
	Valid  bool     `json:"valid"`
	Errors []string `json:"errors,omitempty"`
}

// BulkOutcome is one per-id result of a bulk alert operation.
// Params: none.
// Returns: id with success flag and optional reason.
type BulkOutcome struct {
	AlertID string `json:"alert_id"`
	OK      bool   `json:"ok"`
	Reason  string `json:"reason,omitempty"`
}

// Workload summarizes open alert load.
// Params: none.
// Returns: counts by status and assignee.
type Workload struct {
	Active       int            `json:"active"`
	Acknowledged int            `json:"acknowledged"`
	Escalated    int            `json:"escalated"`
	PerAssignee  map[string]int `json:"per_assignee,omitempty"`
}

// ChannelTestResult is the store verdict for one channel configuration test.
// Params: none.
// Returns: success flag with failure reason.
type ChannelTestResult struct {
	Success bool   `json:"success"`
	Reason  string `json:"reason,omitempty"`
}

// AlertFilter narrows alert list queries.
// Params: none.
// Returns: query parameters for List.
type AlertFilter struct {
	Status   domain.AlertStatus
	Severity domain.Severity
	RuleID   string
	Limit    int
}

// Client talks to the remote rule/alert store over HTTP with bearer auth.
// Params: base URL, credential, timeout, and list retry budget from config.
// Returns: store API client.
type Client struct {
	baseURL string
	token   string
	client  *http.Client
	retries int
	logger  *slog.Logger
}

// NewClient creates the store client from config.
// Params: store config and optional logger.
// Returns: configured client.
func NewClient(cfg config.StoreConfig, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	retries := cfg.ListRetries
	if retries < 0 {
		retries = 0
	}
	return &Client{
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		token:   cfg.BearerToken,
		client:  &http.Client{Timeout: time.Duration(cfg.TimeoutSec) * time.Second},
		retries: retries,
		logger:  logger,
	}
}

// ListRules fetches rule definitions, optionally only active ones.
// Params: context and active-only flag.
// Returns: rules or transport/API error; retried as an idempotent read.
func (c *Client) ListRules(ctx context.Context, activeOnly bool) ([]domain.AlertRule, error) {
	path := "/api/rules"
	if activeOnly {
		path += "?active=true"
	}
	var rules []domain.AlertRule
	if err := c.getWithRetry(ctx, path, &rules); err != nil {
		return nil, err
	}
	return rules, nil
}

// CreateRule submits one new rule definition.
// Params: context and rule.
// Returns: stored rule with server-assigned fields.
func (c *Client) CreateRule(ctx context.Context, rule domain.AlertRule) (domain.AlertRule, error) {
	var created domain.AlertRule
	if err := c.do(ctx, http.MethodPost, "/api/rules", rule, &created); err != nil {
		return domain.AlertRule{}, err
	}
	return created, nil
}

// UpdateRule replaces one rule definition.
// Params: context and rule carrying its id.
// Returns: stored rule.
func (c *Client) UpdateRule(ctx context.Context, rule domain.AlertRule) (domain.AlertRule, error) {
	if strings.TrimSpace(rule.ID) == "" {
		return domain.AlertRule{}, errors.New("rule id is required for update")
	}
	var updated domain.AlertRule
	path := "/api/rules/" + url.PathEscape(rule.ID)
	if err := c.do(ctx, http.MethodPut, path, rule, &updated); err != nil {
		return domain.AlertRule{}, err
	}
	return updated, nil
}

// DeleteRule removes one rule definition.
// Params: context and rule id.
// Returns: nil on deletion; ErrNotFound when the rule is unknown.
func (c *Client) DeleteRule(ctx context.Context, ruleID string) error {
	return c.do(ctx, http.MethodDelete, "/api/rules/"+url.PathEscape(ruleID), nil, nil)
}

// ActivateRule enables evaluation for one rule.
// Params: context and rule id.
// Returns: updated rule.
func (c *Client) ActivateRule(ctx context.Context, ruleID string) (domain.AlertRule, error) {
	return c.ruleAction(ctx, ruleID, "activate")
}

// DeactivateRule disables evaluation for one rule.
// Params: context and rule id.
// Returns: updated rule.
func (c *Client) DeactivateRule(ctx context.Context, ruleID string) (domain.AlertRule, error) {
	return c.ruleAction(ctx, ruleID, "deactivate")
}

// ruleAction posts one rule state action.
// Params: context, rule id, and action segment.
// Returns: updated rule.
func (c *Client) ruleAction(ctx context.Context, ruleID, action string) (domain.AlertRule, error) {
	var updated domain.AlertRule
	path := "/api/rules/" + url.PathEscape(ruleID) + "/" + action
	if err := c.do(ctx, http.MethodPost, path, nil, &updated); err != nil {
		return domain.AlertRule{}, err
	}
	return updated, nil
}

// ValidateRule asks the store to validate one rule definition.
// Params: context and rule.
// Returns: validation verdict without persisting anything.
func (c *Client) ValidateRule(ctx context.Context, rule domain.AlertRule) (RuleValidation, error) {
	var verdict RuleValidation
	if err := c.do(ctx, http.MethodPost, "/api/rules/validate", rule, &verdict); err != nil {
		return RuleValidation{}, err
	}
	return verdict, nil
}

// ListAlerts fetches alerts matching the filter.
// Params: context and filter.
// Returns: alerts or transport/API error; retried as an idempotent read.
func (c *Client) ListAlerts(ctx context.Context, filter AlertFilter) ([]domain.Alert, error) {
	query := url.Values{}
	if filter.Status != "" {
		query.Set("status", string(filter.Status))
	}
	if filter.Severity != "" {
		query.Set("severity", string(filter.Severity))
	}
	if filter.RuleID != "" {
		query.Set("rule_id", filter.RuleID)
	}
	if filter.Limit > 0 {
		query.Set("limit", strconv.Itoa(filter.Limit))
	}
	path := "/api/alerts"
	if encoded := query.Encode(); encoded != "" {
		path += "?" + encoded
	}
	var alerts []domain.Alert
	if err := c.getWithRetry(ctx, path, &alerts); err != nil {
		return nil, err
	}
	return alerts, nil
}

// AcknowledgeAlert acknowledges one alert on the store.
// Params: context, alert id, and acknowledging actor.
// Returns: authoritative alert state.
func (c *Client) AcknowledgeAlert(ctx context.Context, alertID, actor string) (domain.Alert, error) {
	body := map[string]string{"acknowledged_by": actor}
	return c.alertAction(ctx, alertID, "acknowledge", body)
}

// ResolveAlert resolves one alert on the store.
// Params: context and alert id.
// Returns: authoritative alert state.
func (c *Client) ResolveAlert(ctx context.Context, alertID string) (domain.Alert, error) {
	return c.alertAction(ctx, alertID, "resolve", nil)
}

// EscalateAlert records one escalation cycle on the store.
// Params: context and alert id.
// Returns: authoritative alert state.
func (c *Client) EscalateAlert(ctx context.Context, alertID string) (domain.Alert, error) {
	return c.alertAction(ctx, alertID, "escalate", nil)
}

// alertAction posts one alert state action.
// Params: context, alert id, action segment, and optional body.
// Returns: authoritative alert state.
func (c *Client) alertAction(ctx context.Context, alertID, action string, body any) (domain.Alert, error) {
	var alert domain.Alert
	path := "/api/alerts/" + url.PathEscape(alertID) + "/" + action
	if err := c.do(ctx, http.MethodPost, path, body, &alert); err != nil {
		return domain.Alert{}, err
	}
	return alert, nil
}

// BulkAcknowledge acknowledges many alerts in one call.
// Params: context, alert ids, and acknowledging actor.
// Returns: per-id outcomes; partial failure is not rolled back.
func (c *Client) BulkAcknowledge(ctx context.Context, alertIDs []string, actor string) ([]BulkOutcome, error) {
	body := map[string]any{"alert_ids": alertIDs, "acknowledged_by": actor}
	var outcomes []BulkOutcome
	if err := c.do(ctx, http.MethodPost, "/api/alerts/bulk/acknowledge", body, &outcomes); err != nil {
		return nil, err
	}
	return outcomes, nil
}

// BulkResolve resolves many alerts in one call.
// Params: context and alert ids.
// Returns: per-id outcomes; partial failure is not rolled back.
func (c *Client) BulkResolve(ctx context.Context, alertIDs []string) ([]BulkOutcome, error) {
	body := map[string]any{"alert_ids": alertIDs}
	var outcomes []BulkOutcome
	if err := c.do(ctx, http.MethodPost, "/api/alerts/bulk/resolve", body, &outcomes); err != nil {
		return nil, err
	}
	return outcomes, nil
}

// GetWorkload fetches the open alert workload summary.
// Params: context.
// Returns: workload counts; retried as an idempotent read.
func (c *Client) GetWorkload(ctx context.Context) (Workload, error) {
	var workload Workload
	if err := c.getWithRetry(ctx, "/api/alerts/workload", &workload); err != nil {
		return Workload{}, err
	}
	return workload, nil
}

// GetEscalationQueue fetches alerts pending an escalation cycle.
// Params: context.
// Returns: queued alerts; retried as an idempotent read.
func (c *Client) GetEscalationQueue(ctx context.Context) ([]domain.Alert, error) {
	var alerts []domain.Alert
	if err := c.getWithRetry(ctx, "/api/alerts/escalation-queue", &alerts); err != nil {
		return nil, err
	}
	return alerts, nil
}

// TestChannel submits one channel configuration for a synthetic delivery test.
// Params: context and channel descriptor.
// Returns: store verdict; no alert is created.
func (c *Client) TestChannel(ctx context.Context, channel domain.Channel) (ChannelTestResult, error) {
	body := map[string]any{"channel_type": channel.Type, "config": channel.Config}
	var result ChannelTestResult
	if err := c.do(ctx, http.MethodPost, "/api/channels/test", body, &result); err != nil {
		return ChannelTestResult{}, err
	}
	return result, nil
}

// getWithRetry performs one idempotent GET with the configured retry budget.
// Params: context, path, and decode target.
// Returns: nil after a successful decode; last error when retries run out.
func (c *Client) getWithRetry(ctx context.Context, path string, out any) error {
	var lastErr error
	for attempt := 0; attempt <= c.retries; attempt++ {
		if attempt > 0 {
			timer := time.NewTimer(time.Duration(attempt) * 100 * time.Millisecond)
			select {
			case <-ctx.Done():
				timer.Stop()
				return ctx.Err()
			case <-timer.C:
			}
			c.logger.Debug("retrying store read", "path", path, "attempt", attempt)
		}
		lastErr = c.do(ctx, http.MethodGet, path, nil, out)
		if lastErr == nil {
			return nil
		}
		if errors.Is(lastErr, ErrNotFound) || ctx.Err() != nil {
			return lastErr
		}
	}
	return lastErr
}

// do performs one authenticated request and decodes the response.
// Params: context, method, path, optional request body, and decode target.
// Returns: nil on 2xx; ErrNotFound on 404; StatusError on other statuses.
func (c *Client) do(ctx context.Context, method, path string, body any, out any) error {
	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode store request: %w", err)
		}
		reader = bytes.NewReader(payload)
	}

	request, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("build store request: %w", err)
	}
	request.Header.Set("Accept", "application/json")
	if body != nil {
		request.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		request.Header.Set("Authorization", "Bearer "+c.token)
	}

	response, err := c.client.Do(request)
	if err != nil {
		return fmt.Errorf("store %s %s: %w", method, path, err)
	}
	defer response.Body.Close()

	if response.StatusCode == http.StatusNotFound {
		return fmt.Errorf("%w: %s", ErrNotFound, path)
	}
	if response.StatusCode < 200 || response.StatusCode >= 300 {
		raw, _ := io.ReadAll(io.LimitReader(response.Body, 4096))
		return &StatusError{Code: response.StatusCode, Body: strings.TrimSpace(string(raw))}
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(response.Body).Decode(out); err != nil {
		return fmt.Errorf("decode store response: %w", err)
	}
	return nil
}
