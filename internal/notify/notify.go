// Package notify delivers operational alerts raised by reconciliation.
package notify

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/MarkoPoloResearchLab/billing/pkg/ledger"
	"github.com/sendgrid/rest"
	"github.com/sendgrid/sendgrid-go"
	"github.com/sendgrid/sendgrid-go/helpers/mail"
	"go.uber.org/zap"
)

// Severity ranks an alert.
type Severity string

const (
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

// Alert is one operator notification.
type Alert struct {
	Kind     string
	Severity Severity
	Subject  string
	Detail   string
	Fields   map[string]string
}

// Notifier delivers alerts.
type Notifier interface {
	Notify(ctx context.Context, alert Alert) error
}

// LogNotifier writes alerts to the structured log.
type LogNotifier struct {
	logger *zap.Logger
}

// NewLogNotifier returns a LogNotifier.
func NewLogNotifier(logger *zap.Logger) *LogNotifier {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LogNotifier{logger: logger}
}

// Notify implements Notifier.
func (notifier *LogNotifier) Notify(ctx context.Context, alert Alert) error {
	fields := []zap.Field{
		zap.String("kind", alert.Kind),
		zap.String("severity", string(alert.Severity)),
		zap.String("detail", alert.Detail),
	}
	for _, key := range sortedKeys(alert.Fields) {
		fields = append(fields, zap.String(key, alert.Fields[key]))
	}
	if alert.Severity == SeverityCritical {
		notifier.logger.Error(alert.Subject, fields...)
		return nil
	}
	notifier.logger.Warn(alert.Subject, fields...)
	return nil
}

// MailSender is the part of the SendGrid client used to send mail.
type MailSender interface {
	SendWithContext(ctx context.Context, email *mail.SGMailV3) (*rest.Response, error)
}

// SendGridConfig addresses alert mail.
type SendGridConfig struct {
	APIKey    string
	FromEmail string
	FromName  string
	ToEmail   string
}

// SendGridNotifier mails alerts to an operator address.
type SendGridNotifier struct {
	sender MailSender
	from   *mail.Email
	to     *mail.Email
}

// NewSendGridNotifier builds a notifier on the SendGrid API. A nil sender
// uses the real client for config.APIKey.
func NewSendGridNotifier(config SendGridConfig, sender MailSender) (*SendGridNotifier, error) {
	if strings.TrimSpace(config.FromEmail) == "" || strings.TrimSpace(config.ToEmail) == "" {
		return nil, fmt.Errorf("%w: alert sender and recipient are required", ledger.ErrInvalidServiceConfig)
	}
	if sender == nil {
		if strings.TrimSpace(config.APIKey) == "" {
			return nil, fmt.Errorf("%w: sendgrid api key is required", ledger.ErrInvalidServiceConfig)
		}
		sender = sendgrid.NewSendClient(config.APIKey)
	}
	fromName := config.FromName
	if fromName == "" {
		fromName = "Billing"
	}
	return &SendGridNotifier{
		sender: sender,
		from:   mail.NewEmail(fromName, config.FromEmail),
		to:     mail.NewEmail("Operator", config.ToEmail),
	}, nil
}

// Notify implements Notifier.
func (notifier *SendGridNotifier) Notify(ctx context.Context, alert Alert) error {
	subject := fmt.Sprintf("[%s] %s", strings.ToUpper(string(alert.Severity)), alert.Subject)
	body := renderBody(alert)
	message := mail.NewSingleEmail(notifier.from, subject, notifier.to, body, "")
	response, err := notifier.sender.SendWithContext(ctx, message)
	if err != nil {
		return fmt.Errorf("send alert %s: %w", alert.Kind, err)
	}
	if response != nil && response.StatusCode >= 300 {
		return fmt.Errorf("send alert %s: sendgrid status %d", alert.Kind, response.StatusCode)
	}
	return nil
}

func renderBody(alert Alert) string {
	var builder strings.Builder
	builder.WriteString(alert.Detail)
	builder.WriteString("\n\n")
	for _, key := range sortedKeys(alert.Fields) {
		fmt.Fprintf(&builder, "%s: %s\n", key, alert.Fields[key])
	}
	fmt.Fprintf(&builder, "kind: %s\n", alert.Kind)
	return builder.String()
}

// Multi fans an alert out to every notifier and joins their errors.
type Multi []Notifier

// Notify implements Notifier.
func (notifiers Multi) Notify(ctx context.Context, alert Alert) error {
	var failures []error
	for _, notifier := range notifiers {
		if notifier == nil {
			continue
		}
		if err := notifier.Notify(ctx, alert); err != nil {
			failures = append(failures, err)
		}
	}
	return errors.Join(failures...)
}

func sortedKeys(values map[string]string) []string {
	keys := make([]string, 0, len(values))
	for key := range values {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}
