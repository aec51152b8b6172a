package notify

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/MarkoPoloResearchLab/billing/pkg/ledger"
	"github.com/sendgrid/rest"
	"github.com/sendgrid/sendgrid-go/helpers/mail"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

type stubSender struct {
	messages []*mail.SGMailV3
	status   int
	err      error
}

func (sender *stubSender) SendWithContext(ctx context.Context, email *mail.SGMailV3) (*rest.Response, error) {
	sender.messages = append(sender.messages, email)
	if sender.err != nil {
		return nil, sender.err
	}
	return &rest.Response{StatusCode: sender.status}, nil
}

var doubleCharge = Alert{
	Kind:     "double_charge",
	Severity: SeverityCritical,
	Subject:  "possible double charge",
	Detail:   "two purchase entries within the detection window",
	Fields:   map[string]string{"account_id": "user-1", "entry_id": "e-2"},
}

func TestSendGridNotifierSendsAlert(test *testing.T) {
	test.Parallel()
	sender := &stubSender{status: 202}
	notifier, err := NewSendGridNotifier(SendGridConfig{FromEmail: "billing@example.com", ToEmail: "ops@example.com"}, sender)
	if err != nil {
		test.Fatalf("new notifier: %v", err)
	}
	if err := notifier.Notify(context.Background(), doubleCharge); err != nil {
		test.Fatalf("notify: %v", err)
	}
	if len(sender.messages) != 1 {
		test.Fatalf("expected one message, got %d", len(sender.messages))
	}
	message := sender.messages[0]
	if message.Subject != "[CRITICAL] possible double charge" {
		test.Fatalf("unexpected subject %q", message.Subject)
	}
	if len(message.Content) == 0 || !strings.Contains(message.Content[0].Value, "account_id: user-1") {
		test.Fatalf("body missing fields: %+v", message.Content)
	}
}

func TestSendGridNotifierReportsFailures(test *testing.T) {
	test.Parallel()
	testCases := []struct {
		name   string
		sender *stubSender
	}{
		{name: "transport error", sender: &stubSender{err: errors.New("dial failed")}},
		{name: "rejected", sender: &stubSender{status: 401}},
	}
	for _, testCase := range testCases {
		testCase := testCase
		test.Run(testCase.name, func(test *testing.T) {
			test.Parallel()
			notifier, err := NewSendGridNotifier(SendGridConfig{FromEmail: "a@example.com", ToEmail: "b@example.com"}, testCase.sender)
			if err != nil {
				test.Fatalf("new notifier: %v", err)
			}
			if err := notifier.Notify(context.Background(), doubleCharge); err == nil {
				test.Fatalf("expected an error")
			}
		})
	}
}

func TestNewSendGridNotifierValidatesConfig(test *testing.T) {
	test.Parallel()
	if _, err := NewSendGridNotifier(SendGridConfig{ToEmail: "ops@example.com"}, nil); !errors.Is(err, ledger.ErrInvalidServiceConfig) {
		test.Fatalf("expected ErrInvalidServiceConfig, got %v", err)
	}
	if _, err := NewSendGridNotifier(SendGridConfig{FromEmail: "a@example.com", ToEmail: "b@example.com"}, nil); !errors.Is(err, ledger.ErrInvalidServiceConfig) {
		test.Fatalf("missing api key must be rejected, got %v", err)
	}
}

func TestMultiNotifierFansOut(test *testing.T) {
	test.Parallel()
	core, logs := observer.New(zap.WarnLevel)
	failing := &stubSender{err: errors.New("down")}
	mailer, err := NewSendGridNotifier(SendGridConfig{FromEmail: "a@example.com", ToEmail: "b@example.com"}, failing)
	if err != nil {
		test.Fatalf("new notifier: %v", err)
	}
	err = Multi{NewLogNotifier(zap.New(core)), nil, mailer}.Notify(context.Background(), doubleCharge)
	if err == nil {
		test.Fatalf("expected the mail failure to surface")
	}
	entries := logs.FilterMessage("possible double charge").All()
	if len(entries) != 1 || entries[0].ContextMap()["account_id"] != "user-1" {
		test.Fatalf("log notifier did not record the alert: %+v", entries)
	}
}
