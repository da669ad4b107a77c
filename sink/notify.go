package sink

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/sendgrid/rest"
	"github.com/sendgrid/sendgrid-go"
	sgmail "github.com/sendgrid/sendgrid-go/helpers/mail"
)

type NotifierOptions struct {
	APIKey string
	From   string
	To     []string
}

type mailSender interface {
	SendWithContext(ctx context.Context, email *sgmail.SGMailV3) (*rest.Response, error)
}

// Notifier e-mails a short report about each newly decoded attachment.
type Notifier struct {
	from   *sgmail.Email
	to     []*sgmail.Email
	client mailSender
}

func NewNotifier(opts NotifierOptions) (*Notifier, error) {
	if strings.TrimSpace(opts.APIKey) == "" {
		return nil, fmt.Errorf("sendgrid api key is empty")
	}
	return newNotifier(opts, sendgrid.NewSendClient(opts.APIKey))
}

func newNotifier(opts NotifierOptions, client mailSender) (*Notifier, error) {
	if strings.TrimSpace(opts.From) == "" {
		return nil, fmt.Errorf("notification sender is empty")
	}
	n := &Notifier{from: sgmail.NewEmail("mailsheet", strings.TrimSpace(opts.From)), client: client}
	for _, addr := range opts.To {
		if addr = strings.TrimSpace(addr); addr != "" {
			n.to = append(n.to, sgmail.NewEmail("", addr))
		}
	}
	if len(n.to) == 0 {
		return nil, fmt.Errorf("no notification recipients")
	}
	return n, nil
}

func (n *Notifier) Name() string { return "sendgrid" }

func (n *Notifier) Deliver(ctx context.Context, del Delivery) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	status := ReportStatus(del)
	subject := fmt.Sprintf("mailsheet: %s %s", del.Filename(), status)

	msg := sgmail.NewV3Mail()
	msg.SetFrom(n.from)
	msg.Subject = subject
	p := sgmail.NewPersonalization()
	p.AddTos(n.to...)
	msg.AddPersonalizations(p)
	msg.AddContent(sgmail.NewContent("text/plain", Report(del)))

	resp, err := n.client.SendWithContext(ctx, msg)
	if err != nil {
		return fmt.Errorf("send report: %w", err)
	}
	if resp.StatusCode >= 300 {
		return fmt.Errorf("send report: sendgrid status %d: %s", resp.StatusCode, resp.Body)
	}
	return nil
}

// ReportStatus is "partial" when the source reported warnings.
func ReportStatus(del Delivery) string {
	if len(del.Warnings) > 0 {
		return "partial"
	}
	return "success"
}

// Report renders the plain text notification body.
func Report(del Delivery) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Run:          %s\n", del.RunID)
	fmt.Fprintf(&b, "Status:       %s\n", ReportStatus(del))
	fmt.Fprintf(&b, "Processed at: %s\n", del.ProcessedAt.UTC().Format(time.RFC3339))
	if del.From != "" {
		fmt.Fprintf(&b, "From:         %s\n", del.From)
	}
	if del.Subject != "" {
		fmt.Fprintf(&b, "Subject:      %s\n", del.Subject)
	}
	if del.Attachment != nil {
		fmt.Fprintf(&b, "Attachment:   %s (%d bytes)\n", del.Filename(), del.Attachment.SizeBytes)
	}
	if del.Dataset != nil {
		fmt.Fprintf(&b, "Rows:         %d\n", del.Dataset.RowCount())
		fmt.Fprintf(&b, "Columns:      %s\n", strings.Join(del.Dataset.Columns, ", "))
	}
	for _, w := range del.Warnings {
		fmt.Fprintf(&b, "Warning:      %s\n", w)
	}
	return b.String()
}
