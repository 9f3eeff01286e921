// notify handles the outbound side channels: email to users and admins
// via SESv2, and the fire-and-forget poke that kicks off the long-poll
// image waiter.
package notify

import (
	"context"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sesv2"
	sestypes "github.com/aws/aws-sdk-go-v2/service/sesv2/types"
	"github.com/chainguard-dev/clog"
	qrcode "github.com/skip2/go-qrcode"
)

type SESAPI interface {
	SendEmail(ctx context.Context, in *sesv2.SendEmailInput, opts ...func(*sesv2.Options)) (*sesv2.SendEmailOutput, error)
}

type Mailer struct {
	client SESAPI
	sender string
}

func NewMailer(client SESAPI, sender string) *Mailer {
	return &Mailer{client: client, sender: sender}
}

// SendVPNReady mails the rendered WireGuard config to a user, attached as
// a file plus an inline QR code for mobile import.
func (m *Mailer) SendVPNReady(ctx context.Context, recipient, region, ipv4, config string) error {
	qr, err := qrcode.Encode(config, qrcode.Medium, 256)
	if err != nil {
		return fmt.Errorf("encoding QR code: %w", err)
	}

	subject := fmt.Sprintf("VPN is live in %s!", region)
	bodyText := fmt.Sprintf(
		"Your VPN is live in: %s\n\nIPv4: %s\n\nTimestamp: %s\n\nEnjoy!",
		region, ipv4, timestamp(time.Now()))

	raw, err := buildRawMessage(m.sender, recipient, subject, bodyText, []byte(config), qr)
	if err != nil {
		return fmt.Errorf("building message: %w", err)
	}

	out, err := m.client.SendEmail(ctx, &sesv2.SendEmailInput{
		FromEmailAddress: aws.String(m.sender),
		Destination:      &sestypes.Destination{ToAddresses: []string{recipient}},
		Content: &sestypes.EmailContent{
			Raw: &sestypes.RawMessage{Data: raw},
		},
	})
	if err != nil {
		return fmt.Errorf("sending to %s: %w", recipient, err)
	}
	clog.FromContext(ctx).Info("email sent", "to", recipient, "message_id", aws.ToString(out.MessageId))
	return nil
}

// SendRegionLive tells the admin a freshly bootstrapped region finished
// its image copy and is open for deploys.
func (m *Mailer) SendRegionLive(ctx context.Context, recipient, region string) error {
	subject := fmt.Sprintf("Region %s is live!", region)
	bodyText := fmt.Sprintf(
		"The WireGuard AMI is live in: %s\n\nTimestamp: %s\n\nEnjoy!",
		region, timestamp(time.Now()))

	out, err := m.client.SendEmail(ctx, &sesv2.SendEmailInput{
		FromEmailAddress: aws.String(m.sender),
		Destination:      &sestypes.Destination{ToAddresses: []string{recipient}},
		Content: &sestypes.EmailContent{
			Simple: &sestypes.Message{
				Subject: &sestypes.Content{Data: aws.String(subject), Charset: aws.String("UTF-8")},
				Body: &sestypes.Body{
					Text: &sestypes.Content{Data: aws.String(bodyText), Charset: aws.String("UTF-8")},
				},
			},
		},
	})
	if err != nil {
		return fmt.Errorf("sending to %s: %w", recipient, err)
	}
	clog.FromContext(ctx).Info("email sent", "to", recipient, "message_id", aws.ToString(out.MessageId))
	return nil
}

func timestamp(now time.Time) string {
	loc, err := time.LoadLocation("America/Chicago")
	if err != nil {
		loc = time.UTC
	}
	return now.In(loc).Format("01/02/2006 Mon 03:04 PM (MST)")
}
