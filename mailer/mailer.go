package mailer

import (
	"fmt"

	"github.com/inkwellhq/inkwell/broker"
	"github.com/inkwellhq/inkwell/subscription"

	extErrors "github.com/pkg/errors"
	"go.uber.org/zap"
	"gopkg.in/gomail.v2"
)

// Options provides initialization parameters for Mailer
type Options struct {
	Host     string
	Port     int
	Username string
	Password string
	From     string
	SiteName string
	Logger   *zap.Logger
}

// Mailer is the thin wrapper around the SMTP delivery service. It sends the
// operational mail triggered by committed subscription transitions.
type Mailer struct {
	Options
	dialer *gomail.Dialer
}

// New returns a Mailer for transactional delivery
func New(option Options) (*Mailer, error) {
	if len(option.Host) == 0 {
		return nil, fmt.Errorf("empty Host is invalid")
	}
	if option.Port == 0 {
		return nil, fmt.Errorf("zero Port is invalid")
	}
	if len(option.From) == 0 {
		return nil, fmt.Errorf("empty From is invalid")
	}
	if len(option.SiteName) == 0 {
		return nil, fmt.Errorf("empty SiteName is invalid")
	}
	if option.Logger == nil {
		return nil, fmt.Errorf("nil Logger is invalid")
	}
	return &Mailer{
		Options: option,
		dialer:  gomail.NewDialer(option.Host, option.Port, option.Username, option.Password),
	}, nil
}

// Send delivers one message
func (m *Mailer) Send(to, subject, textBody string) error {
	msg := gomail.NewMessage()
	msg.SetHeader("From", m.From)
	msg.SetHeader("To", to)
	msg.SetHeader("Subject", subject)
	msg.SetBody("text/plain", textBody)
	if err := m.dialer.DialAndSend(msg); err != nil {
		return extErrors.Wrap(err, "Cannot deliver email")
	}
	return nil
}

// HandleNotification composes and sends the mail matching one committed
// subscription transition. Transitions with no subscriber-facing mail are
// ignored.
func (m *Mailer) HandleNotification(n *broker.Notification) error {
	if len(n.SubscriberEmail) == 0 {
		m.Logger.Warn("Notification has no subscriber email, skipping",
			zap.String("SubscriptionID", n.SubscriptionID),
		)
		return nil
	}

	plan := n.PlanName
	if len(plan) == 0 {
		plan = "your subscription"
	}

	switch subscription.Status(n.Status) {
	case subscription.StatusPastDue:
		return m.Send(
			n.SubscriberEmail,
			fmt.Sprintf("Payment failed for %s", plan),
			fmt.Sprintf("We could not collect payment for %s on %s. "+
				"Please update your payment method from your billing portal to keep access to premium content.",
				plan, m.SiteName),
		)
	case subscription.StatusCanceled:
		return m.Send(
			n.SubscriberEmail,
			fmt.Sprintf("Your subscription to %s has ended", plan),
			fmt.Sprintf("Your subscription to %s on %s is now canceled. "+
				"You can subscribe again at any time.",
				plan, m.SiteName),
		)
	case subscription.StatusActive:
		return m.Send(
			n.SubscriberEmail,
			fmt.Sprintf("You are subscribed to %s", plan),
			fmt.Sprintf("Your subscription to %s on %s is active. Enjoy!",
				plan, m.SiteName),
		)
	default:
		return nil
	}
}
