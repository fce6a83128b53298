package broker

import (
	"context"
	"time"
)

// Notification describes a committed subscription transition that external
// collaborators (e.g. the mailer) may act on. It is only ever published after
// the status write commits, never before.
type Notification struct {
	SubscriptionID  string    `json:"subscriptionId"`
	SubscriberID    string    `json:"subscriberId"`
	SubscriberEmail string    `json:"subscriberEmail"`
	PlanID          string    `json:"planId"`
	PlanName        string    `json:"planName"`
	Status          string    `json:"status"`
	OccurredAt      time.Time `json:"occurredAt"`
}

// Producer defines a producer sending notifications via message broker
type Producer interface {
	Close()
	SendSubscriptionNotification(n *Notification) error
}

// Consumer defines a consumer receiving notifications via message broker
type Consumer interface {
	Close()
	ReceiveSubscriptionNotifications(ctx context.Context) (<-chan *Notification, error)
}
