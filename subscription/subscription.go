package subscription

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"
)

// Status is the custom type to define the current state of a subscription
type Status string

// Defining the possible statuses of a Subscription. Canceled is terminal:
// a canceled subscription is never reused, a new checkout creates a new row.
const (
	StatusIncomplete Status = "Incomplete"
	StatusActive     Status = "Active"
	StatusPastDue    Status = "PastDue"
	StatusCanceled   Status = "Canceled"
)

// Live reports whether the status counts against the one-live-subscription
// rule for a (subscriber, plan) pair
func (s Status) Live() bool {
	return s == StatusActive || s == StatusPastDue
}

// Outcome is the terminal result of processing one event or action
type Outcome string

// Defining processing outcomes recorded in the webhook ledger
const (
	OutcomeApplied          Outcome = "Applied"
	OutcomeIgnoredStale     Outcome = "IgnoredStale"
	OutcomeIgnoredDuplicate Outcome = "IgnoredDuplicate"
	OutcomeFailed           Outcome = "Failed"
)

// Features is the list of perks shown to subscribers, stored as JSON
type Features []string

// Value implements driver.Valuer
func (f Features) Value() (driver.Value, error) {
	if f == nil {
		return "[]", nil
	}
	b, err := json.Marshal(f)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

// Scan implements sql.Scanner
func (f *Features) Scan(value interface{}) error {
	switch v := value.(type) {
	case []byte:
		return json.Unmarshal(v, f)
	case string:
		return json.Unmarshal([]byte(v), f)
	case nil:
		*f = nil
		return nil
	default:
		return fmt.Errorf("unsupported Features column type %T", value)
	}
}

// Plan describes a creator-owned subscription offering. This corresponds to
// a recurring Price on the billing provider once registered.
type Plan struct {
	ID              string    `json:"id" gorm:"primaryKey"`
	CreatorID       string    `json:"creatorId" gorm:"index"`
	Name            string    `json:"name"`
	Description     string    `json:"description"`
	Price           int64     `json:"price"`    // minor currency units, must be > 0
	Currency        string    `json:"currency"` // ISO 4217 code (e.g. usd)
	Interval        string    `json:"interval"` // billing frequency (e.g. month)
	Features        Features  `json:"features" gorm:"type:text"`
	IsActive        bool      `json:"isActive"`
	ExternalPriceID string    `json:"externalPriceId"` // provider-side price reference, set before any subscription may reference the Plan
	CreatedAt       time.Time `json:"createdAt"`
	UpdatedAt       time.Time `json:"updatedAt"`
}

// Subscription binds one subscriber to one Plan. Rows are never physically
// deleted so churn and revenue metrics can be computed from history.
type Subscription struct {
	ID                     string     `json:"id" gorm:"primaryKey"`
	SubscriberID           string     `json:"subscriberId" gorm:"index"`
	PlanID                 string     `json:"planId" gorm:"index"`
	ExternalSubscriptionID *string    `json:"externalSubscriptionId" gorm:"uniqueIndex"` // provider-side id, nil until checkout completes
	Status                 Status     `json:"status" gorm:"index"`
	CancelAtPeriodEnd      bool       `json:"cancelAtPeriodEnd"`
	CurrentPeriodStart     time.Time  `json:"currentPeriodStart"`
	CurrentPeriodEnd       time.Time  `json:"currentPeriodEnd"`
	ActivatedAt            *time.Time `json:"activatedAt"` // first transition to Active, never moves afterwards
	CanceledAt             *time.Time `json:"canceledAt"`
	LastEventAt            time.Time  `json:"lastEventAt"` // provider-asserted timestamp of the most recent applied event, monotonically non-decreasing
	CreatedAt              time.Time  `json:"createdAt"`
	UpdatedAt              time.Time  `json:"updatedAt"`
}
