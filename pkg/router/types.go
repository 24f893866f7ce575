// Package router fans matched change events out to subscription
// destinations with batching, retry, backoff and dead-lettering.
package router

import (
	"context"
	"time"

	"github.com/morezero/catalog-events/pkg/event"
)

// DestinationKind is the transport of a destination endpoint.
type DestinationKind string

const (
	DestinationWebhook DestinationKind = "webhook"
	DestinationSlack   DestinationKind = "slack"
	DestinationEmail   DestinationKind = "email"
)

// Destination is an external endpoint owned by the subscriber. Secret holds
// the decrypted shared secret for request signing; it is persisted only in
// encrypted form (see secret.go).
type Destination struct {
	ID       string          `json:"id"`
	Kind     DestinationKind `json:"kind"`
	Endpoint string          `json:"endpoint"`
	Secret   string          `json:"-"`
}

// RetryPolicy bounds delivery retries for a subscription.
type RetryPolicy struct {
	// MaxRetries is the total number of send attempts before an attempt
	// goes DEAD.
	MaxRetries     int           `json:"maxRetries"`
	InitialBackoff time.Duration `json:"initialBackoff"`
	MaxBackoff     time.Duration `json:"maxBackoff"`
}

// Subscription is a standing rule plus destination list. It is owned by the
// subscriber and only read here.
type Subscription struct {
	ID             string        `json:"id"`
	Name           string        `json:"name"`
	AlertType      string        `json:"alertType"`
	Trigger        string        `json:"trigger"`
	Enabled        bool          `json:"enabled"`
	FilteringRules string        `json:"filteringRules"`
	Destinations   []Destination `json:"destinations"`
	BatchSize      int           `json:"batchSize"`
	RetryPolicy    RetryPolicy   `json:"retryPolicy"`
	PollInterval   time.Duration `json:"pollInterval"`
	// DeliveryTimeout bounds one send; an exceeded timeout is a failure,
	// never an attempt left pending.
	DeliveryTimeout time.Duration `json:"deliveryTimeout"`
}

// ApplyDefaults fills zero-valued tuning with the event_subscriptions
// schema defaults, so a bare subscription still retries with backoff before
// dead-lettering.
func (s *Subscription) ApplyDefaults() {
	if s.BatchSize <= 0 {
		s.BatchSize = 10
	}
	if s.RetryPolicy.MaxRetries <= 0 {
		s.RetryPolicy.MaxRetries = 3
	}
	if s.RetryPolicy.InitialBackoff <= 0 {
		s.RetryPolicy.InitialBackoff = time.Second
	}
	if s.RetryPolicy.MaxBackoff <= 0 {
		s.RetryPolicy.MaxBackoff = time.Minute
	}
	if s.PollInterval <= 0 {
		s.PollInterval = time.Second
	}
	if s.DeliveryTimeout <= 0 {
		s.DeliveryTimeout = 10 * time.Second
	}
}

// AttemptStatus is the state of one delivery attempt.
type AttemptStatus string

const (
	StatusPending  AttemptStatus = "PENDING"
	StatusSent     AttemptStatus = "SENT"
	StatusFailed   AttemptStatus = "FAILED"
	StatusRetrying AttemptStatus = "RETRYING"
	StatusDead     AttemptStatus = "DEAD"
)

// DeliveryAttempt tracks delivery of one event to one destination of one
// subscription. Terminal states are SENT and DEAD. Attempts are owned by the
// delivery workers and never mutated concurrently.
type DeliveryAttempt struct {
	ID             string `json:"id"`
	SubscriptionID string `json:"subscriptionId"`
	DestinationID  string `json:"destinationId"`
	EventID        string `json:"eventId"`
	// EventOffset is the event's position in the durable log; batches are
	// ordered by it so per-subscription event order is preserved.
	EventOffset   int64         `json:"eventOffset"`
	AttemptNumber int           `json:"attemptNumber"`
	Status        AttemptStatus `json:"status"`
	LastError     string        `json:"lastError,omitempty"`
	NextAttemptAt time.Time     `json:"nextAttemptAt"`
}

// RecordSuccess moves the attempt to its successful terminal state.
func (a *DeliveryAttempt) RecordSuccess() {
	a.AttemptNumber++
	a.Status = StatusSent
	a.LastError = ""
}

// RecordFailure walks the failure transitions: FAILED, then RETRYING with a
// backoff-scheduled next attempt if sends remain, else DEAD.
func (a *DeliveryAttempt) RecordFailure(errMsg string, policy RetryPolicy, now time.Time, jitter JitterFunc) {
	a.AttemptNumber++
	a.Status = StatusFailed
	a.LastError = errMsg
	if a.AttemptNumber >= policy.MaxRetries {
		a.Status = StatusDead
		return
	}
	a.Status = StatusRetrying
	a.NextAttemptAt = now.Add(policy.Delay(a.AttemptNumber, jitter))
}

// Terminal reports whether the attempt has reached SENT or DEAD.
func (a *DeliveryAttempt) Terminal() bool {
	return a.Status == StatusSent || a.Status == StatusDead
}

// Batch is a claimed unit of work: the oldest undelivered attempts for one
// (subscription, destination) pair in event order, with their events.
type Batch struct {
	Subscription *Subscription
	Destination  *Destination
	Attempts     []*DeliveryAttempt
	Events       []*event.ChangeEvent
}

// SubscriptionStore reads subscriber-owned subscriptions.
type SubscriptionStore interface {
	ListEnabledSubscriptions(ctx context.Context) ([]*Subscription, error)
}

// AttemptStore is the durable queue behind the delivery workers.
type AttemptStore interface {
	// CreateAttempts appends new PENDING attempts.
	CreateAttempts(ctx context.Context, attempts []*DeliveryAttempt) error
	// DueBatches claims work: for each (subscription, destination) pair
	// whose oldest undelivered attempt is due at now, the oldest attempts
	// in event order, at most the subscription's batch size per pair.
	// A pair whose head attempt is not yet due returns nothing, so retries
	// never let later events overtake earlier ones.
	DueBatches(ctx context.Context, now time.Time, maxPairs int) ([]*Batch, error)
	// UpdateAttempt persists a status transition.
	UpdateAttempt(ctx context.Context, attempt *DeliveryAttempt) error
}
