// Package dispatcher routes incoming COMMS messages to pipeline methods.
package dispatcher

import (
	"encoding/json"
	"time"

	"github.com/morezero/catalog-events/pkg/router"
)

// PipelineRequest is the JSON envelope for incoming COMMS pipeline requests.
type PipelineRequest struct {
	ID     string             `json:"id"`
	Type   string             `json:"type"`
	Method string             `json:"method"`
	Params json.RawMessage    `json:"params"`
	Ctx    *InvocationContext `json:"ctx,omitempty"`
}

// PipelineResponse is the JSON envelope for COMMS pipeline responses.
type PipelineResponse struct {
	ID     string       `json:"id"`
	Ok     bool         `json:"ok"`
	Result interface{}  `json:"result,omitempty"`
	Error  *ErrorDetail `json:"error,omitempty"`
}

// ErrorDetail holds structured error information.
type ErrorDetail struct {
	Code      string      `json:"code"`
	Message   string      `json:"message"`
	Details   interface{} `json:"details,omitempty"`
	Retryable bool        `json:"retryable"`
}

// InvocationContext holds context from the caller.
type InvocationContext struct {
	UserID        string `json:"userId,omitempty"`
	RequestID     string `json:"requestId,omitempty"`
	CorrelationID string `json:"correlationId,omitempty"`
	TimeoutMs     int    `json:"timeoutMs,omitempty"`
}

// ListEventsParams holds parameters for the events.list method.
type ListEventsParams struct {
	After int64 `json:"after"`
	Limit int   `json:"limit,omitempty"`
}

// TriggerAppParams holds parameters for the apps.trigger method.
type TriggerAppParams struct {
	Ref    string                 `json:"ref"`
	Params map[string]interface{} `json:"params,omitempty"`
}

// SubscriptionParams is the wire shape of a subscription for
// subscriptions.upsert. Durations are milliseconds; destination secrets are
// write-only and never returned.
type SubscriptionParams struct {
	ID                string              `json:"id,omitempty"`
	Name              string              `json:"name"`
	AlertType         string              `json:"alertType,omitempty"`
	Trigger           string              `json:"trigger,omitempty"`
	Enabled           bool                `json:"enabled"`
	FilteringRules    string              `json:"filteringRules,omitempty"`
	BatchSize         int                 `json:"batchSize,omitempty"`
	MaxRetries        int                 `json:"maxRetries,omitempty"`
	InitialBackoffMs  int64               `json:"initialBackoffMs,omitempty"`
	MaxBackoffMs      int64               `json:"maxBackoffMs,omitempty"`
	PollIntervalMs    int64               `json:"pollIntervalMs,omitempty"`
	DeliveryTimeoutMs int64               `json:"deliveryTimeoutMs,omitempty"`
	Destinations      []DestinationParams `json:"destinations"`
}

// DestinationParams is the wire shape of one destination.
type DestinationParams struct {
	ID       string `json:"id,omitempty"`
	Kind     string `json:"kind,omitempty"`
	Endpoint string `json:"endpoint"`
	Secret   string `json:"secret,omitempty"`
}

// ToSubscription converts wire parameters to the router model.
func (p *SubscriptionParams) ToSubscription() *router.Subscription {
	sub := &router.Subscription{
		ID:             p.ID,
		Name:           p.Name,
		AlertType:      p.AlertType,
		Trigger:        p.Trigger,
		Enabled:        p.Enabled,
		FilteringRules: p.FilteringRules,
		BatchSize:      p.BatchSize,
		RetryPolicy: router.RetryPolicy{
			MaxRetries:     p.MaxRetries,
			InitialBackoff: time.Duration(p.InitialBackoffMs) * time.Millisecond,
			MaxBackoff:     time.Duration(p.MaxBackoffMs) * time.Millisecond,
		},
		PollInterval:    time.Duration(p.PollIntervalMs) * time.Millisecond,
		DeliveryTimeout: time.Duration(p.DeliveryTimeoutMs) * time.Millisecond,
	}
	for _, d := range p.Destinations {
		sub.Destinations = append(sub.Destinations, router.Destination{
			ID:       d.ID,
			Kind:     router.DestinationKind(d.Kind),
			Endpoint: d.Endpoint,
			Secret:   d.Secret,
		})
	}
	return sub
}

// HealthOutput is the result of the health method.
type HealthOutput struct {
	Status string       `json:"status"`
	Checks HealthChecks `json:"checks"`
}

// HealthChecks itemizes dependency health.
type HealthChecks struct {
	Database bool `json:"database"`
}
