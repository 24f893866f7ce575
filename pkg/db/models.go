package db

import "time"

// StoredEvent is a row in the change_events durable log. Offset is the
// append position; replay and delivery ordering key off it.
type StoredEvent struct {
	Offset            int64     `json:"offset"`
	ID                string    `json:"id"`
	EntityID          string    `json:"entityId"`
	EntityType        string    `json:"entityType"`
	EntityFQN         string    `json:"entityFullyQualifiedName"`
	EventType         string    `json:"eventType"`
	ChangeDescription []byte    `json:"changeDescription,omitempty"`
	PreviousVersion   *string   `json:"previousVersion,omitempty"`
	CurrentVersion    *string   `json:"currentVersion,omitempty"`
	UserName          string    `json:"userName"`
	Timestamp         int64     `json:"timestamp"`
	Entity            []byte    `json:"entity,omitempty"`
	Created           time.Time `json:"created"`
}

// EntityRecord is a row in the entity_versions table: the current snapshot
// and version of one catalog entity. (entity_id, version) pairs are
// immutable; updates move the row forward under optimistic concurrency.
type EntityRecord struct {
	EntityID   string    `json:"entityId"`
	EntityType string    `json:"entityType"`
	EntityFQN  string    `json:"entityFullyQualifiedName"`
	Major      int       `json:"major"`
	Minor      int       `json:"minor"`
	Deleted    bool      `json:"deleted"`
	Snapshot   []byte    `json:"snapshot"`
	UpdatedAt  time.Time `json:"updatedAt"`
	UpdatedBy  string    `json:"updatedBy"`
}

// SubscriptionRow is a row in the event_subscriptions table.
type SubscriptionRow struct {
	ID              string    `json:"id"`
	Name            string    `json:"name"`
	AlertType       string    `json:"alertType"`
	Trigger         string    `json:"trigger"`
	Enabled         bool      `json:"enabled"`
	FilteringRules  string    `json:"filteringRules"`
	BatchSize       int       `json:"batchSize"`
	MaxRetries      int       `json:"maxRetries"`
	InitialBackoff  int64     `json:"initialBackoffMs"`
	MaxBackoff      int64     `json:"maxBackoffMs"`
	PollInterval    int64     `json:"pollIntervalMs"`
	DeliveryTimeout int64     `json:"deliveryTimeoutMs"`
	Created         time.Time `json:"created"`
	Modified        time.Time `json:"modified"`
}

// DestinationRow is a row in the subscription_destinations table. The
// shared secret is stored sealed and decrypted on load only.
type DestinationRow struct {
	ID             string `json:"id"`
	SubscriptionID string `json:"subscriptionId"`
	Kind           string `json:"kind"`
	Endpoint       string `json:"endpoint"`
	SecretSealed   string `json:"-"`
}

// SubjectRow is a row in the users or teams table, pared down to what the
// rule evaluator needs.
type SubjectRow struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	DisplayName string `json:"displayName,omitempty"`
	Deleted     bool   `json:"deleted"`
}
