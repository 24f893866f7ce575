// Package db provides catalog data clearing.
package db

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/jackc/pgx/v5/pgxpool"
)

const clearLogPrefix = "db:clear"

// ClearCatalog truncates all pipeline tables (delivery_attempts,
// index_sync_ops, subscription_destinations, event_subscriptions,
// change_events, entity_versions, users, teams) in dependency order.
// Schema is preserved; only data is removed. RESTART IDENTITY resets the
// event log offset sequence.
func ClearCatalog(ctx context.Context, pool *pgxpool.Pool) error {
	slog.Info(fmt.Sprintf("%s - Clearing catalog tables", clearLogPrefix))

	// Truncate in dependency order: attempt and op queues first, then the
	// tables they reference. CASCADE handles anything else pointing here.
	_, err := pool.Exec(ctx, `TRUNCATE TABLE
		delivery_attempts,
		index_sync_ops,
		subscription_destinations,
		event_subscriptions,
		change_events,
		entity_versions,
		users,
		teams
		RESTART IDENTITY CASCADE`)
	if err != nil {
		return fmt.Errorf("%s - truncate failed: %w", clearLogPrefix, err)
	}

	slog.Info(fmt.Sprintf("%s - Catalog cleared", clearLogPrefix))
	return nil
}
