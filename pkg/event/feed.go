package event

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/morezero/catalog-events/pkg/changeset"
)

// Thread is a single activity-feed entry derived from a change event. One
// thread is created per distinct changed field.
type Thread struct {
	EntityType string `json:"entityType"`
	EntityFQN  string `json:"entityFQN"`
	Field      string `json:"field"`
	Message    string `json:"message"`
	CreatedBy  string `json:"createdBy"`
	Timestamp  int64  `json:"timestamp"`
}

// FeedPublisher receives activity-feed threads. The feed is a derived,
// best-effort side channel: implementations may fail without affecting the
// mutation that produced the event.
type FeedPublisher interface {
	PublishThread(ctx context.Context, thread *Thread) error
}

// NoOpFeed is a FeedPublisher that drops all threads.
type NoOpFeed struct{}

func (NoOpFeed) PublishThread(_ context.Context, _ *Thread) error { return nil }

// Threads renders the event's change set into human-readable feed threads,
// one per changed field, skipping fields whose message renders empty.
func Threads(ev *ChangeEvent) []*Thread {
	if ev == nil || ev.ChangeDescription == nil {
		return nil
	}
	messages := map[string]string{}
	for _, fc := range ev.ChangeDescription.FieldsAdded {
		if v := renderValue(fc.NewValue); v != "" {
			appendMessage(messages, fc.Name, fmt.Sprintf("Added %s: %s", fieldLabel(fc.Name), v))
		}
	}
	for _, fc := range ev.ChangeDescription.FieldsUpdated {
		oldV, newV := renderValue(fc.OldValue), renderValue(fc.NewValue)
		if oldV == "" && newV == "" {
			continue
		}
		appendMessage(messages, fc.Name,
			fmt.Sprintf("Updated %s from %s to %s", fieldLabel(fc.Name), oldV, newV))
	}
	for _, fc := range ev.ChangeDescription.FieldsDeleted {
		if v := renderValue(fc.OldValue); v != "" {
			appendMessage(messages, fc.Name, fmt.Sprintf("Deleted %s: %s", fieldLabel(fc.Name), v))
		}
	}

	fields := make([]string, 0, len(messages))
	for f := range messages {
		fields = append(fields, f)
	}
	sort.Strings(fields)

	var threads []*Thread
	for _, f := range fields {
		msg := strings.TrimSpace(messages[f])
		if msg == "" {
			continue
		}
		threads = append(threads, &Thread{
			EntityType: ev.EntityType,
			EntityFQN:  ev.EntityFQN,
			Field:      f,
			Message:    msg,
			CreatedBy:  ev.UserName,
			Timestamp:  ev.Timestamp,
		})
	}
	return threads
}

func appendMessage(messages map[string]string, field, msg string) {
	if existing := messages[field]; existing != "" {
		messages[field] = existing + "; " + msg
		return
	}
	messages[field] = msg
}

func fieldLabel(name string) string {
	return "**" + name + "**"
}

// renderValue formats a change value for the feed. Reference lists render as
// their names, references as their name, and scalars verbatim. An empty
// render makes the caller skip the thread.
func renderValue(v interface{}) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	case []interface{}:
		var names []string
		for _, e := range t {
			if s := renderValue(e); s != "" {
				names = append(names, s)
			}
		}
		return strings.Join(names, ", ")
	case map[string]interface{}:
		snap := changeset.Snapshot(t)
		for _, field := range []string{"tagFQN", "fullyQualifiedName", "name", "displayName"} {
			if s := snapshotString(snap, field); s != "" {
				return s
			}
		}
		return ""
	default:
		return fmt.Sprintf("%v", t)
	}
}
