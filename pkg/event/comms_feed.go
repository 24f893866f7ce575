package event

import (
	"context"
	"fmt"

	comms "github.com/nats-io/nats.go"

	"github.com/morezero/catalog-events/pkg/commsutil"
)

const commsFeedLogPrefix = "event:comms_feed"

// CommsFeed publishes activity-feed threads to a COMMS subject for the feed
// service to consume.
type CommsFeed struct {
	nc      *comms.Conn
	subject string
}

// NewCommsFeed creates a CommsFeed. An empty subject uses the default feed
// subject.
func NewCommsFeed(nc *comms.Conn, subject string) *CommsFeed {
	if subject == "" {
		subject = commsutil.SubjectFeed
	}
	return &CommsFeed{nc: nc, subject: subject}
}

// PublishThread publishes one feed thread.
func (f *CommsFeed) PublishThread(_ context.Context, thread *Thread) error {
	data, err := commsutil.EncodePayload(thread)
	if err != nil {
		return fmt.Errorf("%s - failed to encode thread: %w", commsFeedLogPrefix, err)
	}
	if err := f.nc.Publish(f.subject, data); err != nil {
		return fmt.Errorf("%s - failed to publish thread to %s: %w", commsFeedLogPrefix, f.subject, err)
	}
	return nil
}
