package router

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// WorkerConfig tunes the delivery worker pool.
type WorkerConfig struct {
	// PollInterval is how often the durable queue is polled for due work.
	PollInterval time.Duration
	// MaxPairs bounds how many (subscription, destination) batches one
	// poll claims.
	MaxPairs int
	// Concurrency bounds batches delivered in parallel. Batches for the
	// same destination never overlap regardless of this limit.
	Concurrency int
	// DrainTimeout bounds how long shutdown waits for in-flight sends.
	DrainTimeout time.Duration
}

func (c *WorkerConfig) applyDefaults() {
	if c.PollInterval <= 0 {
		c.PollInterval = time.Second
	}
	if c.MaxPairs <= 0 {
		c.MaxPairs = 32
	}
	if c.Concurrency <= 0 {
		c.Concurrency = 8
	}
	if c.DrainTimeout <= 0 {
		c.DrainTimeout = 10 * time.Second
	}
}

// Worker drains the durable attempt queue: it claims due batches, delivers
// them through a Sender and records the resulting state transitions. Events
// for one (subscription, destination) pair are always delivered in log
// order because the store releases a pair's next batch only after the
// previous one reached a terminal or scheduled state.
type Worker struct {
	attempts AttemptStore
	sender   Sender
	cfg      WorkerConfig
	logger   *slog.Logger
	now      func() time.Time
	jitter   JitterFunc

	// OnDead, when set, is invoked after an attempt is marked DEAD.
	OnDead func(batch *Batch, attempt *DeliveryAttempt)

	mu       sync.Mutex
	inflight map[string]bool
}

func NewWorker(attempts AttemptStore, sender Sender, cfg WorkerConfig, logger *slog.Logger) *Worker {
	cfg.applyDefaults()
	if logger == nil {
		logger = slog.Default()
	}
	return &Worker{
		attempts: attempts,
		sender:   sender,
		cfg:      cfg,
		logger:   logger,
		now:      time.Now,
		jitter:   DefaultJitter,
		inflight: make(map[string]bool),
	}
}

// Run polls until ctx is cancelled, then drains in-flight deliveries.
// Unfinished attempts are left RETRYING in the store so a restarted worker
// picks them up.
func (w *Worker) Run(ctx context.Context) {
	ticker := time.NewTicker(w.cfg.PollInterval)
	defer ticker.Stop()

	var wg sync.WaitGroup
	sem := make(chan struct{}, w.cfg.Concurrency)

	for {
		select {
		case <-ctx.Done():
			w.drain(&wg)
			return
		case <-ticker.C:
			w.Poll(ctx, &wg, sem)
		}
	}
}

// Poll claims one round of due batches and dispatches them. Exported so the
// server can trigger an immediate round after enqueueing attempts.
func (w *Worker) Poll(ctx context.Context, wg *sync.WaitGroup, sem chan struct{}) {
	batches, err := w.attempts.DueBatches(ctx, w.now(), w.cfg.MaxPairs)
	if err != nil {
		w.logger.Error("claim due batches failed", "error", err)
		return
	}
	for _, batch := range batches {
		if !w.acquire(batch.Destination.ID) {
			continue
		}
		select {
		case sem <- struct{}{}:
		case <-ctx.Done():
			w.release(batch.Destination.ID)
			w.reschedule(batch)
			return
		}
		wg.Add(1)
		go func(b *Batch) {
			defer wg.Done()
			defer func() { <-sem }()
			defer w.release(b.Destination.ID)
			w.deliver(ctx, b)
		}(batch)
	}
}

// deliver sends one batch and persists the resulting transitions.
func (w *Worker) deliver(ctx context.Context, batch *Batch) {
	timeout := batch.Subscription.DeliveryTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	sendCtx, cancel := context.WithTimeout(ctx, timeout)
	err := w.sender.Send(sendCtx, batch.Destination, batch.Events)
	cancel()

	if err != nil && ctx.Err() != nil {
		// Shutdown interrupted the send; leave the batch retryable
		// without burning an attempt.
		w.reschedule(batch)
		return
	}

	now := w.now()
	for _, attempt := range batch.Attempts {
		if err == nil {
			attempt.RecordSuccess()
		} else {
			attempt.RecordFailure(err.Error(), batch.Subscription.RetryPolicy, now, w.jitter)
		}
		w.persist(attempt)
		if attempt.Status == StatusDead {
			w.logger.Error("delivery attempt dead-lettered",
				"subscription", attempt.SubscriptionID,
				"destination", attempt.DestinationID,
				"event", attempt.EventID,
				"attempts", attempt.AttemptNumber,
				"error", attempt.LastError)
			if w.OnDead != nil {
				w.OnDead(batch, attempt)
			}
		}
	}
	if err != nil {
		w.logger.Warn("batch delivery failed",
			"subscription", batch.Subscription.ID,
			"destination", batch.Destination.ID,
			"events", len(batch.Events),
			"error", err)
	}
}

// reschedule puts a claimed but unfinished batch back as RETRYING, due
// immediately, without consuming an attempt.
func (w *Worker) reschedule(batch *Batch) {
	for _, attempt := range batch.Attempts {
		attempt.Status = StatusRetrying
		attempt.NextAttemptAt = w.now()
		w.persist(attempt)
	}
}

// persist writes a transition with a short independent deadline so shutdown
// cannot strand attempts in a claimed state.
func (w *Worker) persist(attempt *DeliveryAttempt) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := w.attempts.UpdateAttempt(ctx, attempt); err != nil {
		w.logger.Error("persist attempt transition failed",
			"attempt", attempt.ID, "status", attempt.Status, "error", err)
	}
}

func (w *Worker) drain(wg *sync.WaitGroup) {
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(w.cfg.DrainTimeout):
		w.logger.Warn("drain timeout elapsed with deliveries in flight")
	}
}

func (w *Worker) acquire(destID string) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.inflight[destID] {
		return false
	}
	w.inflight[destID] = true
	return true
}

func (w *Worker) release(destID string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	delete(w.inflight, destID)
}
