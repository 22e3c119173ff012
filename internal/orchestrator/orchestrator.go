// Package orchestrator binds the pipeline stages together: it owns the
// ingest loop, fans each received killmail out to every enabled tracker,
// renders matches onto the owning webhook's queue, and drives the sender.
// There is no implicit pub/sub; every step below is an explicit call.
package orchestrator

import (
	"context"
	"fmt"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"killfeed/internal/config"
	"killfeed/internal/entity"
	"killfeed/internal/format"
	"killfeed/internal/killmail"
	"killfeed/internal/logger"
	"killfeed/internal/queue"
	"killfeed/internal/sender"
	"killfeed/internal/store"
	"killfeed/internal/tracker"
	"killfeed/internal/universe"
)

const ingestLockName = "ingest"

// Orchestrator wires every pipeline component into the four operations
// cmd/killfeed drives: RunIngest, RunTracker, SendWebhook, PurgeStale.
type Orchestrator struct {
	cfg *config.Config

	trackers *store.TrackerRepo
	webhooks *store.WebhookRepo
	queue    *queue.Queue
	archive  *store.KillmailArchive
	locks    *store.Locks
	sender   *sender.Sender

	uni     universe.Resolver
	states  tracker.StateLookup
	entities *entity.Resolver
	names   format.NameResolver

	groupToRole format.GroupToRole

	ingestHTTP *http.Client
	holder     string

	fanOutLimit int
}

// Deps groups the collaborators New needs; everything here is constructed
// by cmd/killfeed and handed in so the orchestrator never reaches for a
// global.
type Deps struct {
	Config      *config.Config
	Trackers    *store.TrackerRepo
	Webhooks    *store.WebhookRepo
	Queue       *queue.Queue
	Archive     *store.KillmailArchive
	Locks       *store.Locks
	Sender      *sender.Sender
	Universe    universe.Resolver
	States      tracker.StateLookup
	Entities    *entity.Resolver
	GroupToRole format.GroupToRole
	FanOutLimit int
}

// New builds an Orchestrator. A nil GroupToRole falls back to
// identityGroupToRole.
func New(d Deps) *Orchestrator {
	gtr := d.GroupToRole
	if gtr == nil {
		gtr = identityGroupToRole
	}
	limit := d.FanOutLimit
	if limit <= 0 {
		limit = 16
	}
	return &Orchestrator{
		cfg:         d.Config,
		trackers:    d.Trackers,
		webhooks:    d.Webhooks,
		queue:       d.Queue,
		archive:     d.Archive,
		locks:       d.Locks,
		sender:      d.Sender,
		uni:         d.Universe,
		states:      d.States,
		entities:    d.Entities,
		names:       newEntityNames(d.Entities),
		groupToRole: gtr,
		ingestHTTP:  newIngestHTTPClient(d.Config.RequestTimeout),
		holder:      uuid.NewString(),
		fanOutLimit: limit,
	}
}

// RunIngest runs one ingest cycle: acquires the fleet-wide ingest.lock
// (returning immediately, without error, on contention), then polls
// upstream in sequence until a termination condition fires, fanning each
// received killmail out to every enabled tracker and, if enabled,
// archiving it.
func (o *Orchestrator) RunIngest(ctx context.Context) error {
	ttl := o.cfg.MaxDurationPerRun + 10*time.Second
	acquired, err := o.locks.Acquire(ingestLockName, o.holder, ttl)
	if err != nil {
		return fmt.Errorf("acquire ingest lock: %w", err)
	}
	if !acquired {
		logger.Info("INGEST", "another run holds ingest.lock, skipping")
		return nil
	}
	defer o.locks.Release(ingestLockName, o.holder)

	o.resetFailedMessages()

	deadline := time.Now().Add(o.cfg.MaxDurationPerRun)
	received := 0
	var matched atomic.Int64

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(o.fanOutLimit)

	for received < o.cfg.MaxKillmailsPerRun && time.Now().Before(deadline) {
		reqCtx, cancel := context.WithTimeout(ctx, o.cfg.RequestTimeout)
		result := o.poll(reqCtx)
		cancel()

		if result.EndOfRun {
			break
		}
		if result.Killmail == nil {
			continue
		}

		received++
		km := *result.Killmail
		raw, err := km.ToJSON()
		if err != nil {
			logger.Warn("INGEST", fmt.Sprintf("encode killmail %d: %v", km.ID, err))
			continue
		}

		enabled, err := o.trackers.ListEnabled()
		if err != nil {
			logger.Error("INGEST", fmt.Sprintf("list enabled trackers: %v", err))
		}
		for _, t := range enabled {
			trackerID := t.ID
			g.Go(func() error {
				if o.RunTracker(gctx, trackerID, raw) {
					matched.Add(1)
				}
				return nil
			})
		}

		if o.cfg.StoringKillmailsEnabled {
			if err := o.archive.Store(km.ID, raw); err != nil {
				logger.Warn("INGEST", fmt.Sprintf("persist killmail %d: %v", km.ID, err))
			}
		}
	}

	g.Wait()

	logger.Section("ingest run")
	logger.Stats("received", received)
	logger.Stats("matched", int(matched.Load()))
	return nil
}

// resetFailedMessages gives every enabled webhook's error_queue one more
// try at the start of the run.
func (o *Orchestrator) resetFailedMessages() {
	webhooks, err := o.webhooks.ListEnabled()
	if err != nil {
		logger.Warn("INGEST", fmt.Sprintf("list enabled webhooks: %v", err))
		return
	}
	for _, w := range webhooks {
		if _, err := o.queue.ResetFailedMessages(w.ID); err != nil {
			logger.Warn("INGEST", fmt.Sprintf("reset failed messages for %s: %v", w.ID, err))
		}
	}
}

// RunTracker loads tracker trackerID, evaluates it against the killmail
// encoded in kmJSON, and on match renders and enqueues a message, then
// kicks the webhook's sender. Returns whether the tracker matched, for the
// caller's own bookkeeping; evaluator/formatter/queue failures are logged
// and swallowed so no error ever escapes to the scheduler layer.
func (o *Orchestrator) RunTracker(ctx context.Context, trackerID string, kmJSON []byte) bool {
	km, err := killmail.FromJSON(kmJSON)
	if err != nil {
		logger.Warn("TRACKER", fmt.Sprintf("decode killmail for tracker %s: %v", trackerID, err))
		return false
	}

	t, found, err := o.trackers.Get(trackerID)
	if err != nil {
		logger.Warn("TRACKER", fmt.Sprintf("load tracker %s: %v", trackerID, err))
		return false
	}
	if !found || !t.Enabled {
		return false
	}

	if o.entities != nil {
		o.entities.Warm(km.EntityIDs())
	}

	matched := tracker.Evaluate(t, km, o.uni, o.states, time.Now(), tracker.Options{
		FleetThreshold: o.cfg.FleetSizeThreshold,
		MaxAge:         o.cfg.KillmailMaxAgeForTracker,
	})
	if matched == nil {
		return false
	}

	payload, err := format.Render(*matched, t, o.uni, o.names, o.groupToRole)
	if err != nil {
		logger.Warn("TRACKER", fmt.Sprintf("render match for tracker %s: %v", trackerID, err))
		return false
	}

	if err := o.queue.Enqueue(t.Webhook, queue.Main, payload); err != nil {
		logger.Error("TRACKER", fmt.Sprintf("enqueue to webhook %s: %v", t.Webhook, err))
		return false
	}

	go o.SendWebhook(context.Background(), t.Webhook)
	return true
}

// SendWebhook drains webhookID's main_queue, rescheduling
// itself (immediately on a successful drain with more items queued, or at
// the computed retry instant on rate-limit/transient failure) until the
// queue is empty or the webhook is blocked/disabled.
func (o *Orchestrator) SendWebhook(ctx context.Context, webhookID string) error {
	result, err := o.sender.Send(ctx, webhookID)
	if err != nil {
		logger.Error("SENDER", fmt.Sprintf("webhook %s: %v", webhookID, err))
		return err
	}

	switch result.Outcome {
	case sender.OutcomeSent, sender.OutcomePoison:
		if result.HasMore {
			go o.SendWebhook(context.Background(), webhookID)
		}
	case sender.OutcomeRateLimited, sender.OutcomeTransient, sender.OutcomeBlocked:
		if !result.RetryAt.IsZero() {
			o.scheduleRetry(webhookID, result.RetryAt)
		}
	}
	return nil
}

// DrainOnce issues exactly one sender.Send call for webhookID without
// scheduling a retry, used by the `send-test` operator command, which
// drains the queue exactly once.
func (o *Orchestrator) DrainOnce(ctx context.Context, webhookID string) (sender.Result, error) {
	return o.sender.Send(ctx, webhookID)
}

func (o *Orchestrator) scheduleRetry(webhookID string, at time.Time) {
	delay := time.Until(at)
	if delay < 0 {
		delay = 0
	}
	time.AfterFunc(delay, func() {
		o.SendWebhook(context.Background(), webhookID)
	})
}

// PurgeStale deletes archived killmails older than the configured retention
// (PURGE_KILLMAILS_AFTER_DAYS; 0 disables).
func (o *Orchestrator) PurgeStale(ctx context.Context) error {
	n, err := o.archive.PurgeOlderThan(o.cfg.PurgeKillmailsAfterDays)
	if err != nil {
		return fmt.Errorf("purge stale: %w", err)
	}
	if n > 0 {
		logger.Info("PURGE", fmt.Sprintf("removed %d stale archived killmails", n))
	}
	return nil
}
