package killfeed

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"time"

	"killfeed/internal/format"
	"killfeed/internal/killmail"
	"killfeed/internal/logger"
	"killfeed/internal/queue"
	"killfeed/internal/sender"
	"killfeed/internal/tracker"
)

// ingestOnce runs exactly one ingest cycle. Lock contention and a clean
// end-of-run both exit 0; only a bootstrap failure (lock storage itself
// erroring) is non-zero.
func (a *app) ingestOnce() int {
	ctx, cancel := context.WithTimeout(context.Background(), a.cfg.TasksTimeout)
	defer cancel()

	if err := a.orch.RunIngest(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	return 0
}

// purgeStale deletes archived killmails past the configured retention.
func (a *app) purgeStale() int {
	ctx, cancel := context.WithTimeout(context.Background(), a.cfg.TasksTimeout)
	defer cancel()

	if err := a.orch.PurgeStale(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	return 0
}

// sendTest enqueues a single message to webhookID and drains it once, for
// verifying a webhook is reachable and correctly configured. With a
// killmail ID it fetches and renders the real thing; without one it sends
// a synthetic connectivity-check message.
func (a *app) sendTest(args []string) int {
	if len(args) == 0 {
		fmt.Fprintln(os.Stderr, "usage: killfeed send-test WEBHOOK_ID [KILLMAIL_ID]")
		return 2
	}
	webhookID := args[0]
	ctx, cancel := context.WithTimeout(context.Background(), a.cfg.TasksTimeout)
	defer cancel()

	_, found, err := a.webhooks.Get(webhookID)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	if !found {
		fmt.Fprintf(os.Stderr, "unknown webhook %q\n", webhookID)
		return 1
	}

	var payload []byte
	if len(args) >= 2 {
		killmailID, err := strconv.ParseInt(args[1], 10, 64)
		if err != nil {
			fmt.Fprintf(os.Stderr, "invalid killmail ID %q: %v\n", args[1], err)
			return 2
		}
		km, err := a.orch.FetchByID(ctx, killmailID)
		if err != nil {
			fmt.Fprintln(os.Stderr, err)
			return 1
		}
		payload, err = a.renderTest(km, webhookID)
		if err != nil {
			fmt.Fprintln(os.Stderr, err)
			return 1
		}
	} else {
		payload, err = a.renderTest(syntheticKillmail(), webhookID)
		if err != nil {
			fmt.Fprintln(os.Stderr, err)
			return 1
		}
	}

	if err := a.queue.Enqueue(webhookID, queue.Main, payload); err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}

	result, err := a.orch.DrainOnce(ctx, webhookID)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	logger.Info("SEND-TEST", fmt.Sprintf("webhook %s: outcome=%d", webhookID, result.Outcome))
	if result.Outcome == sender.OutcomeSent {
		return 0
	}
	return 1
}

func (a *app) renderTest(km killmail.Killmail, webhookID string) ([]byte, error) {
	t := tracker.Tracker{
		ID:            "send-test",
		Name:          "connectivity check",
		Enabled:       true,
		Webhook:       webhookID,
		IsPostingName: true,
	}
	return format.Render(km, t, a.uni, a.names, nil)
}

// syntheticKillmail is a minimal, self-contained killmail used when
// send-test is called with no historical killmail ID.
func syntheticKillmail() killmail.Killmail {
	return killmail.Killmail{
		ID:   0,
		Time: time.Now().UTC(),
		Victim: killmail.Victim{
			Party:       killmail.Party{ShipTypeID: 670},
			DamageTaken: 1,
		},
		Attackers: []killmail.Attacker{
			{Party: killmail.Party{}, DamageDone: 1, IsFinalBlow: true},
		},
		ZKB: killmail.ZKB{TotalValue: 0},
	}
}
