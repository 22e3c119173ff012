// Package sender implements the rate-limit-aware webhook POST: single-flight
// per webhook, local (blocked_until) and proactive (X-RateLimit-*)
// rate-limit handling, and the 200/429/4xx/5xx state machine. Per-webhook
// mutual exclusion is golang.org/x/sync/singleflight layered over the
// durable store.Locks TTL lock so the guarantee holds across process
// restarts, not just within one process.
package sender

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/singleflight"

	"killfeed/internal/logger"
	"killfeed/internal/queue"
	"killfeed/internal/store"
)

const (
	backoffBase = time.Second
	backoffCap  = 60 * time.Second
	// rateLimitMargin is added on top of the max(retry_after, reset_after)
	// duration reported by the provider, a small safety buffer against clock
	// skew between this process and the provider.
	rateLimitMargin = 500 * time.Millisecond
	// sendLockTTL must exceed the maximum 429 reset_after a provider may
	// send; Discord's documented ceiling is well under this.
	sendLockTTL = 5 * time.Minute
)

// Outcome classifies what a Send call observed, for callers (the
// orchestrator) deciding whether and when to reschedule.
type Outcome int

const (
	// OutcomeEmpty means main_queue was empty; nothing to do.
	OutcomeEmpty Outcome = iota
	// OutcomeDisabled means the webhook is unknown or not enabled.
	OutcomeDisabled
	// OutcomeBlocked means blocked_until is still in the future, or another
	// holder currently owns the per-webhook send lock.
	OutcomeBlocked
	// OutcomeSent means the POST succeeded (200/204).
	OutcomeSent
	// OutcomeRateLimited means the provider returned 429.
	OutcomeRateLimited
	// OutcomePoison means the provider returned a non-429 4xx; the message
	// was moved to error_queue and will not be retried automatically.
	OutcomePoison
	// OutcomeTransient means a 5xx or network failure; the message was
	// re-enqueued and a short exponential backoff applies.
	OutcomeTransient
)

// Result reports what Send did and, for outcomes other than Empty/Disabled,
// when (and whether) the caller should reschedule.
type Result struct {
	Outcome Outcome
	RetryAt time.Time
	// HasMore is set on Sent/Poison when main_queue still has items, so the
	// orchestrator can reschedule immediately instead of starving other
	// webhooks behind a busy one.
	HasMore bool
}

// Sender drains one webhook's main_queue under single-flight and
// rate-limit discipline.
type Sender struct {
	http      *http.Client
	queue     *queue.Queue
	webhooks  *store.WebhookRepo
	locks     *store.Locks
	sf        singleflight.Group
	setAvatar bool

	backoffMu sync.Mutex
	backoff   map[string]int

	now func() time.Time
}

// New builds a Sender. setAvatar mirrors the WEBHOOK_SET_AVATAR config flag:
// when true, outbound payloads get a fixed bot identity stamped in before
// POSTing.
func New(q *queue.Queue, webhooks *store.WebhookRepo, locks *store.Locks, setAvatar bool) *Sender {
	transport := &http.Transport{
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSClientConfig:     &tls.Config{MinVersion: tls.VersionTLS12},
		TLSHandshakeTimeout: 10 * time.Second,
		MaxIdleConns:        100,
		MaxIdleConnsPerHost: 20,
		IdleConnTimeout:     90 * time.Second,
	}
	return &Sender{
		http:      &http.Client{Timeout: 30 * time.Second, Transport: transport},
		queue:     q,
		webhooks:  webhooks,
		locks:     locks,
		setAvatar: setAvatar,
		backoff:   make(map[string]int),
		now:       time.Now,
	}
}

// Send drains at most one message from webhookID's main_queue. It is safe
// to call concurrently for the same
// webhook from multiple goroutines/processes: singleflight collapses
// concurrent in-process callers, and the durable send lock rejects
// concurrent out-of-process callers.
func (s *Sender) Send(ctx context.Context, webhookID string) (Result, error) {
	v, err, _ := s.sf.Do(webhookID, func() (interface{}, error) {
		return s.sendOnce(ctx, webhookID)
	})
	if err != nil {
		return Result{}, err
	}
	return v.(Result), nil
}

func (s *Sender) sendOnce(ctx context.Context, webhookID string) (Result, error) {
	holder := uuid.NewString()
	acquired, err := s.locks.Acquire("send:"+webhookID, holder, sendLockTTL)
	if err != nil {
		return Result{}, fmt.Errorf("acquire send lock %s: %w", webhookID, err)
	}
	if !acquired {
		return Result{Outcome: OutcomeBlocked}, nil
	}
	defer s.locks.Release("send:"+webhookID, holder)

	w, found, err := s.webhooks.Get(webhookID)
	if err != nil {
		return Result{}, err
	}
	if !found || !w.IsEnabled {
		return Result{Outcome: OutcomeDisabled}, nil
	}

	if until, blocked, err := s.webhooks.BlockedUntil(webhookID); err == nil && blocked {
		if until.After(s.now()) {
			return Result{Outcome: OutcomeBlocked, RetryAt: until}, nil
		}
		s.webhooks.ClearBlockedUntil(webhookID)
	}

	payload, ok, err := s.queue.Dequeue(webhookID, queue.Main)
	if err != nil {
		return Result{}, err
	}
	if !ok {
		return Result{Outcome: OutcomeEmpty}, nil
	}

	body := payload
	if s.setAvatar {
		body = stampIdentity(payload)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.URL, bytes.NewReader(body))
	if err != nil {
		return Result{}, fmt.Errorf("build request for %s: %w", webhookID, err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.http.Do(req)
	if err != nil {
		logger.Warn("SENDER", fmt.Sprintf("webhook %s: network error: %v", webhookID, err))
		return s.transient(webhookID, payload), nil
	}
	defer resp.Body.Close()
	respBody, _ := io.ReadAll(resp.Body)

	switch {
	case resp.StatusCode == 200 || resp.StatusCode == 204:
		return s.succeed(webhookID, resp.Header)
	case resp.StatusCode == http.StatusTooManyRequests:
		return s.rateLimit(webhookID, payload, respBody, resp.Header), nil
	case resp.StatusCode >= 400 && resp.StatusCode < 500:
		logger.Warn("SENDER", fmt.Sprintf("webhook %s: poison message, HTTP %d", webhookID, resp.StatusCode))
		if err := s.queue.Enqueue(webhookID, queue.Error, payload); err != nil {
			return Result{}, err
		}
		size, _ := s.queue.Size(webhookID, queue.Main)
		return Result{Outcome: OutcomePoison, HasMore: size > 0}, nil
	default:
		logger.Warn("SENDER", fmt.Sprintf("webhook %s: transient HTTP %d", webhookID, resp.StatusCode))
		return s.transient(webhookID, payload), nil
	}
}

func (s *Sender) succeed(webhookID string, header http.Header) (Result, error) {
	s.resetBackoff(webhookID)

	if remaining, ok := parseIntHeader(header, "X-RateLimit-Remaining"); ok && remaining <= 0 {
		if resetAfter, ok := parseFloatHeader(header, "X-RateLimit-Reset-After"); ok {
			until := s.now().Add(time.Duration(resetAfter * float64(time.Second)))
			if err := s.webhooks.SetBlockedUntil(webhookID, until); err != nil {
				return Result{}, err
			}
		}
	}

	size, err := s.queue.Size(webhookID, queue.Main)
	if err != nil {
		return Result{}, err
	}
	return Result{Outcome: OutcomeSent, HasMore: size > 0}, nil
}

func (s *Sender) rateLimit(webhookID string, payload, respBody []byte, header http.Header) Result {
	var decoded struct {
		RetryAfter float64 `json:"retry_after"`
	}
	json.Unmarshal(respBody, &decoded)
	waitFromBody := time.Duration(decoded.RetryAfter) * time.Millisecond

	var waitFromHeader time.Duration
	if resetAfter, ok := parseFloatHeader(header, "X-RateLimit-Reset-After"); ok {
		waitFromHeader = time.Duration(resetAfter * float64(time.Second))
	}

	wait := waitFromBody
	if waitFromHeader > wait {
		wait = waitFromHeader
	}
	until := s.now().Add(wait + rateLimitMargin)

	s.webhooks.SetBlockedUntil(webhookID, until)
	// Re-enqueue at the head: preserves delivery order across the retry
	// instead of letting newer messages jump ahead.
	s.queue.EnqueueFront(webhookID, queue.Main, payload)

	return Result{Outcome: OutcomeRateLimited, RetryAt: until}
}

func (s *Sender) transient(webhookID string, payload []byte) Result {
	attempt := s.bumpBackoff(webhookID)
	wait := backoffBase * time.Duration(1<<uint(attempt-1))
	if wait > backoffCap {
		wait = backoffCap
	}
	until := s.now().Add(wait)

	s.queue.EnqueueFront(webhookID, queue.Main, payload)

	return Result{Outcome: OutcomeTransient, RetryAt: until}
}

func (s *Sender) bumpBackoff(webhookID string) int {
	s.backoffMu.Lock()
	defer s.backoffMu.Unlock()
	s.backoff[webhookID]++
	return s.backoff[webhookID]
}

func (s *Sender) resetBackoff(webhookID string) {
	s.backoffMu.Lock()
	defer s.backoffMu.Unlock()
	delete(s.backoff, webhookID)
}

func parseIntHeader(h http.Header, name string) (int, bool) {
	v := h.Get(name)
	if v == "" {
		return 0, false
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, false
	}
	return n, true
}

func parseFloatHeader(h http.Header, name string) (float64, bool) {
	v := h.Get(name)
	if v == "" {
		return 0, false
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return 0, false
	}
	return f, true
}

// botUsername and botAvatarURL are the fixed identity stamped onto outbound
// payloads when WEBHOOK_SET_AVATAR is enabled; Discord falls back to the
// webhook's own configured name/avatar when these are omitted.
const (
	botUsername  = "killfeed"
	botAvatarURL = "https://zkillboard.com/img/wreck.png"
)

// stampIdentity adds username/avatar_url to an already-rendered payload
// without touching content/embeds, tolerating a decode failure by returning
// the payload unchanged (the message still sends; it just keeps the
// webhook's default identity).
func stampIdentity(payload []byte) []byte {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(payload, &fields); err != nil {
		return payload
	}
	username, _ := json.Marshal(botUsername)
	avatar, _ := json.Marshal(botAvatarURL)
	fields["username"] = username
	fields["avatar_url"] = avatar
	out, err := json.Marshal(fields)
	if err != nil {
		return payload
	}
	return out
}
