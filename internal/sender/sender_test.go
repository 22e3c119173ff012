package sender

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"killfeed/internal/queue"
	"killfeed/internal/store"
)

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type fixture struct {
	sender *Sender
	queue  *queue.Queue
	clock  *testClock
}

func newFixture(t *testing.T, url string, setAvatar bool) *fixture {
	t.Helper()
	db, err := store.OpenMemory()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	webhooks := store.NewWebhookRepo(db)
	require.NoError(t, webhooks.Save(store.Webhook{ID: "w1", Name: "test", URL: url, IsEnabled: true}))

	q := queue.New(db.SQL())
	s := New(q, webhooks, store.NewLocks(db), setAvatar)
	clock := &testClock{now: time.Now()}
	s.now = clock.Now
	return &fixture{sender: s, queue: q, clock: clock}
}

func TestSend_EmptyQueue(t *testing.T) {
	f := newFixture(t, "http://127.0.0.1:0", false)
	result, err := f.sender.Send(context.Background(), "w1")
	require.NoError(t, err)
	require.Equal(t, OutcomeEmpty, result.Outcome)
}

func TestSend_UnknownWebhook(t *testing.T) {
	f := newFixture(t, "http://127.0.0.1:0", false)
	result, err := f.sender.Send(context.Background(), "nope")
	require.NoError(t, err)
	require.Equal(t, OutcomeDisabled, result.Outcome)
}

func TestSend_SuccessDrainsFIFO(t *testing.T) {
	var mu sync.Mutex
	var bodies []string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var decoded map[string]string
		json.NewDecoder(r.Body).Decode(&decoded)
		mu.Lock()
		bodies = append(bodies, decoded["n"])
		mu.Unlock()
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	f := newFixture(t, srv.URL, false)
	for _, n := range []string{"1", "2", "3"} {
		require.NoError(t, f.queue.Enqueue("w1", queue.Main, []byte(`{"n":"`+n+`"}`)))
	}

	for i := 0; i < 3; i++ {
		result, err := f.sender.Send(context.Background(), "w1")
		require.NoError(t, err)
		require.Equal(t, OutcomeSent, result.Outcome)
		require.Equal(t, i < 2, result.HasMore)
	}
	require.Equal(t, []string{"1", "2", "3"}, bodies)
}

func TestSend_RateLimitBlocksAndRetains(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.Header().Set("X-RateLimit-Reset-After", "60")
			w.WriteHeader(http.StatusTooManyRequests)
			w.Write([]byte(`{"retry_after": 2000}`))
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	f := newFixture(t, srv.URL, false)
	require.NoError(t, f.queue.Enqueue("w1", queue.Main, []byte(`{}`)))

	start := f.clock.Now()
	result, err := f.sender.Send(context.Background(), "w1")
	require.NoError(t, err)
	require.Equal(t, OutcomeRateLimited, result.Outcome)
	// Header wins over body: 60s, not 2s, plus the safety margin.
	require.Equal(t, start.Add(60*time.Second+rateLimitMargin), result.RetryAt)

	size, err := f.queue.Size("w1", queue.Main)
	require.NoError(t, err)
	require.Equal(t, 1, size, "rate-limited message must survive")

	// Still inside the window: no POST happens.
	result, err = f.sender.Send(context.Background(), "w1")
	require.NoError(t, err)
	require.Equal(t, OutcomeBlocked, result.Outcome)
	require.EqualValues(t, 1, calls.Load())

	// Past blocked_until the message goes out.
	f.clock.Advance(61 * time.Second)
	result, err = f.sender.Send(context.Background(), "w1")
	require.NoError(t, err)
	require.Equal(t, OutcomeSent, result.Outcome)

	size, err = f.queue.Size("w1", queue.Main)
	require.NoError(t, err)
	require.Zero(t, size)
}

func TestSend_RateLimitUsesBodyWhenLarger(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-RateLimit-Reset-After", "1")
		w.WriteHeader(http.StatusTooManyRequests)
		w.Write([]byte(`{"retry_after": 5000}`))
	}))
	defer srv.Close()

	f := newFixture(t, srv.URL, false)
	require.NoError(t, f.queue.Enqueue("w1", queue.Main, []byte(`{}`)))

	start := f.clock.Now()
	result, err := f.sender.Send(context.Background(), "w1")
	require.NoError(t, err)
	require.Equal(t, OutcomeRateLimited, result.Outcome)
	require.Equal(t, start.Add(5*time.Second+rateLimitMargin), result.RetryAt)
}

func TestSend_PoisonMovesToErrorQueue(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	f := newFixture(t, srv.URL, false)
	require.NoError(t, f.queue.Enqueue("w1", queue.Main, []byte(`{"bad":true}`)))

	result, err := f.sender.Send(context.Background(), "w1")
	require.NoError(t, err)
	require.Equal(t, OutcomePoison, result.Outcome)

	mainSize, err := f.queue.Size("w1", queue.Main)
	require.NoError(t, err)
	require.Zero(t, mainSize)

	payload, ok, err := f.queue.Dequeue("w1", queue.Error)
	require.NoError(t, err)
	require.True(t, ok)
	require.JSONEq(t, `{"bad":true}`, string(payload))
}

func TestSend_TransientBacksOffExponentially(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) <= 2 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	f := newFixture(t, srv.URL, false)
	require.NoError(t, f.queue.Enqueue("w1", queue.Main, []byte(`{}`)))

	result, err := f.sender.Send(context.Background(), "w1")
	require.NoError(t, err)
	require.Equal(t, OutcomeTransient, result.Outcome)
	require.Equal(t, time.Second, result.RetryAt.Sub(f.clock.Now()))

	size, err := f.queue.Size("w1", queue.Main)
	require.NoError(t, err)
	require.Equal(t, 1, size, "transient failure re-enqueues")

	result, err = f.sender.Send(context.Background(), "w1")
	require.NoError(t, err)
	require.Equal(t, OutcomeTransient, result.Outcome)
	require.Equal(t, 2*time.Second, result.RetryAt.Sub(f.clock.Now()))

	result, err = f.sender.Send(context.Background(), "w1")
	require.NoError(t, err)
	require.Equal(t, OutcomeSent, result.Outcome)

	// Success resets the backoff counter.
	require.NoError(t, f.queue.Enqueue("w1", queue.Main, []byte(`{}`)))
	calls.Store(1) // next response is another 502
	result, err = f.sender.Send(context.Background(), "w1")
	require.NoError(t, err)
	require.Equal(t, OutcomeTransient, result.Outcome)
	require.Equal(t, time.Second, result.RetryAt.Sub(f.clock.Now()))
}

func TestSend_ProactiveHeaderBlocksAfterSuccess(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-RateLimit-Remaining", "0")
		w.Header().Set("X-RateLimit-Reset-After", "5")
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	f := newFixture(t, srv.URL, false)
	require.NoError(t, f.queue.Enqueue("w1", queue.Main, []byte(`{}`)))
	require.NoError(t, f.queue.Enqueue("w1", queue.Main, []byte(`{}`)))

	result, err := f.sender.Send(context.Background(), "w1")
	require.NoError(t, err)
	require.Equal(t, OutcomeSent, result.Outcome)

	// The bucket is exhausted: the second message waits for the reset.
	result, err = f.sender.Send(context.Background(), "w1")
	require.NoError(t, err)
	require.Equal(t, OutcomeBlocked, result.Outcome)

	f.clock.Advance(6 * time.Second)
	result, err = f.sender.Send(context.Background(), "w1")
	require.NoError(t, err)
	require.Equal(t, OutcomeSent, result.Outcome)
}

func TestSend_DisabledWebhook(t *testing.T) {
	db, err := store.OpenMemory()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	webhooks := store.NewWebhookRepo(db)
	require.NoError(t, webhooks.Save(store.Webhook{ID: "w1", URL: "http://127.0.0.1:0", IsEnabled: false}))
	q := queue.New(db.SQL())
	require.NoError(t, q.Enqueue("w1", queue.Main, []byte(`{}`)))

	s := New(q, webhooks, store.NewLocks(db), false)
	result, err := s.Send(context.Background(), "w1")
	require.NoError(t, err)
	require.Equal(t, OutcomeDisabled, result.Outcome)

	size, err := q.Size("w1", queue.Main)
	require.NoError(t, err)
	require.Equal(t, 1, size, "disabled webhook never dequeues")
}

func TestSend_SingleFlightPerWebhook(t *testing.T) {
	var inflight, maxInflight, total atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		cur := inflight.Add(1)
		for {
			prev := maxInflight.Load()
			if cur <= prev || maxInflight.CompareAndSwap(prev, cur) {
				break
			}
		}
		time.Sleep(50 * time.Millisecond)
		inflight.Add(-1)
		total.Add(1)
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	f := newFixture(t, srv.URL, false)
	for i := 0; i < 4; i++ {
		require.NoError(t, f.queue.Enqueue("w1", queue.Main, []byte(`{}`)))
	}

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.sender.Send(context.Background(), "w1")
			require.NoError(t, err)
		}()
	}
	wg.Wait()

	require.LessOrEqual(t, maxInflight.Load(), int32(1), "no two concurrent POSTs for the same webhook")
}

func TestStampIdentity(t *testing.T) {
	out := stampIdentity([]byte(`{"content":"hi","embeds":[]}`))
	var decoded map[string]json.RawMessage
	require.NoError(t, json.Unmarshal(out, &decoded))
	require.Contains(t, decoded, "username")
	require.Contains(t, decoded, "avatar_url")
	require.JSONEq(t, `"hi"`, string(decoded["content"]))

	garbage := []byte(`not json`)
	require.Equal(t, garbage, stampIdentity(garbage))
}

func TestSend_StampsIdentityWhenConfigured(t *testing.T) {
	var got map[string]interface{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewDecoder(r.Body).Decode(&got)
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	f := newFixture(t, srv.URL, true)
	require.NoError(t, f.queue.Enqueue("w1", queue.Main, []byte(`{"content":"x"}`)))

	result, err := f.sender.Send(context.Background(), "w1")
	require.NoError(t, err)
	require.Equal(t, OutcomeSent, result.Outcome)
	require.Equal(t, botUsername, got["username"])
}
