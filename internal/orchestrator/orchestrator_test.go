package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"killfeed/internal/config"
	"killfeed/internal/entity"
	"killfeed/internal/killmail"
	"killfeed/internal/queue"
	"killfeed/internal/sender"
	"killfeed/internal/store"
	"killfeed/internal/tracker"
	"killfeed/internal/universe"
)

type fakeUniverse struct {
	systems map[int64]universe.SystemInfo
}

func (f *fakeUniverse) SolarSystem(id int64) (universe.SystemInfo, bool) {
	s, ok := f.systems[id]
	return s, ok
}
func (f *fakeUniverse) Route(origin, dest int64) (int, bool)          { return 0, false }
func (f *fakeUniverse) DistanceLY(origin, dest int64) (float64, bool) { return 0, false }
func (f *fakeUniverse) ShipType(id int64) (universe.ShipTypeInfo, bool) {
	return universe.ShipTypeInfo{}, false
}
func (f *fakeUniverse) ShipGroupName(id int64) (string, bool) { return "", false }

type noStates struct{}

func (noStates) State(characterID int64) (string, bool) { return "", false }

func testConfig(upstreamURL string) *config.Config {
	cfg := config.Default()
	cfg.UpstreamURL = upstreamURL
	cfg.RequestTimeout = 2 * time.Second
	cfg.MaxKillmailsPerRun = 50
	cfg.MaxDurationPerRun = 10 * time.Second
	return cfg
}

// upstreamFeed serves each queued package once, then reports idle.
type upstreamFeed struct {
	mu       sync.Mutex
	packages []string
	requests atomic.Int32
}

func (u *upstreamFeed) handler(w http.ResponseWriter, r *http.Request) {
	u.requests.Add(1)
	u.mu.Lock()
	var pkg string
	if len(u.packages) > 0 {
		pkg = u.packages[0]
		u.packages = u.packages[1:]
	}
	u.mu.Unlock()

	w.Header().Set("Content-Type", "application/json")
	if pkg == "" {
		fmt.Fprint(w, `{"package": null}`)
		return
	}
	fmt.Fprintf(w, `{"package": %s}`, pkg)
}

func upstreamPackage(killID, solarSystemID int64) string {
	return fmt.Sprintf(`{
		"killID": %d,
		"killmail": {
			"killmail_id": %d,
			"killmail_time": %q,
			"solar_system_id": %d,
			"victim": {"character_id": 100, "corporation_id": 200, "ship_type_id": 587, "damage_taken": 1000},
			"attackers": [{"character_id": 300, "corporation_id": 400, "ship_type_id": 11567, "damage_done": 1000, "final_blow": true}]
		},
		"zkb": {"hash": "h", "totalValue": 1000000}
	}`, killID, killID, time.Now().UTC().Format(time.RFC3339), solarSystemID)
}

type harness struct {
	orch  *Orchestrator
	queue *queue.Queue
	locks *store.Locks
}

func newHarness(t *testing.T, cfg *config.Config, uni universe.Resolver, trackers []tracker.Tracker) *harness {
	t.Helper()
	db, err := store.OpenMemory()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	trackerRepo := store.NewTrackerRepo(db)
	for _, trk := range trackers {
		require.NoError(t, trackerRepo.Save(trk))
	}
	webhooks := store.NewWebhookRepo(db)
	// Disabled so the sender never drains what the run enqueues; the tests
	// inspect the queue directly.
	require.NoError(t, webhooks.Save(store.Webhook{ID: "w1", URL: "http://127.0.0.1:0", IsEnabled: false}))

	locks := store.NewLocks(db)
	q := queue.New(db.SQL())
	snd := sender.New(q, webhooks, locks, false)

	orch := New(Deps{
		Config:      cfg,
		Trackers:    trackerRepo,
		Webhooks:    webhooks,
		Queue:       q,
		Archive:     store.NewKillmailArchive(db),
		Locks:       locks,
		Sender:      snd,
		Universe:    uni,
		States:      noStates{},
		Entities:    entity.NewResolver(nil),
		FanOutLimit: 1,
	})
	return &harness{orch: orch, queue: q, locks: locks}
}

func TestRunIngest_SecClassFilterAndFIFO(t *testing.T) {
	feed := &upstreamFeed{packages: []string{
		upstreamPackage(10000001, 30000001), // lowsec
		upstreamPackage(10000002, 30000002), // highsec
		upstreamPackage(10000003, 30000003), // nullsec
	}}
	srv := httptest.NewServer(http.HandlerFunc(feed.handler))
	defer srv.Close()

	uni := &fakeUniverse{systems: map[int64]universe.SystemInfo{
		30000001: {SecurityClass: universe.Low},
		30000002: {SecurityClass: universe.High},
		30000003: {SecurityClass: universe.Null},
	}}
	h := newHarness(t, testConfig(srv.URL), uni, []tracker.Tracker{{
		ID:             "t1",
		Name:           "no-null",
		Enabled:        true,
		Webhook:        "w1",
		ExcludeNullSec: true,
		ExcludeWSpace:  true,
	}})

	require.NoError(t, h.orch.RunIngest(context.Background()))

	size, err := h.queue.Size("w1", queue.Main)
	require.NoError(t, err)
	require.Equal(t, 2, size)

	first, ok, err := h.queue.Dequeue("w1", queue.Main)
	require.NoError(t, err)
	require.True(t, ok)
	require.Contains(t, string(first), "zkillboard.com/kill/10000001/")

	second, ok, err := h.queue.Dequeue("w1", queue.Main)
	require.NoError(t, err)
	require.True(t, ok)
	require.Contains(t, string(second), "zkillboard.com/kill/10000002/")
}

func TestRunIngest_DisabledTrackerNeverMatches(t *testing.T) {
	feed := &upstreamFeed{packages: []string{upstreamPackage(10000001, 30000001)}}
	srv := httptest.NewServer(http.HandlerFunc(feed.handler))
	defer srv.Close()

	uni := &fakeUniverse{systems: map[int64]universe.SystemInfo{
		30000001: {SecurityClass: universe.Low},
	}}
	h := newHarness(t, testConfig(srv.URL), uni, []tracker.Tracker{{
		ID: "t1", Name: "off", Enabled: false, Webhook: "w1",
	}})

	require.NoError(t, h.orch.RunIngest(context.Background()))

	size, err := h.queue.Size("w1", queue.Main)
	require.NoError(t, err)
	require.Zero(t, size)
}

func TestRunIngest_LockContentionSkipsRun(t *testing.T) {
	feed := &upstreamFeed{packages: []string{upstreamPackage(10000001, 30000001)}}
	srv := httptest.NewServer(http.HandlerFunc(feed.handler))
	defer srv.Close()

	h := newHarness(t, testConfig(srv.URL), &fakeUniverse{}, nil)

	ok, err := h.locks.Acquire("ingest", "someone-else", time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	require.NoError(t, h.orch.RunIngest(context.Background()))
	require.Zero(t, feed.requests.Load(), "a contended run must not touch upstream")
}

func TestRunIngest_EndsOnIdlePackage(t *testing.T) {
	feed := &upstreamFeed{}
	srv := httptest.NewServer(http.HandlerFunc(feed.handler))
	defer srv.Close()

	h := newHarness(t, testConfig(srv.URL), &fakeUniverse{}, nil)
	require.NoError(t, h.orch.RunIngest(context.Background()))
	require.EqualValues(t, 1, feed.requests.Load())
}

func TestRunIngest_Upstream429EndsRun(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
		fmt.Fprint(w, "<html>banned</html>")
	}))
	defer srv.Close()

	h := newHarness(t, testConfig(srv.URL), &fakeUniverse{}, nil)
	require.NoError(t, h.orch.RunIngest(context.Background()))
}

func TestRunIngest_NonJSONBodyEndsRun(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, "<html>maintenance</html>")
	}))
	defer srv.Close()

	h := newHarness(t, testConfig(srv.URL), &fakeUniverse{}, nil)
	require.NoError(t, h.orch.RunIngest(context.Background()))
}

func TestRunIngest_MalformedKillmailIsSkippedNotFatal(t *testing.T) {
	feed := &upstreamFeed{packages: []string{
		// No attackers: discarded, run continues.
		fmt.Sprintf(`{"killID": 1, "killmail": {"killmail_id": 1, "killmail_time": %q, "victim": {}, "attackers": []}, "zkb": {"hash": "h"}}`,
			time.Now().UTC().Format(time.RFC3339)),
		upstreamPackage(10000001, 30000001),
	}}
	srv := httptest.NewServer(http.HandlerFunc(feed.handler))
	defer srv.Close()

	uni := &fakeUniverse{systems: map[int64]universe.SystemInfo{
		30000001: {SecurityClass: universe.Low},
	}}
	h := newHarness(t, testConfig(srv.URL), uni, []tracker.Tracker{{
		ID: "t1", Name: "all", Enabled: true, Webhook: "w1",
	}})

	require.NoError(t, h.orch.RunIngest(context.Background()))

	size, err := h.queue.Size("w1", queue.Main)
	require.NoError(t, err)
	require.Equal(t, 1, size, "the well-formed killmail after the malformed one still flows")
}

func TestRunTracker_MatchEnqueuesAndUnknownTrackerDoesNot(t *testing.T) {
	h := newHarness(t, testConfig("http://127.0.0.1:0"), &fakeUniverse{}, []tracker.Tracker{{
		ID: "t1", Name: "all", Enabled: true, Webhook: "w1",
	}})

	ssid := int64(30000001)
	km := killmail.Killmail{
		ID:            42,
		Time:          time.Now().UTC(),
		SolarSystemID: &ssid,
		Victim:        killmail.Victim{Party: killmail.Party{ShipTypeID: 587}},
		Attackers:     []killmail.Attacker{{Party: killmail.Party{CharacterID: 1}, IsFinalBlow: true}},
	}
	raw, err := km.ToJSON()
	require.NoError(t, err)

	require.True(t, h.orch.RunTracker(context.Background(), "t1", raw))
	require.False(t, h.orch.RunTracker(context.Background(), "missing", raw))

	size, err := h.queue.Size("w1", queue.Main)
	require.NoError(t, err)
	require.Equal(t, 1, size)
}

func TestFetchByID_ComposesPointLookup(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/killID/123/", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `[{"zkb": {"locationID": 50001234, "hash": "abc123", "fittedValue": 900000.5, "totalValue": 2500000.75, "points": 7, "npc": true, "solo": false, "awox": false}}]`)
	})
	mux.HandleFunc("/killmails/123/abc123/", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintf(w, `{
			"killmail_id": 123,
			"killmail_time": %q,
			"solar_system_id": 30000142,
			"victim": {"character_id": 100, "ship_type_id": 587, "damage_taken": 500},
			"attackers": [{"character_id": 300, "damage_done": 500, "final_blow": true}]
		}`, time.Now().UTC().Format(time.RFC3339))
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	cfg := testConfig("http://127.0.0.1:0")
	cfg.ZKBBase = srv.URL
	cfg.ESIBase = srv.URL
	h := newHarness(t, cfg, &fakeUniverse{}, nil)

	km, err := h.orch.FetchByID(context.Background(), 123)
	require.NoError(t, err)
	require.EqualValues(t, 123, km.ID)
	require.Equal(t, "abc123", km.ZKB.Hash)
	require.Len(t, km.Attackers, 1)
	// The thin lookup's zkb record survives composition in full, not just
	// the hash.
	require.Equal(t, 2500000.75, km.ZKB.TotalValue)
	require.Equal(t, 900000.5, km.ZKB.FittedValue)
	require.EqualValues(t, 50001234, km.ZKB.LocationID)
	require.Equal(t, 7, km.ZKB.Points)
	require.True(t, km.ZKB.IsNPC)
}

func TestFetchByID_MissingHash(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `[]`)
	}))
	defer srv.Close()

	cfg := testConfig("http://127.0.0.1:0")
	cfg.ZKBBase = srv.URL
	cfg.ESIBase = srv.URL
	h := newHarness(t, cfg, &fakeUniverse{}, nil)

	_, err := h.orch.FetchByID(context.Background(), 123)
	require.Error(t, err)
}

func TestRunIngest_ArchivesWhenEnabled(t *testing.T) {
	feed := &upstreamFeed{packages: []string{upstreamPackage(10000001, 30000001)}}
	srv := httptest.NewServer(http.HandlerFunc(feed.handler))
	defer srv.Close()

	cfg := testConfig(srv.URL)
	cfg.StoringKillmailsEnabled = true

	db, err := store.OpenMemory()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	archive := store.NewKillmailArchive(db)
	locks := store.NewLocks(db)
	q := queue.New(db.SQL())
	webhooks := store.NewWebhookRepo(db)
	orch := New(Deps{
		Config:   cfg,
		Trackers: store.NewTrackerRepo(db),
		Webhooks: webhooks,
		Queue:    q,
		Archive:  archive,
		Locks:    locks,
		Sender:   sender.New(q, webhooks, locks, false),
		Universe: &fakeUniverse{},
		States:   noStates{},
		Entities: entity.NewResolver(nil),
	})

	require.NoError(t, orch.RunIngest(context.Background()))

	payload, found, err := archive.Get(10000001)
	require.NoError(t, err)
	require.True(t, found)

	var decoded map[string]json.RawMessage
	require.NoError(t, json.Unmarshal(payload, &decoded))
	require.True(t, strings.Contains(string(decoded["id"]), "10000001"))
}
