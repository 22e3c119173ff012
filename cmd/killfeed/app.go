// Package killfeed assembles the concrete dependency graph (store, queue,
// sender, universe/entity resolvers, orchestrator) and exposes it to the
// operator CLI subcommands. The root main.go is a thin wrapper that calls
// Run.
package killfeed

import (
	"fmt"
	"os"

	"killfeed/internal/config"
	"killfeed/internal/entity"
	"killfeed/internal/format"
	"killfeed/internal/logger"
	"killfeed/internal/orchestrator"
	"killfeed/internal/queue"
	"killfeed/internal/sde"
	"killfeed/internal/sender"
	"killfeed/internal/store"
	"killfeed/internal/universe"
)

// app holds every constructed collaborator plus the open database handle,
// so Run can close it on the way out regardless of which subcommand ran.
type app struct {
	cfg      *config.Config
	db       *store.DB
	orch     *orchestrator.Orchestrator
	webhooks *store.WebhookRepo
	queue    *queue.Queue
	uni      universe.Resolver
	names    format.NameResolver
}

// newApp wires the full dependency graph from cfg. Static-data (SDE) load
// failure is not fatal: the universe resolver falls back to nullResolver,
// so trackers with no location/ship-class clauses still work and everything
// else degrades to "unresolvable" rather than refusing to boot.
func newApp(cfg *config.Config) (*app, error) {
	logger.SetLevel(cfg.LogLevel)

	db, err := store.Open(cfg.DataDir)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}

	trackers := store.NewTrackerRepo(db)
	webhooks := store.NewWebhookRepo(db)
	locks := store.NewLocks(db)
	archive := store.NewKillmailArchive(db)
	q := queue.New(db.SQL())
	snd := sender.New(q, webhooks, locks, cfg.WebhookSetAvatar)

	entities := entity.NewResolver(nil)
	states := entity.NewUserStateLookup(nil)

	var uni universe.Resolver
	if data, err := sde.Load(cfg.DataDir); err != nil {
		logger.Warn("BOOT", fmt.Sprintf("static data unavailable, location/ship clauses will no-op: %v", err))
		uni = nullResolver{}
	} else {
		uni = universe.New(data)
		seedStaticNames(entities, data)
	}

	orch := orchestrator.New(orchestrator.Deps{
		Config:   cfg,
		Trackers: trackers,
		Webhooks: webhooks,
		Queue:    q,
		Archive:  archive,
		Locks:    locks,
		Sender:   snd,
		Universe: uni,
		States:   states,
		Entities: entities,
	})

	return &app{
		cfg:      cfg,
		db:       db,
		orch:     orch,
		webhooks: webhooks,
		queue:    q,
		uni:      uni,
		names:    orchestrator.NewNameResolver(entities),
	}, nil
}

func (a *app) close() {
	a.db.Close()
}

// seedStaticNames preloads the entity cache with system and region names
// from static data, so embed titles and distance lines resolve without an
// external identity service.
func seedStaticNames(entities *entity.Resolver, data *sde.Data) {
	seed := make(map[int64]entity.Info, len(data.Systems)+len(data.Regions))
	for id, s := range data.Systems {
		seed[int64(id)] = entity.Info{Name: s.Name, Category: entity.CategorySolarSystem}
	}
	for id, r := range data.Regions {
		seed[int64(id)] = entity.Info{Name: r.Name, Category: entity.CategoryRegion}
	}
	entities.Seed(seed)
}

// Run dispatches args[0] to the matching operator subcommand and returns
// the process exit code. A bare/unknown subcommand prints usage and
// returns 2.
func Run(args []string) int {
	if len(args) == 0 {
		usage()
		return 2
	}

	cfg := config.LoadFromEnv()
	a, err := newApp(cfg)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	defer a.close()

	switch args[0] {
	case "ingest-once":
		return a.ingestOnce()
	case "send-test":
		return a.sendTest(args[1:])
	case "purge-stale":
		return a.purgeStale()
	case "serve":
		return a.serve()
	default:
		usage()
		return 2
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, "usage: killfeed <ingest-once|send-test|purge-stale|serve> [args]")
}
