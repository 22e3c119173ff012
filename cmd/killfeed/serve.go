package killfeed

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/robfig/cron/v3"

	"killfeed/internal/logger"
)

// serve runs killfeed as a long-lived process: an ingest cycle on
// IngestInterval, a purge sweep on PurgeInterval, until the process receives
// SIGINT/SIGTERM.
func (a *app) serve() int {
	c := cron.New()

	ingestSpec := fmt.Sprintf("@every %s", a.cfg.IngestInterval)
	if _, err := c.AddFunc(ingestSpec, a.runIngestTick); err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	purgeSpec := fmt.Sprintf("@every %s", a.cfg.PurgeInterval)
	if _, err := c.AddFunc(purgeSpec, a.runPurgeTick); err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}

	c.Start()
	logger.Banner("killfeed")
	logger.Info("SERVE", fmt.Sprintf("ingest every %s, purge every %s", a.cfg.IngestInterval, a.cfg.PurgeInterval))

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig

	logger.Info("SERVE", "shutting down")
	stopCtx := c.Stop()
	<-stopCtx.Done()
	return 0
}

func (a *app) runIngestTick() {
	ctx, cancel := context.WithTimeout(context.Background(), a.cfg.TasksTimeout)
	defer cancel()
	if err := a.orch.RunIngest(ctx); err != nil {
		logger.Error("SERVE", fmt.Sprintf("ingest tick: %v", err))
	}
}

func (a *app) runPurgeTick() {
	ctx, cancel := context.WithTimeout(context.Background(), a.cfg.TasksTimeout)
	defer cancel()
	if err := a.orch.PurgeStale(ctx); err != nil {
		logger.Error("SERVE", fmt.Sprintf("purge tick: %v", err))
	}
}
