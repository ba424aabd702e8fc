package soxfarm

import (
	"context"

	"github.com/robfig/cron/v3"
)

// RelayRefreshScheduler re-fetches the exit-relay list on a cron schedule
// and hands it to an apply callback; it does not redistribute it itself. Disabled by default: a fresh process fetches once at
// startup, and this is the operator-configurable periodic-refresh path
// for deployments that want the relay list to drift with the directory.
type RelayRefreshScheduler struct {
	cron   *cron.Cron
	client *RelayDirectoryClient
	filter RelayFilter
	logger *Logger
	apply  func(relays []RelayRecord)
}

// NewRelayRefreshScheduler builds a scheduler that calls apply with the
// freshly fetched relay list on each tick.
func NewRelayRefreshScheduler(client *RelayDirectoryClient, filter RelayFilter, logger *Logger, apply func([]RelayRecord)) *RelayRefreshScheduler {
	return &RelayRefreshScheduler{
		cron:   cron.New(),
		client: client,
		filter: filter,
		logger: logger,
		apply:  apply,
	}
}

// Start schedules the refresh job at spec and begins running it. Returns an
// error if spec is not a valid cron expression.
func (s *RelayRefreshScheduler) Start(ctx context.Context, spec string) error {
	_, err := s.cron.AddFunc(spec, func() {
		relays, err := s.client.Fetch(ctx, s.filter)
		if err != nil {
			s.logger.Warn("relay refresh failed, keeping previous distribution", "error", err)
			return
		}
		s.logger.Info("relay directory refreshed", "count", len(relays))
		s.apply(relays)
	})
	if err != nil {
		return newConfigError("invalid relay_refresh.cron expression: " + err.Error())
	}
	s.cron.Start()
	return nil
}

// Stop halts the scheduler and waits for any in-flight job to finish.
func (s *RelayRefreshScheduler) Stop() {
	<-s.cron.Stop().Done()
}
