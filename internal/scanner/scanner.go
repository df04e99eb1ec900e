// Package scanner reconciles the device registry with what the transports report.
package scanner

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"device-hub-backend/config"
	"device-hub-backend/internal/hub"
	"device-hub-backend/internal/logger"
	"device-hub-backend/internal/store"
)

// Prober discovers the devices reachable over one transport.
type Prober interface {
	Discover(ctx context.Context, transport string) ([]store.DeviceFact, error)
}

// Registry persists a reconciliation pass atomically.
type Registry interface {
	ApplyScan(ctx context.Context, scan store.Scan) (store.ApplyStats, error)
}

// ReconcileResult summarizes one pass.
type ReconcileResult struct {
	Skipped       bool              `json:"skipped"`
	ScannedAt     time.Time         `json:"scanned_at"`
	Discovered    int               `json:"discovered"`
	Upserted      int               `json:"upserted"`
	MarkedOffline int64             `json:"marked_offline"`
	ProbeErrors   map[string]string `json:"probe_errors,omitempty"`
}

// Service runs reconciliation passes on a timer and on demand. At most one
// pass is in flight; overlapping triggers return immediately.
type Service struct {
	cfg       config.ScannerConfig
	registry  Registry
	prober    Prober
	publisher hub.Publisher
	running   atomic.Bool
	inflight  sync.WaitGroup
	now       func() time.Time
	log       zerolog.Logger
}

// NewService creates a reconciliation service.
func NewService(cfg config.ScannerConfig, registry Registry, prober Prober, publisher hub.Publisher) *Service {
	return &Service{
		cfg:       cfg,
		registry:  registry,
		prober:    prober,
		publisher: publisher,
		now:       func() time.Time { return time.Now().UTC() },
		log:       logger.Component("scanner"),
	}
}

// Run performs a pass immediately and then one per interval until ctx is done.
func (s *Service) Run(ctx context.Context) {
	if !s.cfg.Enabled {
		s.log.Info().Msg("scanner is disabled, not starting")
		return
	}
	s.log.Info().Dur("interval", s.cfg.Interval).Strs("transports", s.cfg.Transports).Msg("starting scanner")

	s.runScheduled(ctx)

	timer := time.NewTimer(s.cfg.Interval)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			s.log.Info().Msg("scanner shutting down")
			s.Wait()
			return
		case <-timer.C:
			s.runScheduled(ctx)
			timer.Reset(s.cfg.Interval)
		}
	}
}

func (s *Service) runScheduled(ctx context.Context) {
	if _, err := s.Reconcile(ctx); err != nil {
		s.log.Error().Err(err).Msg("reconciliation pass failed, retrying next tick")
	}
}

// TriggerScan starts a pass in the background. It reports false when a pass
// is already running, in which case nothing is started.
func (s *Service) TriggerScan(ctx context.Context) bool {
	if !s.running.CompareAndSwap(false, true) {
		return false
	}

	s.inflight.Add(1)
	go func() {
		defer s.inflight.Done()
		defer s.running.Store(false)
		if _, err := s.reconcile(context.WithoutCancel(ctx)); err != nil {
			s.log.Error().Err(err).Msg("triggered reconciliation pass failed")
		}
	}()
	return true
}

// Wait blocks until every pass started by TriggerScan has finished.
func (s *Service) Wait() {
	s.inflight.Wait()
}

// Running reports whether a pass is in flight.
func (s *Service) Running() bool {
	return s.running.Load()
}

// Reconcile probes every transport, merges the results into the registry in
// one transaction and publishes a device_update event on success. An
// overlapping call returns a skipped result and no error.
func (s *Service) Reconcile(ctx context.Context) (ReconcileResult, error) {
	if !s.running.CompareAndSwap(false, true) {
		s.log.Debug().Msg("reconciliation already in progress, skipping")
		return ReconcileResult{Skipped: true}, nil
	}
	defer s.running.Store(false)
	return s.reconcile(ctx)
}

// reconcile runs one pass. The caller holds the running flag.
func (s *Service) reconcile(ctx context.Context) (ReconcileResult, error) {
	started := s.now()
	result := ReconcileResult{ScannedAt: started}

	facts, probeErrors := s.probeAll(ctx)
	result.Discovered = len(facts)
	if len(probeErrors) > 0 {
		result.ProbeErrors = probeErrors
	}

	stats, err := s.registry.ApplyScan(ctx, store.Scan{
		ObservedAt:  started,
		Facts:       facts,
		StaleBefore: started.Add(-s.cfg.StaleAfter),
	})
	if err != nil {
		return result, fmt.Errorf("apply reconciliation pass: %w", err)
	}
	result.Upserted = stats.Upserted
	result.MarkedOffline = stats.MarkedOffline

	if !s.publisher.Publish(hub.DeviceUpdate(started)) {
		s.log.Warn().Msg("device_update not delivered")
	}

	s.log.Info().
		Int("discovered", result.Discovered).
		Int64("marked_offline", result.MarkedOffline).
		Int("probe_errors", len(probeErrors)).
		Dur("took", s.now().Sub(started)).
		Msg("reconciliation pass committed")
	return result, nil
}

// probeAll runs every configured transport concurrently. A failing transport
// contributes no facts; the others are still merged.
func (s *Service) probeAll(ctx context.Context) ([]store.DeviceFact, map[string]string) {
	perTransport := make([][]store.DeviceFact, len(s.cfg.Transports))
	errs := make([]error, len(s.cfg.Transports))

	var g errgroup.Group
	for i, transport := range s.cfg.Transports {
		g.Go(func() error {
			perTransport[i], errs[i] = s.prober.Discover(ctx, transport)
			return nil
		})
	}
	_ = g.Wait()

	var facts []store.DeviceFact
	probeErrors := make(map[string]string)
	for i, transport := range s.cfg.Transports {
		if errs[i] != nil {
			s.log.Warn().Err(errs[i]).Str("transport", transport).Msg("transport probe failed")
			probeErrors[transport] = errs[i].Error()
			continue
		}
		facts = append(facts, perTransport[i]...)
	}
	return facts, probeErrors
}
