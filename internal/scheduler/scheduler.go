package scheduler

import (
	"context"
	"fmt"
	"time"

	"CoinChart/internal/model"
	"CoinChart/internal/store"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

// Refresher starts best-effort background refreshes.
type Refresher interface {
	Refresh(inst model.Instrument, tf model.Timeframe) bool
}

// Scheduler manages the maintenance and polling cron jobs.
type Scheduler struct {
	Cron      *cron.Cron
	Collector Refresher
	// Pruner is the structured tier's retention hook; nil disables pruning.
	Pruner   store.Pruner
	Policies model.PolicyTable
	Now      func() time.Time
	Log      *zap.Logger
	Ctx      context.Context
}

// NewScheduler creates a new Scheduler.
func NewScheduler(ctx context.Context, col Refresher, pruner store.Pruner, policies model.PolicyTable, log *zap.Logger) *Scheduler {
	if log == nil {
		log = zap.NewNop()
	}
	return &Scheduler{
		Cron:      cron.New(cron.WithSeconds(), cron.WithChain(cron.Recover(cronLogger{log}))),
		Collector: col,
		Pruner:    pruner,
		Policies:  policies,
		Now:       time.Now,
		Log:       log,
		Ctx:       ctx,
	}
}

// RegisterAll registers the prune job and one polling job per watched key.
func (s *Scheduler) RegisterAll(pruneCron string, watch []model.SeriesKey) error {
	if s.Pruner != nil {
		if _, err := s.Cron.AddFunc(pruneCron, s.pruneTask); err != nil {
			return fmt.Errorf("register prune task: %w", err)
		}
	}
	for _, key := range watch {
		inst, ok := model.LookupInstrument(key.InstrumentID)
		if !ok {
			return fmt.Errorf("register poll task: unknown instrument %q", key.InstrumentID)
		}
		p, err := s.Policies.Lookup(key.Timeframe)
		if err != nil {
			return fmt.Errorf("register poll task: %w", err)
		}
		spec := "@every " + p.PollInterval.String()
		if _, err := s.Cron.AddFunc(spec, func() { s.pollTask(inst, key.Timeframe) }); err != nil {
			return fmt.Errorf("register poll task %s: %w", key, err)
		}
	}
	return nil
}

// Start starts the cron scheduler.
func (s *Scheduler) Start() {
	s.Cron.Start()
	s.Log.Info("scheduler started", zap.Int("jobs", len(s.Cron.Entries())))
}

// Stop stops the cron scheduler and waits for running jobs.
func (s *Scheduler) Stop() {
	<-s.Cron.Stop().Done()
	s.Log.Info("scheduler stopped")
}

// RunPruneNow executes the prune job immediately.
func (s *Scheduler) RunPruneNow() (store.PruneResult, error) {
	if s.Pruner == nil {
		return store.PruneResult{}, nil
	}
	res, err := s.Pruner.Prune(s.Ctx, s.Now())
	if err != nil {
		return res, fmt.Errorf("prune: %w", err)
	}
	if _, err := s.Pruner.Compact(s.Ctx); err != nil {
		return res, fmt.Errorf("compact: %w", err)
	}
	return res, nil
}

func (s *Scheduler) pruneTask() {
	res, err := s.RunPruneNow()
	if err != nil {
		s.Log.Error("maintenance failed", zap.Error(err))
		return
	}
	s.Log.Info("maintenance done", zap.Int64("points", res.Points), zap.Int64("entries", res.Entries))
}

func (s *Scheduler) pollTask(inst model.Instrument, tf model.Timeframe) {
	if s.Ctx.Err() != nil {
		return
	}
	if !s.Collector.Refresh(inst, tf) {
		s.Log.Debug("poll skipped", zap.String("instrument", inst.ID), zap.String("timeframe", string(tf)))
	}
}

// cronLogger adapts zap to cron's logger for recovered panics.
type cronLogger struct{ log *zap.Logger }

func (l cronLogger) Info(msg string, kv ...interface{}) {
	l.log.Sugar().Debugw(msg, kv...)
}

func (l cronLogger) Error(err error, msg string, kv ...interface{}) {
	l.log.Sugar().Errorw(msg, append(kv, "error", err)...)
}
