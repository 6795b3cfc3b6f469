package purge

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/hashicorp/go-multierror"

	"github.com/ecsmeta/ecsmeta/internal/logging"
)

// SweeperConfig configures the scheduled retention sweeper.
type SweeperConfig struct {
	// IntervalMs is the interval between sweeps in milliseconds.
	// Default: 86400000 (1 day)
	IntervalMs int64

	// RetentionDays is how many days of collected documents are kept.
	RetentionDays int

	// DataTypes lists the data types swept. Default: all.
	DataTypes []DataType

	// Now returns the current time. Default: time.Now.
	Now func() time.Time
}

// DefaultSweeperConfig returns default configuration.
func DefaultSweeperConfig() SweeperConfig {
	return SweeperConfig{
		IntervalMs:    86400000,
		RetentionDays: 30,
		DataTypes:     AllDataTypes(),
		Now:           time.Now,
	}
}

// Sweeper runs purges of every configured data type on an interval.
type Sweeper struct {
	engine *Engine
	config SweeperConfig
	logger *logging.Logger

	mu      sync.Mutex
	running bool
	stopCh  chan struct{}
	doneCh  chan struct{}
}

// NewSweeper creates a new Sweeper driving engine.
func NewSweeper(engine *Engine, config SweeperConfig) *Sweeper {
	if config.IntervalMs <= 0 {
		config.IntervalMs = 86400000
	}
	if config.RetentionDays < 0 {
		config.RetentionDays = 0
	}
	if len(config.DataTypes) == 0 {
		config.DataTypes = AllDataTypes()
	}
	if config.Now == nil {
		config.Now = time.Now
	}
	return &Sweeper{
		engine: engine,
		config: config,
		logger: engine.logger.With(map[string]any{"retentionDays": config.RetentionDays}),
	}
}

// Threshold returns the cutoff used by a sweep starting now.
func (s *Sweeper) Threshold() time.Time {
	return s.config.Now().AddDate(0, 0, -s.config.RetentionDays)
}

// Start begins the sweeper background loop. The first sweep runs
// immediately.
func (s *Sweeper) Start() {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return
	}
	s.running = true
	s.stopCh = make(chan struct{})
	s.doneCh = make(chan struct{})
	s.mu.Unlock()

	go s.run()
}

// Stop stops the sweeper and waits for an in-flight sweep to end.
func (s *Sweeper) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	close(s.stopCh)
	s.mu.Unlock()

	<-s.doneCh

	s.mu.Lock()
	s.running = false
	s.mu.Unlock()
}

func (s *Sweeper) run() {
	defer close(s.doneCh)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		select {
		case <-s.stopCh:
			cancel()
		case <-ctx.Done():
		}
	}()

	ticker := time.NewTicker(time.Duration(s.config.IntervalMs) * time.Millisecond)
	defer ticker.Stop()

	s.sweep(ctx)

	for {
		select {
		case <-s.stopCh:
			return
		case <-ticker.C:
			s.sweep(ctx)
		}
	}
}

func (s *Sweeper) sweep(ctx context.Context) {
	if _, err := s.SweepOnce(ctx); err != nil && !errors.Is(err, context.Canceled) {
		s.logger.Errorf("purge sweep failed", map[string]any{logging.KeyError: err.Error()})
	}
}

// SweepOnce purges every configured data type once and returns the total
// number of documents deleted. Every data type is attempted; the errors of
// failed types are combined.
func (s *Sweeper) SweepOnce(ctx context.Context) (int64, error) {
	threshold := s.Threshold()
	var (
		total int64
		errs  *multierror.Error
	)
	for _, dt := range s.config.DataTypes {
		if err := ctx.Err(); err != nil {
			errs = multierror.Append(errs, err)
			break
		}
		n, err := s.engine.Purge(ctx, dt, threshold)
		total += n
		if err != nil {
			errs = multierror.Append(errs, err)
		}
	}
	return total, errs.ErrorOrNil()
}
