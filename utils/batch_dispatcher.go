package utils

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
)

const (
	DefaultModel         = "gpt-4-turbo"
	DefaultMaxTokens     = 4096
	DefaultAttempts      = 3
	DefaultRetryDelay    = 30 * time.Second
	DefaultProgressEvery = 10
)

// DispatchConfig is everything the dispatcher needs to know about a run.
type DispatchConfig struct {
	Model         string        `yaml:"model"`
	MaxTokens     int           `yaml:"max_tokens"`
	Attempts      int           `yaml:"attempts"`
	RetryDelay    time.Duration `yaml:"retry_delay"`
	PaceToMinute  bool          `yaml:"pace_to_minute"`
	ProgressEvery int           `yaml:"progress_every"`
	Prompt        string        `yaml:"-"`
}

func (c DispatchConfig) withDefaults() DispatchConfig {
	if c.Model == "" {
		c.Model = DefaultModel
	}
	if c.MaxTokens <= 0 {
		c.MaxTokens = DefaultMaxTokens
	}
	if c.Attempts <= 0 {
		c.Attempts = DefaultAttempts
	}
	if c.RetryDelay < 0 {
		c.RetryDelay = 0
	}
	return c
}

// DispatchSummary reports what one Run did.
type DispatchSummary struct {
	RunID     string
	Processed int
	Skipped   int
	Failed    []string
	Elapsed   time.Duration
}

// Dispatcher sends work items to the model one at a time and records each
// success in the response log and then the progress log.
type Dispatcher struct {
	cfg       DispatchConfig
	client    RatingClient
	progress  *ProgressLog
	responses *ResponseLog
	logger    *slog.Logger
	runID     string

	sleep func(ctx context.Context, d time.Duration) error
	now   func() time.Time
}

func NewDispatcher(cfg DispatchConfig, client RatingClient, progress *ProgressLog, responses *ResponseLog, logger *slog.Logger) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	runID := uuid.NewString()
	return &Dispatcher{
		cfg:       cfg.withDefaults(),
		client:    client,
		progress:  progress,
		responses: responses,
		logger:    logger.With("run", runID),
		runID:     runID,
		sleep:     sleepContext,
		now:       time.Now,
	}
}

func (d *Dispatcher) RunID() string { return d.runID }

// Run processes items in order. Items already in the progress log are skipped
// without a request. An item that fails every attempt is logged and left
// unrecorded so the next run picks it up again. Only cancellation and log
// write failures stop the run early.
func (d *Dispatcher) Run(ctx context.Context, items []WorkItem) (summary DispatchSummary, err error) {
	start := d.now()
	summary.RunID = d.runID
	defer func() { summary.Elapsed = d.now().Sub(start) }()

	d.logger.Info("dispatch started", "items", len(items), "already_done", d.progress.Len(), "model", d.cfg.Model)

	for _, item := range items {
		if err := ctx.Err(); err != nil {
			return summary, err
		}
		if d.progress.Contains(item.Key) {
			summary.Skipped++
			continue
		}

		ok, err := d.dispatch(ctx, item)
		if err != nil {
			return summary, err
		}
		if ok {
			summary.Processed++
			if d.cfg.ProgressEvery > 0 && summary.Processed%d.cfg.ProgressEvery == 0 {
				d.logger.Info("progress", "processed", summary.Processed, "elapsed", d.now().Sub(start).Round(time.Millisecond))
			}
		} else {
			summary.Failed = append(summary.Failed, item.Key)
		}

		if d.cfg.PaceToMinute {
			if err := d.sleep(ctx, untilNextMinute(d.now())); err != nil {
				return summary, err
			}
		}
	}

	d.logger.Info("dispatch finished",
		"processed", summary.Processed,
		"skipped", summary.Skipped,
		"failed", len(summary.Failed),
		"elapsed", d.now().Sub(start).Round(time.Millisecond))
	return summary, nil
}

func (d *Dispatcher) dispatch(ctx context.Context, item WorkItem) (bool, error) {
	req, err := BuildRequest(d.cfg, item)
	if err != nil {
		return false, fmt.Errorf("failed to build request for '%s': %w", item.Key, err)
	}

	var lastErr error
	for attempt := 1; attempt <= d.cfg.Attempts; attempt++ {
		raw, err := d.client.RateItem(ctx, req)
		if err == nil {
			if err := d.responses.Append(raw); err != nil {
				return false, err
			}
			if err := d.progress.Append(item.Key); err != nil {
				return false, err
			}
			d.logger.Debug("item rated", "item", item.Key, "attempt", attempt)
			return true, nil
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return false, ctxErr
		}

		lastErr = err
		d.logger.Warn("rating attempt failed", "item", item.Key, "attempt", attempt, "error", err)
		if attempt < d.cfg.Attempts {
			if err := d.sleep(ctx, d.cfg.RetryDelay); err != nil {
				return false, err
			}
		}
	}

	d.logger.Error("failed to process item", "item", item.Key, "attempts", d.cfg.Attempts, "error", lastErr)
	return false, nil
}

func untilNextMinute(now time.Time) time.Duration {
	return time.Minute - time.Duration(now.UnixNano()%int64(time.Minute))
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
