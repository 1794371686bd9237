package retry

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"strings"
	"time"

	"github.com/danmuck/scopectl/internal/executor"
	"github.com/danmuck/scopectl/internal/scorecard"
	"github.com/rs/zerolog/log"
)

const DefaultMaxTries = 3

var ErrEmptyLabel = errors.New("retry: empty setting label")

// Config bounds one labeled instrument operation.
type Config struct {
	MaxTries int
	Timeout  time.Duration
	Backoff  BackoffConfig
}

func DefaultConfig() Config {
	return Config{
		MaxTries: DefaultMaxTries,
		Timeout:  executor.DefaultTimeout,
		Backoff:  FixedBackoff(250 * time.Millisecond),
	}
}

// WithDefaults fills zero-valued bounds.
func (c Config) WithDefaults() Config {
	if c.MaxTries <= 0 {
		c.MaxTries = DefaultMaxTries
	}
	if c.Timeout <= 0 {
		c.Timeout = executor.DefaultTimeout
	}
	return c
}

// Observer receives attempt and final results, e.g. for metrics export.
type Observer interface {
	ObserveAttempt(label string, attempt int, a executor.Attempt)
	ObserveResult(label string, attempts int, final executor.Attempt)
}

// FailedError is the typed failure surfaced after all attempts are exhausted.
type FailedError struct {
	Label    string
	Attempts int
	Status   executor.Status
	Kind     executor.Kind
	Err      error
}

func (e *FailedError) Error() string {
	if e.Status == executor.StatusTimeout {
		return fmt.Sprintf("retry: %s failed after %d attempt(s): timeout", e.Label, e.Attempts)
	}
	return fmt.Sprintf("retry: %s failed after %d attempt(s): %s: %v", e.Label, e.Attempts, e.Kind, e.Err)
}

func (e *FailedError) Unwrap() error {
	return e.Err
}

// Setter retries labeled calls and records every attempt on its scorecard.
// It shares the scorecard's single-goroutine contract.
type Setter struct {
	cfg      Config
	card     *scorecard.Scorecard
	exec     executor.Executor
	observer Observer
	rng      *rand.Rand
	sleep    func(context.Context, time.Duration) error
}

func NewSetter(card *scorecard.Scorecard, cfg Config) *Setter {
	if card == nil {
		card = scorecard.New()
	}
	return &Setter{
		cfg:   cfg.WithDefaults(),
		card:  card,
		rng:   rand.New(rand.NewSource(time.Now().UnixNano())),
		sleep: sleepContext,
	}
}

// WithObserver attaches o and returns s.
func (s *Setter) WithObserver(o Observer) *Setter {
	s.observer = o
	return s
}

// WithExecutor replaces the execution policy and returns s.
func (s *Setter) WithExecutor(e executor.Executor) *Setter {
	s.exec = e
	return s
}

func (s *Setter) Config() Config {
	return s.cfg
}

func (s *Setter) Scorecard() *scorecard.Scorecard {
	return s.card
}

// Set runs call up to MaxTries times under label.
//
// Each attempt is recorded on the scorecard. The first Success is recorded and
// returned immediately. Otherwise the final failure is recorded exactly once and the
// last Outcome is returned with Err replaced by a *FailedError. Parent-context
// cancellation ends the loop early.
func Set[T any](ctx context.Context, s *Setter, label string, call executor.Call[T]) executor.Outcome[T] {
	key := strings.TrimSpace(label)
	if key == "" {
		return executor.Failure[T](ErrEmptyLabel, executor.KindGeneric, 0)
	}

	var last executor.Outcome[T]
	attempts := 0
	for attempts < s.cfg.MaxTries {
		attempts++
		last = executor.Run(ctx, s.exec, call, s.cfg.Timeout)
		a := last.Attempt()
		s.card.RecordAttempt(key, a)
		if s.observer != nil {
			s.observer.ObserveAttempt(key, attempts, a)
		}

		if last.OK() {
			s.card.RecordSuccess(key)
			if s.observer != nil {
				s.observer.ObserveResult(key, attempts, a)
			}
			log.Debug().Msgf("retry.Set ok label=%q attempt=%d elapsed=%s", key, attempts, a.Elapsed)
			return last
		}

		log.Warn().Msgf(
			"retry.Set attempt failed label=%q attempt=%d/%d status=%s kind=%q msg=%q",
			key,
			attempts,
			s.cfg.MaxTries,
			a.Status,
			a.Kind,
			a.Message,
		)
		if errors.Is(last.Err, executor.ErrCanceled) || attempts >= s.cfg.MaxTries {
			break
		}
		if err := s.sleep(ctx, NextDelay(s.cfg.Backoff, attempts, s.rng)); err != nil {
			break
		}
	}

	final := last.Attempt()
	s.card.RecordFailure(key, final.Kind)
	if s.observer != nil {
		s.observer.ObserveResult(key, attempts, final)
	}
	log.Error().Msgf("retry.Set failed label=%q attempts=%d status=%s kind=%q", key, attempts, final.Status, final.Kind)

	last.Err = &FailedError{
		Label:    key,
		Attempts: attempts,
		Status:   last.Status,
		Kind:     last.Kind,
		Err:      last.Err,
	}
	return last
}

// Do is Set for calls that only report an error.
func Do(ctx context.Context, s *Setter, label string, call func(context.Context) error) executor.Outcome[struct{}] {
	return Set(ctx, s, label, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, call(ctx)
	})
}
