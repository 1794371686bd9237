package driver

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"os/signal"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/danmuck/scopectl/internal/config"
	"github.com/danmuck/scopectl/internal/instrument"
	"github.com/danmuck/scopectl/internal/observability"
	"github.com/danmuck/scopectl/internal/retry"
	"github.com/danmuck/scopectl/internal/scorecard"
	"github.com/danmuck/scopectl/internal/server"
	"github.com/danmuck/scopectl/internal/sink"
	"github.com/rs/zerolog/log"
)

// IdentifyLabel is the scorecard label of the *IDN? handshake.
const IdentifyLabel = "identify"

const emitTimeout = 5 * time.Second

var (
	ErrInstrumentIDRequired = errors.New("driver: instrument id required")
	ErrInvalidPollInterval  = errors.New("driver: invalid poll interval")
	ErrInvalidPollCycles    = errors.New("driver: invalid poll cycles")
	ErrInvalidRollover      = errors.New("driver: invalid rollover cycles")
	ErrReservedLabel        = errors.New("driver: reserved plan label")
)

// ServiceConfig configures one instrument driver process.
type ServiceConfig struct {
	InstrumentID     string
	Transport        instrument.Config
	Retry            retry.Config
	PollInterval     time.Duration
	PollCycles       int
	RolloverCycles   int
	StatusListenAddr string
	StatusToken      string
	CorsOrigins      []string
	Plan             config.Plan
	Sink             sink.Config
}

func DefaultServiceConfig() ServiceConfig {
	return NewServiceConfig(config.DefaultRuntime())
}

// NewServiceConfig maps a loaded scopectl runtime onto the driver.
func NewServiceConfig(rt config.Runtime) ServiceConfig {
	return ServiceConfig{
		InstrumentID:     rt.InstrumentID,
		Transport:        rt.Transport,
		Retry:            rt.Retry,
		PollInterval:     rt.PollInterval,
		PollCycles:       rt.PollCycles,
		RolloverCycles:   rt.RolloverCycles,
		StatusListenAddr: rt.StatusListenAddr,
		StatusToken:      rt.StatusToken,
		CorsOrigins:      rt.CorsOrigins,
		Plan:             rt.Plan,
		Sink:             rt.Sink,
	}
}

// Opener opens the transport for one session.
type Opener func(instrument.Config) (instrument.Transport, error)

// Service supervises one instrument session: connect, apply the plan, poll.
//
// The session goroutine owns the scorecard and the instrument. Status and
// Scorecard are safe to call from any goroutine.
type Service struct {
	cfg      ServiceConfig
	settings []instrument.Setting
	open     Opener
	sink     sink.Sink

	mu        sync.RWMutex
	phase     Phase
	sessionID string
	identity  instrument.Identity
	readings  map[string]string

	seq    atomic.Uint64
	cycles atomic.Int64
	latest atomic.Pointer[scorecard.Snapshot]
}

func NewService() *Service {
	return NewServiceWithConfig(DefaultServiceConfig())
}

func NewServiceWithConfig(cfg ServiceConfig) *Service {
	cfg.Retry = cfg.Retry.WithDefaults()
	cfg.InstrumentID = strings.TrimSpace(cfg.InstrumentID)
	return &Service{
		cfg:      cfg,
		settings: config.InstrumentSettings(cfg.Plan.Settings),
		open:     instrument.OpenTransport,
		phase:    PhaseIdle,
		readings: make(map[string]string),
	}
}

// WithOpener replaces the transport opener and returns s.
func (s *Service) WithOpener(open Opener) *Service {
	s.open = open
	return s
}

// WithSink replaces the configured report sink and returns s.
func (s *Service) WithSink(k sink.Sink) *Service {
	s.sink = k
	return s
}

func (s *Service) Config() ServiceConfig {
	return s.cfg
}

// Run blocks until SIGINT/SIGTERM or until the configured poll cycles finish.
func (s *Service) Run() error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	return s.RunContext(ctx)
}

// RunContext runs one instrument session and the optional status server until
// ctx is done or the session ends.
func (s *Service) RunContext(ctx context.Context) error {
	if err := s.validate(); err != nil {
		return err
	}
	if s.sink == nil {
		k, err := sink.New(s.cfg.Sink, log.Logger)
		if err != nil {
			return err
		}
		s.sink = k
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	serverErr := make(chan error, 1)
	addr := strings.TrimSpace(s.cfg.StatusListenAddr)
	if addr != "" {
		srv := server.Appear(server.Config{
			ID:          s.cfg.InstrumentID,
			Addr:        addr,
			CorsOrigins: s.cfg.CorsOrigins,
			Token:       s.cfg.StatusToken,
		}, s)
		go func() {
			serverErr <- srv.Serve(runCtx)
		}()
	}

	sessionErr := make(chan error, 1)
	go func() {
		sessionErr <- s.runSession(runCtx)
	}()

	select {
	case err := <-sessionErr:
		cancel()
		if addr != "" {
			if serr := <-serverErr; err == nil {
				err = serr
			}
		}
		return err
	case err := <-serverErr:
		cancel()
		serr := <-sessionErr
		if err != nil {
			return fmt.Errorf("driver: status server: %w", err)
		}
		return serr
	}
}

func (s *Service) validate() error {
	if s.cfg.InstrumentID == "" {
		return ErrInstrumentIDRequired
	}
	if s.cfg.PollInterval <= 0 {
		return fmt.Errorf("%w: %s", ErrInvalidPollInterval, s.cfg.PollInterval)
	}
	if s.cfg.PollCycles < 0 {
		return fmt.Errorf("%w: %d", ErrInvalidPollCycles, s.cfg.PollCycles)
	}
	if s.cfg.RolloverCycles < 0 {
		return fmt.Errorf("%w: %d", ErrInvalidRollover, s.cfg.RolloverCycles)
	}
	if err := config.ValidatePlan(s.cfg.Plan); err != nil {
		return err
	}
	for _, setting := range s.cfg.Plan.Settings {
		if strings.TrimSpace(setting.Label) == IdentifyLabel {
			return fmt.Errorf("%w: %q", ErrReservedLabel, IdentifyLabel)
		}
	}
	for _, poll := range s.cfg.Plan.Polls {
		if strings.TrimSpace(poll.Label) == IdentifyLabel {
			return fmt.Errorf("%w: %q", ErrReservedLabel, IdentifyLabel)
		}
	}
	return nil
}

// session is the scorecard currently being filled and the setter writing to it.
type session struct {
	card   *scorecard.Scorecard
	setter *retry.Setter
}

func (s *Service) newSession() *session {
	card := scorecard.New()
	return &session{
		card: card,
		setter: retry.NewSetter(card, s.cfg.Retry).
			WithObserver(observability.CommandObserver{Instrument: s.cfg.InstrumentID}),
	}
}

func (s *Service) nextSessionID() string {
	return fmt.Sprintf("sess.%s.%d", s.cfg.InstrumentID, s.seq.Add(1))
}

// runSession owns a fresh scorecard for the whole session. Polling rolls over
// to a new session id and scorecard every RolloverCycles cycles.
func (s *Service) runSession(ctx context.Context) error {
	sessionID := s.nextSessionID()
	if err := s.beginSession(sessionID); err != nil {
		return err
	}
	sess := s.newSession()

	log.Info().Msgf(
		"driver.Service.runSession start instrument=%q session=%q transport=%s settings=%d polls=%d",
		s.cfg.InstrumentID,
		sessionID,
		s.cfg.Transport.Kind,
		len(s.settings),
		len(s.cfg.Plan.Polls),
	)

	inst, err := s.connect(ctx, sess.setter)
	if err != nil {
		s.finish(ctx, sess.card, nil)
		if ctx.Err() != nil {
			return nil
		}
		return err
	}
	defer func() { s.finish(ctx, sess.card, inst) }()
	s.publish(ctx, sess.card)

	if err := s.configure(ctx, inst, sess.setter); err != nil {
		return err
	}
	s.publish(ctx, sess.card)

	return s.poll(ctx, inst, sess)
}

func (s *Service) beginSession(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.phase != PhaseIdle && s.phase != PhaseClosed {
		return fmt.Errorf("%w: session already %s", ErrLifecycleOrder, s.phase)
	}
	s.phase = PhaseIdle
	s.sessionID = id
	s.identity = instrument.Identity{}
	s.readings = make(map[string]string)
	s.cycles.Store(0)
	s.latest.Store(nil)
	return nil
}

// connect opens the transport and identifies the instrument with retries.
func (s *Service) connect(ctx context.Context, setter *retry.Setter) (*instrument.Instrument, error) {
	t, err := s.open(s.cfg.Transport)
	if err != nil {
		return nil, fmt.Errorf("driver: open transport: %w", err)
	}
	inst := instrument.New(t)

	out := retry.Set(ctx, setter, IdentifyLabel, inst.Identify)
	if !out.OK() {
		_ = inst.Close()
		return nil, out.Err
	}

	s.mu.Lock()
	s.identity = out.Value
	s.mu.Unlock()
	if err := s.transition(PhaseConnected); err != nil {
		_ = inst.Close()
		return nil, err
	}
	log.Info().Msgf(
		"driver.Service.connect ok instrument=%q identity=%q attempts=%d",
		s.cfg.InstrumentID,
		out.Value.String(),
		setter.Scorecard().Snapshot().AttemptCount(IdentifyLabel),
	)
	return inst, nil
}

// configure applies every plan setting once. A setting that exhausts its
// retries is left on the scorecard as a failure and the next one is applied.
func (s *Service) configure(ctx context.Context, inst *instrument.Instrument, setter *retry.Setter) error {
	failed := 0
	for _, setting := range s.settings {
		if ctx.Err() != nil {
			break
		}
		out := retry.Do(ctx, setter, setting.Label, func(ctx context.Context) error {
			return inst.Apply(ctx, setting)
		})
		if !out.OK() {
			failed++
		}
	}
	if err := s.transition(PhaseConfigured); err != nil {
		return err
	}
	log.Info().Msgf(
		"driver.Service.configure done instrument=%q settings=%d failed=%d",
		s.cfg.InstrumentID,
		len(s.settings),
		failed,
	)
	return nil
}

func (s *Service) poll(ctx context.Context, inst *instrument.Instrument, sess *session) error {
	if err := s.transition(PhasePolling); err != nil {
		return err
	}
	ticker := time.NewTicker(s.cfg.PollInterval)
	defer ticker.Stop()

	windowCycles := 0
	for {
		if ctx.Err() != nil {
			return nil
		}
		s.pollOnce(ctx, inst, sess.setter)
		cycle := s.cycles.Add(1)
		windowCycles++
		s.publish(ctx, sess.card)
		if s.cfg.PollCycles > 0 && cycle >= int64(s.cfg.PollCycles) {
			log.Info().Msgf("driver.Service.poll done instrument=%q cycles=%d", s.cfg.InstrumentID, cycle)
			return nil
		}
		if s.cfg.RolloverCycles > 0 && windowCycles >= s.cfg.RolloverCycles {
			*sess = *s.rollover(sess.card)
			windowCycles = 0
		}

		select {
		case <-ctx.Done():
			log.Info().Msgf("driver.Service.poll shutdown instrument=%q cycles=%d", s.cfg.InstrumentID, cycle)
			return nil
		case <-ticker.C:
		}
	}
}

// rollover starts a new session id and scorecard on the open instrument. The
// report just published for prev is the last one carrying its session id.
func (s *Service) rollover(prev *scorecard.Scorecard) *session {
	id := s.nextSessionID()
	s.mu.Lock()
	old := s.sessionID
	s.sessionID = id
	s.mu.Unlock()
	snap := prev.Snapshot()
	log.Info().Msgf(
		"driver.Service.rollover instrument=%q from=%q to=%q success=%d failure=%d",
		s.cfg.InstrumentID,
		old,
		id,
		len(snap.Success),
		len(snap.Failure),
	)
	return s.newSession()
}

func (s *Service) pollOnce(ctx context.Context, inst *instrument.Instrument, setter *retry.Setter) {
	for _, p := range s.cfg.Plan.Polls {
		if ctx.Err() != nil {
			return
		}
		query := strings.TrimSpace(p.Query)
		out := retry.Set(ctx, setter, p.Label, func(ctx context.Context) (string, error) {
			return inst.Query(ctx, query)
		})
		if !out.OK() {
			continue
		}
		s.mu.Lock()
		s.readings[strings.TrimSpace(p.Label)] = out.Value
		s.mu.Unlock()
		log.Debug().Msgf("driver.Service.pollOnce label=%q value=%q", p.Label, out.Value)
	}
}

// finish closes the instrument, moves to closed and publishes the final report.
func (s *Service) finish(ctx context.Context, card *scorecard.Scorecard, inst *instrument.Instrument) {
	if inst != nil {
		if err := inst.Close(); err != nil {
			log.Warn().Msgf("driver.Service.finish close failed instrument=%q err=%v", s.cfg.InstrumentID, err)
		}
	}
	if err := s.transition(PhaseClosed); err != nil {
		log.Warn().Msgf("driver.Service.finish %v", err)
	}
	s.publish(ctx, card)
	snap := card.Snapshot()
	log.Info().Msgf(
		"driver.Service.finish instrument=%q success=%d failure=%d usb_timeouts=%d usb_busy=%d timeouts=%d generic=%d",
		s.cfg.InstrumentID,
		len(snap.Success),
		len(snap.Failure),
		snap.Errors.USBTimeouts,
		snap.Errors.USBResourceBusy,
		snap.Errors.Timeouts,
		snap.Errors.Generic,
	)
}

// publish stores a snapshot copy for concurrent readers and emits a report.
// Emission outlives ctx so the closing report is still delivered on shutdown.
func (s *Service) publish(ctx context.Context, card *scorecard.Scorecard) {
	snap := card.Snapshot()
	s.latest.Store(&snap)

	status := s.Status()
	report := sink.Report{
		InstrumentID: status.InstrumentID,
		SessionID:    status.SessionID,
		Identity:     status.Identity,
		Phase:        status.Phase,
		Cycle:        int(status.Cycles),
		Timestamp:    time.Now().UTC(),
		Scorecard:    snap,
	}
	emitCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), emitTimeout)
	defer cancel()
	if err := s.sink.Emit(emitCtx, report); err != nil {
		log.Warn().Msgf("driver.Service.publish sink failed phase=%s err=%v", status.Phase, err)
	}
}

func (s *Service) transition(to Phase) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !canTransition(s.phase, to) {
		return transitionError(s.phase, to)
	}
	log.Debug().Msgf("driver.Service.transition instrument=%q %s -> %s", s.cfg.InstrumentID, s.phase, to)
	s.phase = to
	return nil
}

func (s *Service) Phase() Phase {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.phase
}

// Status implements server.Source.
func (s *Service) Status() server.Status {
	s.mu.RLock()
	defer s.mu.RUnlock()
	identity := ""
	if s.identity != (instrument.Identity{}) {
		identity = s.identity.String()
	}
	return server.Status{
		InstrumentID: s.cfg.InstrumentID,
		SessionID:    s.sessionID,
		Phase:        string(s.phase),
		Identity:     identity,
		Cycles:       s.cycles.Load(),
		Ready:        s.phase.ready(),
		Readings:     maps.Clone(s.readings),
	}
}

// Scorecard returns the most recently published snapshot.
func (s *Service) Scorecard() (scorecard.Snapshot, bool) {
	snap := s.latest.Load()
	if snap == nil {
		return scorecard.Snapshot{}, false
	}
	return *snap, true
}

var _ server.Source = (*Service)(nil)
