// Package session runs one bounded discovery pass over the bus: it subscribes
// to the connected and aboutdevice/response notifications of one company,
// requests each device's configuration exactly once, reconciles every answer
// against the reference sources and stops on operator request, idle timeout
// or unrecoverable bus loss.
//
// Bus callbacks may arrive concurrently with each other, with the publishes
// they trigger and with Stop. Completed records are handed to a bounded
// worker queue so reference lookups never run on the bus delivery path; the
// producer blocks when the queue is full.
package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/lucaslui/hems/roster-reconciler/internal/codec"
	"github.com/lucaslui/hems/roster-reconciler/internal/model"
	"github.com/lucaslui/hems/roster-reconciler/internal/reconcile"
	"github.com/lucaslui/hems/roster-reconciler/internal/tracker"
)

var (
	ErrAlreadyStarted = errors.New("session already started")
	ErrBusLost        = errors.New("message bus connection lost")
)

type State int

const (
	Starting State = iota
	Running
	Draining
	Finished
)

func (s State) String() string {
	switch s {
	case Starting:
		return "STARTING"
	case Running:
		return "RUNNING"
	case Draining:
		return "DRAINING"
	case Finished:
		return "FINISHED"
	default:
		return "UNKNOWN"
	}
}

type StopReason string

const (
	ReasonOperator    StopReason = "operator"
	ReasonIdleTimeout StopReason = "idle-timeout"
	ReasonCancelled   StopReason = "context-cancelled"
	ReasonBusLost     StopReason = "bus-lost"
)

type MessageHandler func(topic string, payload []byte)

// Bus is the publish/subscribe transport. Publish returns only once the
// transport has acknowledged the message.
type Bus interface {
	Subscribe(ctx context.Context, topics []string, qos byte, handler MessageHandler) error
	Unsubscribe(ctx context.Context, topics ...string) error
	Publish(ctx context.Context, topic string, qos byte, payload []byte) error
}

// ReferenceSource resolves the external reference counts for a device.
// Lookup failures are reported as absent counts, never as errors.
type ReferenceSource interface {
	Resolve(ctx context.Context, key model.DeviceKey) model.References
}

type ResultSink interface {
	Write(ctx context.Context, res model.ReconciliationResult) error
}

type Options struct {
	// ID names the session; a random UUID when empty.
	ID             string
	CompanyCode    string
	QoS            byte
	IdleTimeout    time.Duration
	QueueSize      int
	Workers        int
	PublishTimeout time.Duration
	Logger         zerolog.Logger
	Clock          func() time.Time
}

type Report struct {
	SessionID   string
	CompanyCode string
	Reason      StopReason
	StartedAt   time.Time
	FinishedAt  time.Time
	Results     []model.ReconciliationResult
	Err         error
}

// Summary counts results per classification.
func (r Report) Summary() map[model.Classification]int {
	out := map[model.Classification]int{model.Match: 0, model.Mismatch: 0, model.Inconclusive: 0}
	for _, res := range r.Results {
		out[res.Classification]++
	}
	return out
}

type Session struct {
	id      string
	opts    Options
	topics  []string
	bus     Bus
	refs    ReferenceSource
	sink    ResultSink
	tracker *tracker.Tracker
	log     zerolog.Logger

	// mu guards state, the queue's closure and the fatal error. Message
	// handling holds the read side for its whole duration so Stop cannot
	// close the queue under an in-flight enqueue.
	mu        sync.RWMutex
	state     State
	startedAt time.Time
	fatal     error
	queue     chan model.DiscoveryRecord
	workers   sync.WaitGroup

	resultsMu sync.Mutex
	results   map[model.DeviceKey]model.ReconciliationResult
	order     []model.DeviceKey

	ctx      context.Context
	cancel   context.CancelFunc
	activity chan struct{}
	stopping chan struct{}
	done     chan struct{}
	stopOnce sync.Once
	report   Report
}

func New(opts Options, bus Bus, refs ReferenceSource, sink ResultSink) *Session {
	if opts.QueueSize <= 0 {
		opts.QueueSize = 1024
	}
	if opts.Workers <= 0 {
		opts.Workers = 1
	}
	if opts.IdleTimeout <= 0 {
		opts.IdleTimeout = 2 * time.Minute
	}
	if opts.PublishTimeout <= 0 {
		opts.PublishTimeout = 10 * time.Second
	}
	if opts.Clock == nil {
		opts.Clock = time.Now
	}

	id := opts.ID
	if id == "" {
		id = uuid.NewString()
	}
	return &Session{
		id:       id,
		opts:     opts,
		topics:   codec.SubscriptionTopics(opts.CompanyCode),
		bus:      bus,
		refs:     refs,
		sink:     sink,
		tracker:  tracker.New(opts.QoS, tracker.WithClock(opts.Clock)),
		log:      opts.Logger.With().Str("component", "session").Str("session", id).Logger(),
		results:  make(map[model.DeviceKey]model.ReconciliationResult),
		activity: make(chan struct{}, 1),
		stopping: make(chan struct{}),
		done:     make(chan struct{}),
	}
}

func (s *Session) ID() string { return s.id }

func (s *Session) State() State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

// Done is closed once the session reaches FINISHED.
func (s *Session) Done() <-chan struct{} { return s.done }

// Start subscribes to the control topics and enters RUNNING. A subscribe
// failure is terminal: the session is finished and the error returned.
func (s *Session) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.state != Starting {
		s.mu.Unlock()
		return ErrAlreadyStarted
	}
	s.ctx, s.cancel = context.WithCancel(context.WithoutCancel(ctx))
	s.queue = make(chan model.DiscoveryRecord, s.opts.QueueSize)
	for i := 0; i < s.opts.Workers; i++ {
		s.workers.Add(1)
		go s.work()
	}
	s.startedAt = s.opts.Clock()
	s.state = Running
	s.mu.Unlock()

	if err := s.bus.Subscribe(ctx, s.topics, s.opts.QoS, s.OnBusMessage); err != nil {
		err = fmt.Errorf("%w: subscribe %v: %v", ErrBusLost, s.topics, err)
		s.recordFatal(err)
		_, _ = s.Stop(ReasonBusLost)
		return err
	}

	s.log.Info().
		Strs("topics", s.topics).
		Uint8("qos", s.opts.QoS).
		Dur("idle_timeout", s.opts.IdleTimeout).
		Msg("discovery session running")

	go s.watchIdle()
	go func() {
		select {
		case <-ctx.Done():
			_, _ = s.Stop(ReasonCancelled)
		case <-s.stopping:
		}
	}()
	return nil
}

// OnBusMessage is the single dispatch entry point for bus deliveries.
func (s *Session) OnBusMessage(topic string, payload []byte) {
	shape := codec.DecodeTopic(topic)

	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.state != Running {
		s.log.Debug().Str("topic", topic).Str("state", s.state.String()).Msg("message after running phase dropped")
		return
	}

	switch shape.Kind {
	case codec.Connected:
		s.handleConnected(shape.Key)
	case codec.AboutDeviceResponse:
		s.handleResponse(shape.Key, payload)
	default:
		s.log.Warn().Str("topic", topic).Int("bytes", len(payload)).Msg("malformed topic dropped")
	}
}

func (s *Session) handleConnected(key model.DeviceKey) {
	intent, ok := s.tracker.OnConnected(key.CompanyCode, key.SerialNumber)
	if !ok {
		s.log.Debug().Str("device", key.String()).Msg("duplicate connected notification")
		return
	}

	ctx, cancel := context.WithTimeout(s.ctx, s.opts.PublishTimeout)
	defer cancel()

	// No retry: a device whose request is lost surfaces through the idle path.
	if err := s.bus.Publish(ctx, intent.Topic, intent.QoS, intent.Payload); err != nil {
		s.log.Warn().Err(err).Str("device", key.String()).Str("topic", intent.Topic).Msg("aboutdevice request not confirmed")
		return
	}
	s.tracker.ConfirmRequest(key)
	s.log.Debug().Str("device", key.String()).Str("topic", intent.Topic).Msg("aboutdevice request published")
}

func (s *Session) handleResponse(key model.DeviceKey, payload []byte) {
	rec, ok := s.tracker.OnAboutDeviceResponse(key.CompanyCode, key.SerialNumber, payload)
	if !ok {
		s.log.Debug().Str("device", key.String()).Msg("response for unknown or completed device ignored")
		return
	}
	if rec.MalformedPayload {
		s.log.Warn().
			Str("device", key.String()).
			Str("payload", codec.Truncate(payload, 512)).
			Msg("malformed aboutdevice payload, counted as zero users")
	}

	select {
	case s.activity <- struct{}{}:
	default:
	}

	s.queue <- rec
}

func (s *Session) work() {
	defer s.workers.Done()
	for rec := range s.queue {
		refs := s.refs.Resolve(s.ctx, rec.Key)
		s.emit(reconcile.WithReferences(rec, refs))
	}
}

func (s *Session) emit(res model.ReconciliationResult) {
	res.ReconciledAt = s.opts.Clock()

	s.resultsMu.Lock()
	if _, dup := s.results[res.Key]; dup {
		s.resultsMu.Unlock()
		return
	}
	s.results[res.Key] = res
	s.order = append(s.order, res.Key)
	s.resultsMu.Unlock()

	s.log.Info().
		Str("device", res.Key.String()).
		Int("bus_users", res.BusUserCount).
		Int("reference", res.ReferenceCount).
		Str("reference_source", string(res.ReferenceSource)).
		Int("difference", res.Difference).
		Str("classification", string(res.Classification)).
		Str("annotation", string(res.Annotation)).
		Msg("device reconciled")

	if s.sink == nil {
		return
	}
	if err := s.sink.Write(s.ctx, res); err != nil {
		s.log.Error().Err(err).Str("device", res.Key.String()).Msg("persist reconciliation result")
	}
}

func (s *Session) watchIdle() {
	timer := time.NewTimer(s.opts.IdleTimeout)
	defer timer.Stop()

	for {
		select {
		case <-s.activity:
			if !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
			timer.Reset(s.opts.IdleTimeout)
		case <-timer.C:
			s.log.Info().Dur("idle_timeout", s.opts.IdleTimeout).Msg("no completions within idle timeout")
			_, _ = s.Stop(ReasonIdleTimeout)
			return
		case <-s.stopping:
			return
		}
	}
}

// Fail stops the session with a terminal transport error. It does not block.
func (s *Session) Fail(err error) {
	s.recordFatal(err)
	go func() { _, _ = s.Stop(ReasonBusLost) }()
}

func (s *Session) recordFatal(err error) {
	s.mu.Lock()
	if s.fatal == nil {
		s.fatal = err
	}
	s.mu.Unlock()
}

// Stop drains and finishes the session. It is safe to call from any
// goroutine and any number of times; every caller receives the same report.
func (s *Session) Stop(reason StopReason) (Report, error) {
	s.stopOnce.Do(func() { s.drain(reason) })
	<-s.done
	return s.report, s.report.Err
}

func (s *Session) drain(reason StopReason) {
	s.mu.Lock()
	prev := s.state
	s.state = Draining
	if prev == Running {
		close(s.queue)
	}
	s.mu.Unlock()
	close(s.stopping)

	s.log.Info().Str("reason", string(reason)).Msg("session draining")

	if prev == Running {
		ctx, cancel := context.WithTimeout(s.ctx, s.opts.PublishTimeout)
		if err := s.bus.Unsubscribe(ctx, s.topics...); err != nil {
			s.log.Warn().Err(err).Msg("unsubscribe control topics")
		}
		cancel()

		s.workers.Wait()
		s.flushUnanswered(reason)
	}

	s.mu.Lock()
	s.state = Finished
	fatal := s.fatal
	startedAt := s.startedAt
	s.mu.Unlock()

	s.report = Report{
		SessionID:   s.id,
		CompanyCode: s.opts.CompanyCode,
		Reason:      reason,
		StartedAt:   startedAt,
		FinishedAt:  s.opts.Clock(),
		Results:     s.Results(),
		Err:         fatal,
	}
	if s.cancel != nil {
		s.cancel()
	}

	s.log.Info().
		Str("reason", string(reason)).
		Int("devices", s.tracker.Len()).
		Int("results", len(s.report.Results)).
		Msg("session finished")
	close(s.done)
}

// flushUnanswered emits one INCONCLUSIVE result per device still waiting
// for its response. After an idle timeout, or once a device has waited a
// full idle window, it is no-response; otherwise the stop cut it short and
// it is interrupted.
func (s *Session) flushUnanswered(reason StopReason) {
	now := s.opts.Clock()
	for _, rec := range s.tracker.Snapshot() {
		if rec.State != model.RequestSent {
			continue
		}
		annotation := model.AnnotationInterrupted
		if reason == ReasonIdleTimeout || now.Sub(rec.FirstSeenAt) >= s.opts.IdleTimeout {
			annotation = model.AnnotationNoResponse
		}
		s.emit(reconcile.Unanswered(rec, annotation))
	}
}

// Results returns the results emitted so far, in emission order.
func (s *Session) Results() []model.ReconciliationResult {
	s.resultsMu.Lock()
	defer s.resultsMu.Unlock()
	out := make([]model.ReconciliationResult, 0, len(s.order))
	for _, k := range s.order {
		out = append(out, s.results[k])
	}
	return out
}

// Records exposes the tracker snapshot for progress reporting.
func (s *Session) Records() []model.DiscoveryRecord {
	return s.tracker.Snapshot()
}
