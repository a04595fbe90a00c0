package recorder

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/codetime-proxy/codetime-proxy/internal/proxy"
	"github.com/codetime-proxy/codetime-proxy/internal/transaction"
)

const (
	defaultQueueSize    = 4096
	defaultWriteTimeout = 30 * time.Second
)

// Config configures the recorder service.
type Config struct {
	Sinks     []Sink
	Hasher    transaction.Hasher
	QueueSize int
	// StatsSchedule is a standard cron expression; empty disables the
	// periodic stats log.
	StatsSchedule string
	WriteTimeout  time.Duration
	Logger        *slog.Logger
	// OnResult observes every sink result after it is counted.
	OnResult func(Result)
}

type sinkWorker struct {
	sink     Sink
	queue    chan *transaction.Transaction
	counters *sinkCounters
}

// Service assembles transactions asynchronously and writes each one to
// every sink. Emit never blocks; exchanges arriving on a full queue are
// dropped and counted.
type Service struct {
	assembler    *Assembler
	queue        chan proxy.Exchange
	sinks        []*sinkWorker
	writeTimeout time.Duration
	logger       *slog.Logger
	onResult     func(Result)
	counters     counters

	schedule string
	cron     *cron.Cron

	started atomic.Bool
	// emitMu orders Emit against Stop: no send can land after the drain.
	emitMu  sync.RWMutex
	stopped bool
	stopCh  chan struct{}
	wg      sync.WaitGroup
	sinkWG  sync.WaitGroup
}

// NewService validates cfg and builds a stopped Service.
func NewService(cfg Config) (*Service, error) {
	queueSize := cfg.QueueSize
	if queueSize <= 0 {
		queueSize = defaultQueueSize
	}
	writeTimeout := cfg.WriteTimeout
	if writeTimeout <= 0 {
		writeTimeout = defaultWriteTimeout
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	s := &Service{
		assembler:    NewAssembler(cfg.Hasher),
		queue:        make(chan proxy.Exchange, queueSize),
		writeTimeout: writeTimeout,
		logger:       logger.With("component", "recorder"),
		onResult:     cfg.OnResult,
		counters:     newCounters(),
		schedule:     cfg.StatsSchedule,
		stopCh:       make(chan struct{}),
	}

	seen := make(map[string]bool, len(cfg.Sinks))
	for _, sink := range cfg.Sinks {
		if sink == nil {
			continue
		}
		name := sink.Name()
		if seen[name] {
			return nil, fmt.Errorf("recorder new: duplicate sink %q", name)
		}
		seen[name] = true
		s.sinks = append(s.sinks, &sinkWorker{
			sink:     sink,
			queue:    make(chan *transaction.Transaction, queueSize),
			counters: newSinkCounters(),
		})
	}

	if s.schedule != "" {
		c := cron.New()
		if _, err := c.AddFunc(s.schedule, s.logStats); err != nil {
			return nil, fmt.Errorf("recorder new: stats schedule %q: %w", s.schedule, err)
		}
		s.cron = c
	}
	return s, nil
}

// Assembler exposes the transaction builder, mainly for tests.
func (s *Service) Assembler() *Assembler { return s.assembler }

// Start launches the assembly worker, one worker per sink and the stats
// schedule.
func (s *Service) Start() {
	if !s.started.CompareAndSwap(false, true) {
		return
	}
	for _, w := range s.sinks {
		s.sinkWG.Add(1)
		go s.sinkLoop(w)
	}
	s.wg.Add(1)
	go s.assembleLoop()
	if s.cron != nil {
		s.cron.Start()
	}
	names := make([]string, 0, len(s.sinks))
	for _, w := range s.sinks {
		names = append(names, w.sink.Name())
	}
	s.logger.Info("recorder started", "sinks", names, "queue_size", cap(s.queue))
}

// Stop drains every queue and waits for in-flight writes.
func (s *Service) Stop() {
	s.emitMu.Lock()
	if s.stopped {
		s.emitMu.Unlock()
		return
	}
	s.stopped = true
	s.emitMu.Unlock()

	if s.cron != nil {
		<-s.cron.Stop().Done()
	}
	if !s.started.Load() {
		return
	}
	close(s.stopCh)
	s.wg.Wait()
	s.sinkWG.Wait()
	s.logStats()
}

// Emit enqueues ex for recording without blocking.
func (s *Service) Emit(ex proxy.Exchange) {
	s.counters.received.Inc()
	s.emitMu.RLock()
	defer s.emitMu.RUnlock()
	if s.stopped {
		s.counters.dropped.Inc()
		return
	}
	select {
	case s.queue <- ex:
	default:
		s.counters.dropped.Inc()
		s.logger.Warn("recorder queue full, exchange dropped",
			"method", ex.Method, "path", ex.Path, "status", ex.ResponseStatus)
	}
}

// EmitExchange implements proxy.ExchangeEmitter.
func (s *Service) EmitExchange(ex proxy.Exchange) { s.Emit(ex) }

// Stats returns a snapshot of all counters.
func (s *Service) Stats() Stats {
	st := Stats{
		Received:         s.counters.received.Value(),
		Dropped:          s.counters.dropped.Value(),
		Assembled:        s.counters.assembled.Value(),
		UnknownEventType: s.counters.unknown.Value(),
		Sinks:            make(map[string]SinkStats, len(s.sinks)),
	}
	for _, w := range s.sinks {
		st.Sinks[w.sink.Name()] = w.counters.snapshot()
	}
	return st
}

func (s *Service) assembleLoop() {
	defer s.wg.Done()
	defer func() {
		for _, w := range s.sinks {
			close(w.queue)
		}
	}()

	for {
		select {
		case ex := <-s.queue:
			s.dispatch(ex)
		case <-s.stopCh:
			for {
				select {
				case ex := <-s.queue:
					s.dispatch(ex)
				default:
					return
				}
			}
		}
	}
}

func (s *Service) dispatch(ex proxy.Exchange) {
	tx := s.assembler.Assemble(ex)
	s.counters.assembled.Inc()
	if tx.EventType != nil && !transaction.IsKnownEventType(*tx.EventType) {
		s.counters.unknown.Inc()
		s.logger.Debug("unknown event type", "event_type", *tx.EventType, "row_hash", tx.RowHash)
	}

	for _, w := range s.sinks {
		select {
		case w.queue <- tx:
		default:
			w.counters.dropped.Inc()
			s.logger.Warn("sink queue full, transaction dropped",
				"sink", w.sink.Name(), "row_hash", tx.RowHash)
		}
	}
}

func (s *Service) sinkLoop(w *sinkWorker) {
	defer s.sinkWG.Done()
	for tx := range w.queue {
		s.write(w, tx)
	}
}

func (s *Service) write(w *sinkWorker, tx *transaction.Transaction) {
	ctx, cancel := context.WithTimeout(context.Background(), s.writeTimeout)
	written, err := w.sink.Write(ctx, tx)
	cancel()

	res := resultOf(w.sink.Name(), tx.RowHash, written, err)
	w.counters.record(res.Outcome)
	switch res.Outcome {
	case OutcomeFailed:
		s.logger.Error("sink write failed",
			"sink", res.Sink, "row_hash", res.RowHash, "err", res.Err)
	case OutcomeDuplicate:
		s.logger.Debug("duplicate transaction skipped", "sink", res.Sink, "row_hash", res.RowHash)
	default:
		s.logger.Debug("transaction recorded",
			"sink", res.Sink, "row_hash", res.RowHash,
			"method", tx.Method, "path", tx.Path, "status", tx.ResponseStatus)
	}
	if s.onResult != nil {
		s.onResult(res)
	}
}
