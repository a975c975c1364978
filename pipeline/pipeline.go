package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/c360/eventpipe/errors"
	"github.com/c360/eventpipe/metric"
	"github.com/c360/eventpipe/plugin"
	"github.com/c360/eventpipe/router"
)

// Status is the lifecycle state of a pipeline
type Status int

// Pipeline statuses
const (
	StatusCreated Status = iota
	StatusStarting
	StatusRunning
	StatusStopping
	StatusStopped
	StatusFailed
)

// String returns the status name
func (s Status) String() string {
	switch s {
	case StatusCreated:
		return "created"
	case StatusStarting:
		return "starting"
	case StatusRunning:
		return "running"
	case StatusStopping:
		return "stopping"
	case StatusStopped:
		return "stopped"
	case StatusFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Defaults
const (
	DefaultWorkers                   = 1
	DefaultReadBatchDelay            = 3 * time.Second
	DefaultProcessorShutdownTimeout  = 10 * time.Second
	DefaultSinkShutdownTimeout       = 10 * time.Second
	DefaultPeerForwarderDrainTimeout = 10 * time.Second

	sinkRetryInterval = 200 * time.Millisecond
	sinkRetryLogEvery = time.Minute
)

// NamedSink is a sink together with the name it was configured under
type NamedSink struct {
	Name string
	plugin.Sink
}

// Drainable is a buffer the shutdown sequence waits on
type Drainable interface {
	IsEmpty() bool
}

// Config holds everything a pipeline is built from
type Config struct {
	Name   string
	Source plugin.Source
	Buffer plugin.Buffer

	// ProcessorSets holds one entry per processor stage, in order. A stage
	// holds either one shared instance or one instance per worker.
	ProcessorSets [][]plugin.Processor
	Sinks         []router.DataFlowComponent[*NamedSink]

	// Router dispatches processed records to Sinks. Nil routes every
	// record to every sink.
	Router *router.Router[*NamedSink]

	Workers        int
	ReadBatchDelay time.Duration

	ProcessorShutdownTimeout  time.Duration
	SinkShutdownTimeout       time.Duration
	PeerForwarderDrainTimeout time.Duration

	// ReceiveBuffers are the peer-forwarder receive buffers of this
	// pipeline's processors
	ReceiveBuffers []Drainable

	// Acknowledgements turns on releasing the handles of events that a
	// processor drops
	Acknowledgements bool

	Logger  *slog.Logger
	Metrics *metric.Metrics
}

// Pipeline is one running data flow
type Pipeline struct {
	name           string
	source         plugin.Source
	buffer         plugin.Buffer
	processorSets  [][]plugin.Processor
	sinks          []router.DataFlowComponent[*NamedSink]
	router         *router.Router[*NamedSink]
	workers        int
	readBatchDelay time.Duration

	processorShutdownTimeout  time.Duration
	sinkShutdownTimeout       time.Duration
	peerForwarderDrainTimeout time.Duration
	receiveBuffers            []Drainable
	acknowledgements          bool

	logger  *slog.Logger
	metrics *metric.Metrics

	// mu serialises starting the source against Shutdown
	mu            sync.Mutex
	status        atomic.Int32
	executed      bool
	sourceStarted bool
	cancel        context.CancelFunc
	cancelWorkers context.CancelFunc
	workerWG      sync.WaitGroup
	started       chan struct{}
	report        *ShutdownReport
	shutdownOnce  sync.Once

	stopRequested atomic.Bool
	forceStop     atomic.Bool

	observersMu sync.Mutex
	observers   []func(*Pipeline)
}

// New validates cfg and creates a pipeline
func New(cfg Config) (*Pipeline, error) {
	if err := plugin.ValidateName(cfg.Name); err != nil {
		return nil, err
	}
	if cfg.Source == nil || cfg.Buffer == nil {
		return nil, errors.WrapInvalid(
			fmt.Errorf("%w: pipeline %s needs a source and a buffer", errors.ErrMissingConfig, cfg.Name),
			"Pipeline", "New", "component validation")
	}
	if len(cfg.Sinks) == 0 {
		return nil, errors.WrapInvalid(
			fmt.Errorf("%w: pipeline %s needs at least one sink", errors.ErrMissingConfig, cfg.Name),
			"Pipeline", "New", "component validation")
	}
	if cfg.Workers <= 0 {
		cfg.Workers = DefaultWorkers
	}
	if cfg.ReadBatchDelay <= 0 {
		cfg.ReadBatchDelay = DefaultReadBatchDelay
	}
	if cfg.ProcessorShutdownTimeout <= 0 {
		cfg.ProcessorShutdownTimeout = DefaultProcessorShutdownTimeout
	}
	if cfg.SinkShutdownTimeout <= 0 {
		cfg.SinkShutdownTimeout = DefaultSinkShutdownTimeout
	}
	if cfg.PeerForwarderDrainTimeout <= 0 {
		cfg.PeerForwarderDrainTimeout = DefaultPeerForwarderDrainTimeout
	}
	for i, set := range cfg.ProcessorSets {
		if len(set) != 1 && len(set) != cfg.Workers {
			return nil, errors.WrapInvalid(
				fmt.Errorf("%w: processor stage %d has %d instances, want 1 or %d",
					errors.ErrInvalidConfig, i, len(set), cfg.Workers),
				"Pipeline", "New", "processor validation")
		}
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	logger := cfg.Logger.With("pipeline", cfg.Name)
	if cfg.Router == nil {
		cfg.Router = router.New[*NamedSink](nil, router.DefaultNoRouteHandler(logger, cfg.Metrics, cfg.Name))
	}

	p := &Pipeline{
		name:                      cfg.Name,
		source:                    cfg.Source,
		buffer:                    cfg.Buffer,
		processorSets:             cfg.ProcessorSets,
		sinks:                     cfg.Sinks,
		router:                    cfg.Router,
		workers:                   cfg.Workers,
		readBatchDelay:            cfg.ReadBatchDelay,
		processorShutdownTimeout:  cfg.ProcessorShutdownTimeout,
		sinkShutdownTimeout:       cfg.SinkShutdownTimeout,
		peerForwarderDrainTimeout: cfg.PeerForwarderDrainTimeout,
		receiveBuffers:            cfg.ReceiveBuffers,
		acknowledgements:          cfg.Acknowledgements,
		logger:                    logger,
		metrics:                   cfg.Metrics,
		started:                   make(chan struct{}),
	}
	p.setStatus(StatusCreated)
	return p, nil
}

// Name returns the pipeline name
func (p *Pipeline) Name() string { return p.name }

// Source returns the source
func (p *Pipeline) Source() plugin.Source { return p.source }

// Buffer returns the buffer
func (p *Pipeline) Buffer() plugin.Buffer { return p.buffer }

// Sinks returns the sinks with their routes
func (p *Pipeline) Sinks() []router.DataFlowComponent[*NamedSink] { return p.sinks }

// ProcessorSets returns the processor stages
func (p *Pipeline) ProcessorSets() [][]plugin.Processor { return p.processorSets }

// Processors returns every processor instance
func (p *Pipeline) Processors() []plugin.Processor {
	var out []plugin.Processor
	for _, set := range p.processorSets {
		out = append(out, set...)
	}
	return out
}

// Workers returns the number of process workers
func (p *Pipeline) Workers() int { return p.workers }

// ReadBatchDelay is how long a worker waits for a batch to fill
func (p *Pipeline) ReadBatchDelay() time.Duration { return p.readBatchDelay }

// PeerForwarderDrainTimeout returns the drain timeout for receive buffers
func (p *Pipeline) PeerForwarderDrainTimeout() time.Duration { return p.peerForwarderDrainTimeout }

// AcknowledgementsEnabled reports whether dropped events are released
func (p *Pipeline) AcknowledgementsEnabled() bool { return p.acknowledgements }

// IsStopRequested reports whether Shutdown has begun
func (p *Pipeline) IsStopRequested() bool { return p.stopRequested.Load() }

// Status returns the lifecycle state
func (p *Pipeline) Status() Status { return Status(p.status.Load()) }

// Started is closed once the source and workers are running
func (p *Pipeline) Started() <-chan struct{} { return p.started }

// OnShutdown registers fn to run after the pipeline has shut down
func (p *Pipeline) OnShutdown(fn func(*Pipeline)) {
	p.observersMu.Lock()
	defer p.observersMu.Unlock()
	p.observers = append(p.observers, fn)
}

func (p *Pipeline) setStatus(s Status) {
	p.status.Store(int32(s))
	p.metrics.RecordPipelineStatus(p.name, int(s))
}

// Execute starts the pipeline in the background. Sinks are initialised
// until every one is ready; only then do the source and workers start.
func (p *Pipeline) Execute(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.executed {
		return errors.WrapInvalid(errors.ErrAlreadyStarted, "Pipeline", "Execute", "start pipeline "+p.name)
	}
	if p.stopRequested.Load() {
		return errors.WrapInvalid(errors.ErrShuttingDown, "Pipeline", "Execute", "start pipeline "+p.name)
	}
	p.executed = true

	ctx, p.cancel = context.WithCancel(ctx)
	p.setStatus(StatusStarting)
	p.logger.Info("Initiating pipeline execution", "workers", p.workers, "sinks", len(p.sinks))

	go func() {
		if !p.waitForSinks(ctx) {
			return
		}
		p.startSourceAndWorkers(ctx)
	}()
	return nil
}

// isReady initialises every sink that is not ready yet
func (p *Pipeline) isReady() bool {
	for _, s := range p.sinks {
		if s.Component.IsReady() {
			continue
		}
		if err := s.Component.Initialize(); err != nil {
			p.logger.Debug("Sink initialisation failed", "sink", s.Component.Name, "error", err)
		}
		if !s.Component.IsReady() {
			return false
		}
	}
	return true
}

func (p *Pipeline) waitForSinks(ctx context.Context) bool {
	ticker := time.NewTicker(sinkRetryInterval)
	defer ticker.Stop()

	lastLog := time.Time{}
	for !p.isReady() {
		if time.Since(lastLog) >= sinkRetryLogEvery {
			p.logger.Info("Waiting for sinks to be ready")
			lastLog = time.Now()
		}
		select {
		case <-ctx.Done():
			return false
		case <-ticker.C:
		}
		if p.stopRequested.Load() {
			return false
		}
	}
	return true
}

func (p *Pipeline) startSourceAndWorkers(ctx context.Context) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.stopRequested.Load() {
		return
	}

	p.logger.Info("Sinks are ready, starting source")
	if err := p.source.Start(ctx, p.buffer); err != nil {
		p.logger.Error("Source failed to start, skipping pipeline execution", "error", err)
		p.setStatus(StatusFailed)
		return
	}
	p.sourceStarted = true

	workerCtx, cancel := context.WithCancel(ctx)
	p.cancelWorkers = cancel
	for i := 0; i < p.workers; i++ {
		w := newProcessWorker(p, i, p.processorsForWorker(i))
		p.workerWG.Add(1)
		go func() {
			defer p.workerWG.Done()
			w.run(workerCtx)
		}()
	}
	p.setStatus(StatusRunning)
	close(p.started)
}

// processorsForWorker picks the shared instance or the worker's own
// instance of every stage
func (p *Pipeline) processorsForWorker(i int) []plugin.Processor {
	out := make([]plugin.Processor, len(p.processorSets))
	for s, set := range p.processorSets {
		if len(set) == 1 {
			out[s] = set[0]
		} else {
			out[s] = set[i]
		}
	}
	return out
}
