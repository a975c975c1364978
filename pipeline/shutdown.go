package pipeline

import (
	"sync"
	"time"
)

// Shutdown stages, used in logs, metrics and the report
const (
	StageProcessors    = "processors"
	StagePeerForwarder = "peer_forwarder_drain"
	StageSinks         = "sinks"
)

const drainPollInterval = 50 * time.Millisecond

// ShutdownReport describes how a shutdown went. A stage listed in
// TimedOut was abandoned once its timeout elapsed.
type ShutdownReport struct {
	Pipeline string
	Duration time.Duration
	TimedOut []string
}

// Clean reports whether every stage finished within its timeout
func (r ShutdownReport) Clean() bool {
	return len(r.TimedOut) == 0
}

// Shutdown stops the pipeline in order: source, process workers, peer
// forwarder receive buffers, processors and buffer, then sinks. It is safe
// to call more than once and from several goroutines; every call returns
// the report of the first.
func (p *Pipeline) Shutdown() ShutdownReport {
	p.shutdownOnce.Do(p.shutdown)
	report, _ := p.ShutdownReport()
	return report
}

// ShutdownReport returns the report once Shutdown has completed
func (p *Pipeline) ShutdownReport() (ShutdownReport, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.report == nil {
		return ShutdownReport{}, false
	}
	return *p.report, true
}

func (p *Pipeline) shutdown() {
	p.mu.Lock()
	p.logger.Info("Pipeline is being shut down")
	p.setStatus(StatusStopping)
	start := time.Now()

	if p.sourceStarted {
		p.source.Stop()
	}
	p.stopRequested.Store(true)
	p.mu.Unlock()

	report := ShutdownReport{Pipeline: p.name}

	processorTimeout := p.buffer.DrainTimeout() + p.processorShutdownTimeout
	if !waitTimeout(&p.workerWG, processorTimeout) {
		p.forceStop.Store(true)
		if p.cancelWorkers != nil {
			p.cancelWorkers()
		}
		p.timedOut(&report, StageProcessors, processorTimeout)
	}

	if !p.drainReceiveBuffers() {
		p.timedOut(&report, StagePeerForwarder, p.peerForwarderDrainTimeout)
	}

	for _, proc := range p.Processors() {
		proc.Shutdown()
	}
	p.buffer.Shutdown()

	if !p.shutdownSinks() {
		p.timedOut(&report, StageSinks, p.sinkShutdownTimeout)
	}

	if p.cancel != nil {
		p.cancel()
	}
	report.Duration = time.Since(start)
	p.setStatus(StatusStopped)
	p.logger.Info("Pipeline shut down", "duration", report.Duration, "timed_out", report.TimedOut)

	p.mu.Lock()
	p.report = &report
	p.mu.Unlock()

	p.observersMu.Lock()
	observers := append(([]func(*Pipeline))(nil), p.observers...)
	p.observersMu.Unlock()
	for _, fn := range observers {
		fn(p)
	}
}

func (p *Pipeline) timedOut(report *ShutdownReport, stage string, timeout time.Duration) {
	p.logger.Warn("Shutdown stage timed out, continuing", "stage", stage, "timeout", timeout)
	p.metrics.RecordShutdownTimeout(p.name, stage)
	report.TimedOut = append(report.TimedOut, stage)
}

// drainReceiveBuffers waits for records forwarded by peers to be consumed
func (p *Pipeline) drainReceiveBuffers() bool {
	if len(p.receiveBuffers) == 0 {
		return true
	}
	deadline := time.Now().Add(p.peerForwarderDrainTimeout)
	for {
		empty := true
		for _, b := range p.receiveBuffers {
			if !b.IsEmpty() {
				empty = false
				break
			}
		}
		if empty {
			return true
		}
		if time.Now().After(deadline) {
			return false
		}
		time.Sleep(drainPollInterval)
	}
}

func (p *Pipeline) shutdownSinks() bool {
	var wg sync.WaitGroup
	for _, s := range p.sinks {
		wg.Add(1)
		go func(s *NamedSink) {
			defer wg.Done()
			defer func() {
				if r := recover(); r != nil {
					p.logger.Error("Sink shutdown panicked", "sink", s.Name, "panic", r)
				}
			}()
			s.Shutdown()
		}(s.Component)
	}
	return waitTimeout(&wg, p.sinkShutdownTimeout)
}

// waitTimeout waits for wg and reports whether it finished in time
func waitTimeout(wg *sync.WaitGroup, timeout time.Duration) bool {
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-done:
		return true
	case <-timer.C:
		return false
	}
}
