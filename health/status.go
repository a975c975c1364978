package health

import (
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/c360/eventpipe/pipeline"
)

// Health states
const (
	StateHealthy   = "healthy"
	StateDegraded  = "degraded"
	StateUnhealthy = "unhealthy"
)

// Pre-compiled regexes for error message sanitization
var (
	httpURLRegex     = regexp.MustCompile(`https?://[^\s]+`)
	natsURLRegex     = regexp.MustCompile(`nats://[^\s]+`)
	wsURLRegex       = regexp.MustCompile(`wss?://[^\s]+`)
	unixPathRegex    = regexp.MustCompile(`/[a-zA-Z0-9/_.-]+`)
	windowsPathRegex = regexp.MustCompile(`[A-Z]:\\[^:\s]+`)
	ipAddrRegex      = regexp.MustCompile(`\b\d{1,3}\.\d{1,3}\.\d{1,3}\.\d{1,3}\b`)
	portRegex        = regexp.MustCompile(`:\d{2,5}\b`)
	credentialRegex  = regexp.MustCompile(`(?i)(password|token|key|secret|credential)[^a-zA-Z]*[:=][^,\s}]+`)
)

// Status represents the health state of a component or system
type Status struct {
	Component   string    `json:"component"`
	Healthy     bool      `json:"healthy"`
	Status      string    `json:"status"`
	Message     string    `json:"message"`
	Timestamp   time.Time `json:"timestamp"`
	SubStatuses []Status  `json:"sub_statuses,omitempty"`
	Details     *Details  `json:"details,omitempty"`
}

// Details carries pipeline state next to the health verdict
type Details struct {
	State       string   `json:"state"`
	Workers     int      `json:"workers,omitempty"`
	BufferEmpty bool     `json:"buffer_empty"`
	TimedOut    []string `json:"shutdown_timed_out,omitempty"`
}

// IsHealthy returns true if the status is healthy
func (s Status) IsHealthy() bool {
	return s.Status == StateHealthy
}

// IsDegraded returns true if the status is degraded
func (s Status) IsDegraded() bool {
	return s.Status == StateDegraded
}

// IsUnhealthy returns true if the status is unhealthy
func (s Status) IsUnhealthy() bool {
	return s.Status == StateUnhealthy
}

// WithDetails returns a copy of the status with details attached
func (s Status) WithDetails(d *Details) Status {
	s.Details = d
	return s
}

// WithSubStatus adds a sub-status and returns a copy
func (s Status) WithSubStatus(subStatus Status) Status {
	subs := make([]Status, len(s.SubStatuses), len(s.SubStatuses)+1)
	copy(subs, s.SubStatuses)
	s.SubStatuses = append(subs, subStatus)
	return s
}

// sanitizeErrorMessage removes URLs, paths, addresses, ports and
// credentials from an error message.
func sanitizeErrorMessage(err string) string {
	if err == "" {
		return ""
	}

	// URLs go first since they contain paths
	sanitized := httpURLRegex.ReplaceAllString(err, "[URL]")
	sanitized = natsURLRegex.ReplaceAllString(sanitized, "[URL]")
	sanitized = wsURLRegex.ReplaceAllString(sanitized, "[URL]")

	sanitized = unixPathRegex.ReplaceAllString(sanitized, "[PATH]")
	sanitized = windowsPathRegex.ReplaceAllString(sanitized, "[PATH]")
	sanitized = ipAddrRegex.ReplaceAllString(sanitized, "[IP]")
	sanitized = portRegex.ReplaceAllString(sanitized, "[PORT]")
	return credentialRegex.ReplaceAllString(sanitized, "[REDACTED]")
}

// FromError builds an unhealthy status with a sanitized error message
func FromError(component string, err error) Status {
	if err == nil {
		return NewHealthy(component, "ok")
	}
	return NewUnhealthy(component, sanitizeErrorMessage(err.Error()))
}

// FromPipeline maps a pipeline's lifecycle state onto a health status.
// A pipeline waiting for its sinks or draining is degraded.
func FromPipeline(p *pipeline.Pipeline) Status {
	name := p.Name()
	state := p.Status()
	details := &Details{
		State:       state.String(),
		Workers:     p.Workers(),
		BufferEmpty: p.Buffer().IsEmpty(),
	}

	var s Status
	switch state {
	case pipeline.StatusRunning:
		s = NewHealthy(name, "Pipeline running")
	case pipeline.StatusCreated, pipeline.StatusStarting:
		s = NewDegraded(name, "Pipeline waiting for sinks to become ready")
	case pipeline.StatusStopping:
		s = NewDegraded(name, "Pipeline draining")
	case pipeline.StatusStopped:
		s = NewUnhealthy(name, "Pipeline stopped")
		if report, ok := p.ShutdownReport(); ok && !report.Clean() {
			details.TimedOut = report.TimedOut
			s.Message = fmt.Sprintf("Pipeline stopped after timeouts in %s", strings.Join(report.TimedOut, ", "))
		}
	default:
		s = NewUnhealthy(name, "Pipeline failed to start")
	}
	return s.WithDetails(details)
}
