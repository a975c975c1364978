// Package plugin defines the contracts between the pipeline engine and the
// sources, buffers, processors and sinks it runs, and the typed registry
// that constructs them from configuration.
//
// The engine never inspects concrete plugin types. Capabilities such as
// peer forwarding are declared on the Registration and, where a plugin must
// supply data for them, through the small optional interfaces in this file.
package plugin

import (
	"context"

	"github.com/c360/eventpipe/event"
	"github.com/c360/eventpipe/pkg/buffer"
)

// Kind tags what a plugin is
type Kind string

// Plugin kinds
const (
	KindSource    Kind = "source"
	KindBuffer    Kind = "buffer"
	KindProcessor Kind = "processor"
	KindSink      Kind = "sink"
)

// Buffer is the record buffer between a source and its workers
type Buffer = buffer.Buffer[*event.Record]

// Source produces records into a buffer. Start must return promptly; any
// long-running reading happens on goroutines owned by the source.
type Source interface {
	Start(ctx context.Context, buf Buffer) error
	Stop()
}

// Processor transforms a batch of records
type Processor interface {
	Execute(ctx context.Context, records []*event.Record) []*event.Record

	// PrepareForShutdown tells the processor no more input is coming so it
	// can flush any state it holds.
	PrepareForShutdown()
	IsReadyForShutdown() bool
	Shutdown()
}

// Sink consumes records at the end of a pipeline
type Sink interface {
	// Initialize is retried until IsReady reports true
	Initialize() error
	IsReady() bool
	Output(ctx context.Context, records []*event.Record)
	Shutdown()
}

// IdentificationKeyProvider is implemented by processors that need every
// event sharing the same key values handled on the same node.
type IdentificationKeyProvider interface {
	IdentificationKeys() []string
}

// PeerForwardingFilter lets a peer-forwarded processor opt single events
// out of forwarding. Events it rejects skip the processor entirely unless
// they are also local-only.
type PeerForwardingFilter interface {
	IsApplicableEventForPeerForwarding(e *event.Event) bool
	IsForLocalProcessingOnly(e *event.Event) bool
}

// Acknowledgeable is implemented by sources and connectors that release
// event handles once sinks finish with them.
type Acknowledgeable interface {
	AcknowledgementsEnabled() bool
}

// AcknowledgementSetter lets the engine turn acknowledgements on for a
// source after construction
type AcknowledgementSetter interface {
	EnableAcknowledgements()
}

// OffHeapBuffer reports whether a buffer keeps records outside process
// memory
type OffHeapBuffer interface {
	IsWrittenOffHeapOnly() bool
}
