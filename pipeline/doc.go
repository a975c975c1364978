// Package pipeline runs a built pipeline: a source writing into a buffer,
// worker goroutines reading batches through the processor stages, and a
// router dispatching the results to sinks or to connectors feeding other
// pipelines.
//
// Shutdown is ordered. The source stops first, then workers drain the
// buffer until processors report ready, then the peer-forwarder receive
// buffers are given time to empty, and finally processors, the buffer and
// sinks are shut down. Every stage is bounded by its own timeout; a timeout
// elapsing is logged and recorded in the ShutdownReport and the sequence
// moves on.
package pipeline
