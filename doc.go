// Package eventpipe is an event pipeline engine. Events flow from a source
// through a buffer and an ordered chain of processors to one or more sinks,
// with conditional routing between the last processor and the sinks.
//
// # Architecture
//
// A running process hosts any number of named pipelines:
//
//	source -> buffer -> [process workers: processor chain] -> router -> sinks
//
// Pipelines can be chained with the "pipeline" connector plugin: a connector
// sink in one pipeline writes into the buffer of another pipeline whose
// source names it back. Connector chains must be acyclic.
//
// Stateful processors such as aggregate declare identification keys. When
// the process runs as part of a cluster, the peer forwarder hashes those
// keys onto a consistent-hash ring and forwards each event to the node that
// owns it, so every event of one group reaches the same processor instance.
//
// # Packages
//
//   - event: the event model, acknowledgement handles and records
//   - plugin: plugin interfaces, settings and the registry
//   - parser: pipeline YAML loading, validation and the transformer that
//     builds pipelines from their definitions
//   - pipeline: the runtime (workers, connectors, ordered shutdown)
//   - router: route evaluation and fan-out to sinks
//   - peerforwarder: hash ring, discovery, HTTP/NATS transport and the
//     receive buffers that feed forwarded events back into a pipeline
//   - expression: the condition language used by routes and processors
//   - circuitbreaker: the global heap breaker guarding buffer writes
//   - config, metric, health, natsclient: server plumbing
//   - input, processor, output: the built-in plugins, registered through
//     componentregistry
//
// # Error Handling
//
// Errors are classified with the errors package as transient, invalid or
// fatal. Transient failures are retried where a retry makes sense; invalid
// configuration is reported per plugin and removes only the affected
// pipelines together with every pipeline connected to them.
//
// # Running
//
//	eventpipe --config server.yaml --pipelines pipelines.d/
//
// Metrics are served on /metrics and aggregated pipeline health on /health
// of the same listener.
package eventpipe
