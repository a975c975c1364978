// Package config loads the eventpipe server configuration.
//
// The server file holds process-wide settings. Pipeline definitions are
// loaded separately by the parser package.
//
// # Basic Usage
//
// Loading configuration from files with layer merging:
//
//	loader := config.NewLoader()
//	loader.AddLayer("config/base.yaml")
//	loader.AddLayer("config/production.yaml") // Overrides base
//
//	cfg, err := loader.Load()
//	if err != nil {
//		log.Fatal(err)
//	}
//
// # Layer Merging
//
// Layers are merged map by map with last-wins semantics, so an override
// file only needs the keys it changes:
//
//	base.yaml:
//	  peer_forwarder: {port: 21890, discovery_mode: static}
//
//	production.yaml:
//	  peer_forwarder: {discovery_mode: dns, domain_name: peers.internal}
//
// # Environment Variable Overrides
//
// A handful of deployment-specific values can be overridden with
// EVENTPIPE_* variables, applied after the files and before defaults:
//
//	export EVENTPIPE_NATS_URLS="nats://server1:4222,nats://server2:4222"
//	export EVENTPIPE_PEER_FORWARDER_NODE_ADDRESS="10.0.4.12:21890"
//
// # Example
//
//	processor_shutdown_timeout: 30s
//	sink_shutdown_timeout: 30s
//	circuit_breakers:
//	  heap:
//	    usage: 2gb
//	    reset: 1s
//	peer_forwarder:
//	  discovery_mode: static
//	  static_endpoints: ["10.0.4.12", "10.0.4.13"]
//	metrics:
//	  port: 9090
//	nats:
//	  urls: ["nats://localhost:4222"]
package config
