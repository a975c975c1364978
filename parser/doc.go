// Package parser reads pipeline definitions and turns them into runnable
// pipelines.
//
// A pipelines file maps pipeline names to their definition:
//
//	entry:
//	  workers: 2
//	  delay: 100ms
//	  source:
//	    random:
//	      rate: 50
//	  processor:
//	    - aggregate:
//	        identification_keys: [user]
//	  route:
//	    - errors: '/status >= 500'
//	  sink:
//	    - pipeline:
//	        name: errors-pipeline
//	        routes: [errors]
//	    - stdout: {}
//
// Every plugin entry is a single-key map of plugin name to settings. A
// source or sink of type "pipeline" is a connector naming another
// pipeline; the Transformer joins the two with one pipeline.Connector.
//
// Construction is best effort. Plugin failures are collected per pipeline
// into an errors.PluginErrors report; a failed pipeline is dropped together
// with every pipeline connected to it, and unrelated pipelines still build.
package parser
