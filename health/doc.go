// Package health tracks the health of running pipelines and the
// services around them.
//
// A Monitor holds one Status per named component. Watch polls a set of
// probes, typically one PipelineProbe per running pipeline plus the peer
// forwarder, and Handler serves the aggregate over HTTP:
//
//	monitor := health.NewMonitor()
//	probes := map[string]health.Probe{}
//	for name, p := range pipelines {
//		probes["pipeline:"+name] = health.PipelineProbe(p)
//	}
//	go monitor.Watch(ctx, 5*time.Second, probes)
//	metricsServer := metric.NewServer(port, "/metrics", registry, health.Handler(monitor, "eventpipe"))
//
// # Health States
//
//   - healthy: running normally
//   - degraded: starting, draining, or running with reduced capacity
//   - unhealthy: stopped or failed
//
// Aggregation is worst-wins: any unhealthy component makes the aggregate
// unhealthy, otherwise any degraded one makes it degraded.
//
// Messages built from errors pass through a sanitizer that strips URLs,
// paths, addresses and credentials before they are served.
package health
