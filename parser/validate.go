package parser

import (
	"fmt"
	"sort"
	"strings"

	"github.com/c360/eventpipe/errors"
	"github.com/c360/eventpipe/plugin"
)

func pipelineError(name, componentType string, err error) *errors.PluginError {
	return &errors.PluginError{Pipeline: name, ComponentType: componentType, PluginName: ConnectorPlugin, Err: err}
}

func invalid(format string, sentinel error, args ...any) error {
	return errors.WrapInvalid(
		fmt.Errorf("%w: "+format, append([]any{sentinel}, args...)...),
		"parser", "ValidatePipelineNames", "validate connectors")
}

// ValidatePipelineNames checks pipeline names and connectors and returns
// the order to build pipelines in, upstream before downstream. Every
// connector must name a defined pipeline, both ends of a connector must
// agree and the connectors must not form a cycle. The error is an
// *errors.PluginError naming the offending pipeline.
func ValidatePipelineNames(specs map[string]*PipelineSpec) ([]string, error) {
	if len(specs) == 0 {
		return nil, &errors.PluginError{
			ComponentType: errors.ComponentPipeline,
			Err: errors.WrapInvalid(fmt.Errorf("%w: no pipelines defined", errors.ErrMissingConfig),
				"parser", "ValidatePipelineNames", "validate names"),
		}
	}

	names := make([]string, 0, len(specs))
	for name := range specs {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		if err := plugin.ValidateName(name); err != nil {
			return nil, &errors.PluginError{Pipeline: name, ComponentType: errors.ComponentPipeline, Err: err}
		}
		if err := validateConnectors(name, specs); err != nil {
			return nil, err
		}
	}

	return buildOrder(names, specs)
}

func validateConnectors(name string, specs map[string]*PipelineSpec) error {
	spec := specs[name]

	if spec.Source.IsConnector() {
		upstream, ok := spec.Source.ConnectedPipeline()
		if !ok {
			return pipelineError(name, errors.ComponentSource,
				invalid("pipeline connector source needs a name", errors.ErrInvalidConfig))
		}
		up, defined := specs[upstream]
		if !defined {
			return pipelineError(name, errors.ComponentSource,
				invalid("source pipeline %q is not defined", errors.ErrPipelineMissing, upstream))
		}
		if !contains(up.DownstreamPipelines(), name) {
			return pipelineError(name, errors.ComponentSource,
				invalid("source pipeline %q has no sink for pipeline %q", errors.ErrInvalidConfig, upstream, name))
		}
	}

	seen := make(map[string]struct{})
	for _, sink := range spec.Sinks {
		if !sink.IsConnector() {
			continue
		}
		downstream, ok := sink.ConnectedPipeline()
		if !ok {
			return pipelineError(name, errors.ComponentSink,
				invalid("pipeline connector sink needs a name", errors.ErrInvalidConfig))
		}
		if _, dup := seen[downstream]; dup {
			return pipelineError(name, errors.ComponentSink,
				invalid("pipeline %q is a sink more than once", errors.ErrInvalidConfig, downstream))
		}
		seen[downstream] = struct{}{}

		down, defined := specs[downstream]
		if !defined {
			return pipelineError(name, errors.ComponentSink,
				invalid("sink pipeline %q is not defined", errors.ErrPipelineMissing, downstream))
		}
		if upstream, ok := down.UpstreamPipeline(); !ok || upstream != name {
			return pipelineError(name, errors.ComponentSink,
				invalid("sink pipeline %q does not read from pipeline %q", errors.ErrInvalidConfig, downstream, name))
		}
	}
	return nil
}

// buildOrder sorts pipelines topologically along their sink connectors
func buildOrder(names []string, specs map[string]*PipelineSpec) ([]string, error) {
	const (
		unvisited = iota
		visiting
		visited
	)
	state := make(map[string]int, len(names))
	post := make([]string, 0, len(names))
	var path []string

	var visit func(name string) error
	visit = func(name string) error {
		state[name] = visiting
		path = append(path, name)
		for _, down := range specs[name].DownstreamPipelines() {
			switch state[down] {
			case visiting:
				start := indexOf(path, down)
				cycle := append(append([]string(nil), path[start:]...), down)
				return &errors.PluginError{
					Pipeline:      down,
					ComponentType: errors.ComponentPipeline,
					Err: errors.WrapInvalid(
						fmt.Errorf("%w: %s", errors.ErrPipelineCycle, strings.Join(cycle, " -> ")),
						"parser", "ValidatePipelineNames", "detect cycles"),
				}
			case unvisited:
				if err := visit(down); err != nil {
					return err
				}
			}
		}
		path = path[:len(path)-1]
		state[name] = visited
		post = append(post, name)
		return nil
	}

	for _, name := range names {
		if state[name] == unvisited {
			if err := visit(name); err != nil {
				return nil, err
			}
		}
	}

	order := make([]string, len(post))
	for i, name := range post {
		order[len(post)-1-i] = name
	}
	return order, nil
}

func contains(list []string, s string) bool {
	return indexOf(list, s) >= 0
}

func indexOf(list []string, s string) int {
	for i, v := range list {
		if v == s {
			return i
		}
	}
	return -1
}
