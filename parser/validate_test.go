package parser

import (
	stderrors "errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/eventpipe/errors"
)

func spec(source string, sinks ...string) *PipelineSpec {
	s := &PipelineSpec{Source: PluginSpec{Name: "random"}}
	if source != "" {
		s.Source = PluginSpec{Name: ConnectorPlugin, Settings: map[string]any{"name": source}}
	}
	if len(sinks) == 0 {
		s.Sinks = []SinkSpec{{PluginSpec: PluginSpec{Name: "stdout"}}}
	}
	for _, down := range sinks {
		s.Sinks = append(s.Sinks, SinkSpec{PluginSpec: PluginSpec{Name: ConnectorPlugin, Settings: map[string]any{"name": down}}})
	}
	return s
}

func TestValidatePipelineNames_BuildOrder(t *testing.T) {
	specs := map[string]*PipelineSpec{
		"z-entry":  spec("", "m-middle", "a-side"),
		"m-middle": spec("z-entry", "b-leaf"),
		"a-side":   spec("z-entry"),
		"b-leaf":   spec("m-middle"),
		"solo":     spec(""),
	}
	order, err := ValidatePipelineNames(specs)
	require.NoError(t, err)
	require.Len(t, order, 5)

	pos := make(map[string]int)
	for i, name := range order {
		pos[name] = i
	}
	assert.Less(t, pos["z-entry"], pos["m-middle"])
	assert.Less(t, pos["z-entry"], pos["a-side"])
	assert.Less(t, pos["m-middle"], pos["b-leaf"])
}

func TestValidatePipelineNames_Errors(t *testing.T) {
	tests := []struct {
		name     string
		specs    map[string]*PipelineSpec
		pipeline string
		sentinel error
	}{
		{"empty", map[string]*PipelineSpec{}, "", errors.ErrMissingConfig},
		{"bad name", map[string]*PipelineSpec{"1bad": spec("")}, "1bad", errors.ErrInvalidConfig},
		{"missing upstream", map[string]*PipelineSpec{"a": spec("ghost")}, "a", errors.ErrPipelineMissing},
		{"missing downstream", map[string]*PipelineSpec{"a": spec("", "ghost")}, "a", errors.ErrPipelineMissing},
		{
			"upstream does not feed us",
			map[string]*PipelineSpec{"a": spec(""), "b": spec("a")},
			"b", errors.ErrInvalidConfig,
		},
		{
			"downstream reads elsewhere",
			map[string]*PipelineSpec{"a": spec("", "b"), "b": spec(""), "c": spec("")},
			"a", errors.ErrInvalidConfig,
		},
		{
			"unnamed connector",
			map[string]*PipelineSpec{"a": {Source: PluginSpec{Name: ConnectorPlugin}, Sinks: spec("").Sinks}},
			"a", errors.ErrInvalidConfig,
		},
		{
			"cycle",
			map[string]*PipelineSpec{"a": spec("b", "b"), "b": spec("a", "a")},
			"a", errors.ErrPipelineCycle,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ValidatePipelineNames(tt.specs)
			require.Error(t, err)
			assert.ErrorIs(t, err, tt.sentinel)

			var pe *errors.PluginError
			require.True(t, stderrors.As(err, &pe))
			assert.Equal(t, tt.pipeline, pe.Pipeline)
		})
	}
}

func TestValidatePipelineNames_CycleNamesPath(t *testing.T) {
	specs := map[string]*PipelineSpec{
		"a": spec("c", "b"),
		"b": spec("a", "c"),
		"c": spec("b", "a"),
	}
	_, err := ValidatePipelineNames(specs)
	require.Error(t, err)
	assert.ErrorIs(t, err, errors.ErrPipelineCycle)
	assert.Contains(t, err.Error(), "a -> b -> c -> a")
}
