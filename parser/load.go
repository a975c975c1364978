package parser

import (
	"bytes"
	stderrors "errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/c360/eventpipe/errors"
)

const maxPipelinesFileSize = 10 << 20

// reserved top-level keys that are not pipelines
var reservedKeys = map[string]struct{}{
	"version": {},
}

// PipelinesConfig holds every pipeline definition by name
type PipelinesConfig struct {
	Pipelines map[string]*PipelineSpec
}

// UnmarshalYAML decodes the top-level map of pipelines
func (c *PipelinesConfig) UnmarshalYAML(value *yaml.Node) error {
	if value.Kind != yaml.MappingNode {
		return errors.WrapInvalid(
			fmt.Errorf("%w: pipelines file must be a map of pipeline names", errors.ErrInvalidConfig),
			"PipelinesConfig", "UnmarshalYAML", "decode pipelines")
	}
	c.Pipelines = make(map[string]*PipelineSpec, len(value.Content)/2)
	for i := 0; i+1 < len(value.Content); i += 2 {
		name := value.Content[i].Value
		if _, reserved := reservedKeys[name]; reserved {
			continue
		}
		if _, dup := c.Pipelines[name]; dup {
			return errors.WrapInvalid(
				fmt.Errorf("%w: pipeline %q defined twice", errors.ErrInvalidConfig, name),
				"PipelinesConfig", "UnmarshalYAML", "decode pipelines")
		}
		spec := &PipelineSpec{}
		if err := value.Content[i+1].Decode(spec); err != nil {
			return errors.Wrap(err, "PipelinesConfig", "UnmarshalYAML", "decode pipeline "+name)
		}
		c.Pipelines[name] = spec
	}
	return nil
}

// MarshalYAML encodes the top-level map
func (c PipelinesConfig) MarshalYAML() (any, error) {
	return c.Pipelines, nil
}

// Normalize fills defaults in every pipeline
func (c *PipelinesConfig) Normalize() {
	for _, spec := range c.Pipelines {
		spec.Normalize()
	}
}

// Merge adds the pipelines of other. A name defined in both is an error.
func (c *PipelinesConfig) Merge(other *PipelinesConfig) error {
	if c.Pipelines == nil {
		c.Pipelines = make(map[string]*PipelineSpec)
	}
	for name, spec := range other.Pipelines {
		if _, dup := c.Pipelines[name]; dup {
			return errors.WrapInvalid(
				fmt.Errorf("%w: pipeline %q defined in more than one file", errors.ErrInvalidConfig, name),
				"PipelinesConfig", "Merge", "merge pipelines")
		}
		c.Pipelines[name] = spec
	}
	return nil
}

// FromYAML parses and normalises a pipelines document. Unknown keys in a
// pipeline definition are rejected.
func FromYAML(data []byte) (*PipelinesConfig, error) {
	dec := yaml.NewDecoder(bytes.NewReader(data))

	var cfg PipelinesConfig
	if err := dec.Decode(&cfg); err != nil {
		if stderrors.Is(err, io.EOF) {
			return nil, errors.WrapInvalid(
				fmt.Errorf("%w: no pipelines defined", errors.ErrMissingConfig),
				"parser", "FromYAML", "decode pipelines")
		}
		if errors.IsInvalid(err) {
			return nil, err
		}
		return nil, errors.WrapInvalid(
			fmt.Errorf("%w: %v", errors.ErrParsingFailed, err),
			"parser", "FromYAML", "decode pipelines")
	}
	cfg.Normalize()
	return &cfg, nil
}

// FromFile loads a pipelines file, or every .yaml/.yml file of a directory
func FromFile(path string) (*PipelinesConfig, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, errors.WrapInvalid(err, "parser", "FromFile", "stat "+path)
	}
	if !info.IsDir() {
		return readFile(path)
	}

	entries, err := os.ReadDir(path)
	if err != nil {
		return nil, errors.WrapInvalid(err, "parser", "FromFile", "read directory "+path)
	}
	var files []string
	for _, e := range entries {
		ext := strings.ToLower(filepath.Ext(e.Name()))
		if !e.IsDir() && (ext == ".yaml" || ext == ".yml") {
			files = append(files, filepath.Join(path, e.Name()))
		}
	}
	sort.Strings(files)
	return FromFiles(files...)
}

// FromFiles loads and merges several pipelines files
func FromFiles(paths ...string) (*PipelinesConfig, error) {
	if len(paths) == 0 {
		return nil, errors.WrapInvalid(
			fmt.Errorf("%w: no pipelines files", errors.ErrMissingConfig),
			"parser", "FromFiles", "load pipelines")
	}
	merged := &PipelinesConfig{Pipelines: make(map[string]*PipelineSpec)}
	for _, p := range paths {
		cfg, err := readFile(p)
		if err != nil {
			return nil, err
		}
		if err := merged.Merge(cfg); err != nil {
			return nil, err
		}
	}
	return merged, nil
}

func readFile(path string) (*PipelinesConfig, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, errors.WrapInvalid(err, "parser", "readFile", "stat "+path)
	}
	if !info.Mode().IsRegular() {
		return nil, errors.WrapInvalid(
			fmt.Errorf("%w: %s is not a regular file", errors.ErrInvalidConfig, path),
			"parser", "readFile", "check file")
	}
	if info.Size() > maxPipelinesFileSize {
		return nil, errors.WrapInvalid(
			fmt.Errorf("%w: %s is %d bytes, limit %d", errors.ErrInvalidConfig, path, info.Size(), maxPipelinesFileSize),
			"parser", "readFile", "check file size")
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.WrapInvalid(err, "parser", "readFile", "read "+path)
	}
	cfg, err := FromYAML(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return cfg, nil
}
