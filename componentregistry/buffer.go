package componentregistry

import (
	"fmt"
	"time"

	"github.com/c360/eventpipe/errors"
	"github.com/c360/eventpipe/event"
	"github.com/c360/eventpipe/pkg/buffer"
	"github.com/c360/eventpipe/plugin"
)

// BoundedBlockingName is the default buffer plugin
const BoundedBlockingName = "bounded_blocking"

// BoundedBlockingConfig sizes the in-memory buffer
type BoundedBlockingConfig struct {
	BufferSize   int           `yaml:"buffer_size"`
	BatchSize    int           `yaml:"batch_size"`
	DrainTimeout time.Duration `yaml:"drain_timeout"`
}

func createBoundedBlocking(setting *plugin.Setting, deps plugin.Dependencies) (any, error) {
	cfg := BoundedBlockingConfig{
		BufferSize: buffer.DefaultCapacity,
		BatchSize:  buffer.DefaultBatchSize,
	}
	if err := setting.Decode(&cfg); err != nil {
		return nil, err
	}
	if cfg.DrainTimeout < 0 {
		return nil, errors.WrapInvalid(
			fmt.Errorf("%w: drain_timeout cannot be negative", errors.ErrInvalidConfig),
			"ComponentRegistry", "createBoundedBlocking", "validate drain timeout")
	}

	buf, err := buffer.NewBounded[*event.Record](cfg.BufferSize, cfg.BatchSize,
		buffer.WithName(setting.PipelineName),
		buffer.WithDrainTimeout(cfg.DrainTimeout),
		buffer.WithMetrics(deps.Metrics))
	if err != nil {
		return nil, err
	}
	return buf, nil
}
