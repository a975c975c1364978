package peerforwarder

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/eventpipe/errors"
	"github.com/c360/eventpipe/event"
)

func TestCodecsCarryEvents(t *testing.T) {
	for _, name := range []string{CodecJSON, CodecMsgpack} {
		t.Run(name, func(t *testing.T) {
			codec, err := NewCodec(name)
			require.NoError(t, err)
			assert.Equal(t, name, codec.Name())

			e := event.New("log", map[string]any{
				"user":   "alice",
				"nested": map[string]any{"status": "ok"},
			})
			req := &ForwardRequest{
				DestinationPipeline: "logs",
				DestinationPlugin:   "aggregate",
				Events:              []*event.Event{e},
			}

			data, err := codec.Encode(req)
			require.NoError(t, err)
			got, err := codec.Decode(data)
			require.NoError(t, err)

			assert.Equal(t, "logs", got.DestinationPipeline)
			assert.Equal(t, "aggregate", got.DestinationPlugin)
			require.Len(t, got.Events, 1)
			assert.Equal(t, e.ID, got.Events[0].ID)
			status, ok := got.Events[0].GetString("/nested/status")
			require.True(t, ok)
			assert.Equal(t, "ok", status)

			records := got.Records()
			require.Len(t, records, 1)
			_, isEvent := records[0].Event()
			assert.True(t, isEvent)
		})
	}
}

func TestCodecDecodeGarbage(t *testing.T) {
	for _, codec := range []Codec{JSONCodec{}, MsgpackCodec{}} {
		_, err := codec.Decode([]byte{0xc1, 0x00, '{'})
		require.Error(t, err, codec.Name())
		assert.ErrorIs(t, err, errors.ErrInvalidData)
		assert.True(t, errors.IsInvalid(err))
	}
}

func TestNewCodecUnknown(t *testing.T) {
	_, err := NewCodec("avro")
	require.Error(t, err)
	assert.True(t, errors.IsInvalid(err))
}

func TestForwardRequestRecordsSkipsNil(t *testing.T) {
	req := &ForwardRequest{Events: []*event.Event{nil, {ID: "x"}}}
	records := req.Records()
	require.Len(t, records, 1)
	e, _ := records[0].Event()
	assert.NotNil(t, e.Data)
}
