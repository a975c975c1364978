package peerforwarder

import (
	"encoding/json"
	"fmt"

	"github.com/vmihailenco/msgpack/v5"

	"github.com/c360/eventpipe/errors"
	"github.com/c360/eventpipe/event"
)

// Codec names
const (
	CodecJSON    = "json"
	CodecMsgpack = "msgpack"
)

// ForwardRequest is one batch sent to the peer owning its events
type ForwardRequest struct {
	DestinationPipeline string         `json:"destination_pipeline" msgpack:"destination_pipeline"`
	DestinationPlugin   string         `json:"destination_plugin" msgpack:"destination_plugin"`
	Events              []*event.Event `json:"events" msgpack:"events"`
}

// Records wraps the request's events in records
func (r *ForwardRequest) Records() []*event.Record {
	out := make([]*event.Record, 0, len(r.Events))
	for _, e := range r.Events {
		if e == nil {
			continue
		}
		if e.Data == nil {
			e.Data = make(map[string]any)
		}
		out = append(out, event.NewRecord(e))
	}
	return out
}

// Codec serializes forward requests
type Codec interface {
	Name() string
	ContentType() string
	Encode(req *ForwardRequest) ([]byte, error)
	Decode(data []byte) (*ForwardRequest, error)
}

// NewCodec returns the codec registered under name
func NewCodec(name string) (Codec, error) {
	switch name {
	case CodecJSON, "":
		return JSONCodec{}, nil
	case CodecMsgpack:
		return MsgpackCodec{}, nil
	default:
		return nil, errors.WrapInvalid(
			fmt.Errorf("%w: unknown codec %q", errors.ErrInvalidConfig, name),
			"peerforwarder", "NewCodec", "codec lookup")
	}
}

// JSONCodec encodes requests as JSON
type JSONCodec struct{}

// Name returns "json"
func (JSONCodec) Name() string { return CodecJSON }

// ContentType returns the HTTP content type
func (JSONCodec) ContentType() string { return "application/json" }

// Encode implements Codec
func (JSONCodec) Encode(req *ForwardRequest) ([]byte, error) {
	data, err := json.Marshal(req)
	if err != nil {
		return nil, errors.WrapInvalid(err, "JSONCodec", "Encode", "marshal forward request")
	}
	return data, nil
}

// Decode implements Codec
func (JSONCodec) Decode(data []byte) (*ForwardRequest, error) {
	var req ForwardRequest
	if err := json.Unmarshal(data, &req); err != nil {
		return nil, errors.WrapInvalid(
			fmt.Errorf("%w: %v", errors.ErrInvalidData, err),
			"JSONCodec", "Decode", "unmarshal forward request")
	}
	return &req, nil
}

// MsgpackCodec encodes requests as MessagePack
type MsgpackCodec struct{}

// Name returns "msgpack"
func (MsgpackCodec) Name() string { return CodecMsgpack }

// ContentType returns the HTTP content type
func (MsgpackCodec) ContentType() string { return "application/msgpack" }

// Encode implements Codec
func (MsgpackCodec) Encode(req *ForwardRequest) ([]byte, error) {
	data, err := msgpack.Marshal(req)
	if err != nil {
		return nil, errors.WrapInvalid(err, "MsgpackCodec", "Encode", "marshal forward request")
	}
	return data, nil
}

// Decode implements Codec
func (MsgpackCodec) Decode(data []byte) (*ForwardRequest, error) {
	var req ForwardRequest
	if err := msgpack.Unmarshal(data, &req); err != nil {
		return nil, errors.WrapInvalid(
			fmt.Errorf("%w: %v", errors.ErrInvalidData, err),
			"MsgpackCodec", "Decode", "unmarshal forward request")
	}
	return &req, nil
}
