package event

import "sync/atomic"

// Handle tracks delivery of an event. Copies retain the handle and every
// holder releases it once; the callback runs when the last holder releases.
type Handle interface {
	Retain()
	Release(success bool)
}

// CallbackHandle is a reference counted Handle
type CallbackHandle struct {
	refs     atomic.Int64
	failed   atomic.Bool
	callback func(success bool)
}

// NewCallbackHandle creates a handle held once
func NewCallbackHandle(callback func(success bool)) *CallbackHandle {
	h := &CallbackHandle{callback: callback}
	h.refs.Store(1)
	return h
}

// Retain adds a holder
func (h *CallbackHandle) Retain() {
	h.refs.Add(1)
}

// Release drops a holder. The callback receives false if any holder
// released with a failure.
func (h *CallbackHandle) Release(success bool) {
	if !success {
		h.failed.Store(true)
	}
	if h.refs.Add(-1) == 0 && h.callback != nil {
		h.callback(!h.failed.Load())
	}
}
