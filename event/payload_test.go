package event

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestFromPayload(t *testing.T) {
	tests := []struct {
		name    string
		payload string
		want    map[string]any
	}{
		{
			name:    "json object",
			payload: `{"status": 200, "latency": 1.5, "tags": [1, "a"], "req": {"id": 7}}`,
			want: map[string]any{
				"status":  int64(200),
				"latency": 1.5,
				"tags":    []any{int64(1), "a"},
				"req":     map[string]any{"id": int64(7)},
			},
		},
		{
			name:    "plain text",
			payload: "GET /index 200",
			want:    map[string]any{MessageKey: "GET /index 200"},
		},
		{
			name:    "json array stays raw",
			payload: `[1,2]`,
			want:    map[string]any{MessageKey: "[1,2]"},
		},
		{
			name:    "trailing garbage",
			payload: `{"a":1} tail`,
			want:    map[string]any{MessageKey: `{"a":1} tail`},
		},
		{
			name:    "empty",
			payload: "",
			want:    map[string]any{MessageKey: ""},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := FromPayload("log", []byte(tt.payload))
			assert.Equal(t, "log", e.Type)
			assert.NotEmpty(t, e.ID)
			assert.Equal(t, tt.want, e.Data)
		})
	}
}
