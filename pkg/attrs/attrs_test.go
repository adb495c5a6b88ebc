package attrs

import (
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestString(t *testing.T) {
	tests := []struct {
		name   string
		args   []any
		want   string
		wantOK bool
	}{
		{"pair", []any{"resource", "group", "resource_id", "ban-group-1"}, "ban-group-1", true},
		{"attr", []any{slog.String("resource_id", "ban-group-2")}, "ban-group-2", true},
		{"mixed", []any{slog.Int("version", 2), "resource_id", "ban-group-3"}, "ban-group-3", true},
		{"value is not a string", []any{"resource_id", 12}, "", false},
		{"value used as key is skipped", []any{"name", "resource_id", "x", "y"}, "", false},
		{"dangling key", []any{"resource_id"}, "", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := String(tt.args, "resource_id")
			assert.Equal(t, tt.wantOK, ok)
			assert.Equal(t, tt.want, got)
		})
	}
}
