package tools

import (
	"context"
	"testing"
)

func TestChannelIDFromContext(t *testing.T) {
	tests := []struct {
		name string
		ctx  context.Context
		want string
	}{
		{"empty when unset", context.Background(), ""},
		{"round trip", WithChannelID(context.Background(), "chan-42"), "chan-42"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := ChannelIDFromContext(tt.ctx); got != tt.want {
				t.Errorf("ChannelIDFromContext() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestPassIDFromContext(t *testing.T) {
	ctx := context.Background()
	if got := PassIDFromContext(WithPassID(ctx, "")); got != "" {
		t.Errorf("empty id should leave context unchanged, got %q", got)
	}
	if got := PassIDFromContext(WithPassID(ctx, "pass-1")); got != "pass-1" {
		t.Errorf("PassIDFromContext() = %q, want pass-1", got)
	}
}
