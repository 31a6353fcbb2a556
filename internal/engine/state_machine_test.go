package engine

import (
	"testing"

	"tradesync/internal/models"
)

func TestCanTransition(t *testing.T) {
	tests := []struct {
		name string
		from string
		to   string
		want bool
	}{
		{name: "open to closing", from: models.PositionStatusOpen, to: models.PositionStatusClosing, want: true},
		{name: "open cannot skip closing", from: models.PositionStatusOpen, to: models.PositionStatusClosed, want: false},
		{name: "closing to closed", from: models.PositionStatusClosing, to: models.PositionStatusClosed, want: true},
		{name: "closed is terminal", from: models.PositionStatusClosed, to: models.PositionStatusOpen, want: false},
		{name: "closing cannot reopen", from: models.PositionStatusClosing, to: models.PositionStatusOpen, want: false},
		{name: "unknown status", from: "BOGUS", to: models.PositionStatusClosed, want: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := CanTransition(tt.from, tt.to); got != tt.want {
				t.Errorf("CanTransition(%s, %s) = %v, want %v", tt.from, tt.to, got, tt.want)
			}
		})
	}
}

func TestIsLive(t *testing.T) {
	if !IsLive(models.PositionStatusOpen) || !IsLive(models.PositionStatusClosing) {
		t.Error("OPEN and CLOSING are live")
	}
	if IsLive(models.PositionStatusClosed) {
		t.Error("CLOSED is not live")
	}
}
