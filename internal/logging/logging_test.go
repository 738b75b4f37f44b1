package logging

import (
	"context"
	"testing"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

func TestNewParsesLevel(t *testing.T) {
	l, err := New("warn", "json")
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	if l.Core().Enabled(zapcore.InfoLevel) {
		t.Fatalf("info should be disabled at warn level")
	}
	if !l.Core().Enabled(zapcore.WarnLevel) {
		t.Fatalf("warn should be enabled")
	}

	l, err = New("bogus", "console")
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	if !l.Core().Enabled(zapcore.InfoLevel) {
		t.Fatalf("unknown level should fall back to info")
	}
}

func TestFromContext(t *testing.T) {
	fallback := zap.NewExample()
	if From(context.Background(), fallback) != fallback {
		t.Fatalf("expected fallback")
	}
	l := Nop()
	if From(WithLogger(context.Background(), l), fallback) != l {
		t.Fatalf("expected context logger")
	}
	if From(context.Background(), nil) == nil {
		t.Fatalf("expected nop logger")
	}
}
