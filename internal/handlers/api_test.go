package handlers

import (
	"testing"

	"castor/internal/config"
)

func TestRedactSettingsHidesSecret(t *testing.T) {
	var cfg config.Config
	cfg.Notifications.PushbulletAPIKey = "o.abcdef123456"
	cfg.Engine.MaxConnection = 500

	got := redactSettings(cfg)
	if got.Notifications.PushbulletAPIKey == "o.abcdef123456" {
		t.Fatal("API key leaked through settings response")
	}
	if got.Notifications.PushbulletAPIKey == "" {
		t.Fatal("redaction should leave a placeholder, not erase the field")
	}
	if got.Engine.MaxConnection != 500 {
		t.Fatalf("redaction touched unrelated fields: %d", got.Engine.MaxConnection)
	}
	if cfg.Notifications.PushbulletAPIKey != "o.abcdef123456" {
		t.Fatal("redaction mutated the caller's copy")
	}
}

func TestRedactSettingsEmptyKey(t *testing.T) {
	var cfg config.Config
	if got := redactSettings(cfg); got.Notifications.PushbulletAPIKey != "" {
		t.Fatalf("empty key should stay empty, got %q", got.Notifications.PushbulletAPIKey)
	}
}
