package config

import (
	"os"
	"strings"
)

// AutoReassignOnRefusal controls whether a refused delivery immediately searches for the next
// nearest transporter. Defaults to on.
//
// Set via env:
// - AUTO_REASSIGN_ON_REFUSAL=false
func AutoReassignOnRefusal() bool {
	return boolFromEnv("AUTO_REASSIGN_ON_REFUSAL", true)
}

// OutboxDispatcherEnabled starts the notification outbox dispatcher inside the API process.
//
// Set via env:
// - OUTBOX_DISPATCHER_ENABLED=true
func OutboxDispatcherEnabled() bool {
	return boolFromEnv("OUTBOX_DISPATCHER_ENABLED", false)
}

func boolFromEnv(key string, def bool) bool {
	v := strings.ToLower(strings.TrimSpace(os.Getenv(key)))
	switch v {
	case "1", "true", "yes", "y":
		return true
	case "0", "false", "no", "n":
		return false
	}
	return def
}
