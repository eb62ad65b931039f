package main

import (
	"fmt"
	"net/url"

	"shopsync/backend/internal/config"
)

// validateSecurityConfig refuses to serve the local API or dial the relay
// with settings that would make tokens forgeable.
func validateSecurityConfig(cfg config.Config) error {
	if len(cfg.AuthSecret) < 32 {
		return fmt.Errorf("AUTH_SECRET must be set and at least 32 characters")
	}
	switch cfg.RealtimeMode {
	case config.RealtimeNone, config.RealtimePG:
	case config.RealtimeWS:
		u, err := url.Parse(cfg.RealtimeURL)
		if err != nil || u.Host == "" {
			return fmt.Errorf("REALTIME_URL must be an absolute ws:// or wss:// URL")
		}
		if u.Scheme != "wss" && u.Scheme != "ws" {
			return fmt.Errorf("REALTIME_URL scheme %q is not a websocket scheme", u.Scheme)
		}
	default:
		return fmt.Errorf("REALTIME_MODE %q is not one of pg, ws, none", cfg.RealtimeMode)
	}
	if cfg.AllowedOrigin == "*" {
		return fmt.Errorf("ALLOWED_ORIGIN must name the till UI origin, not *")
	}
	return nil
}
