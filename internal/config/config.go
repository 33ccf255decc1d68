// Package config defines the structured settings the core consumes
// and validates them at startup. Parsing the settings from flags, environment, or a JSON5
// file is handled by LoadFile and BindFlags (loader.go); this
// file only defines the data shape and its validation rules.
package config

import (
	"fmt"
	"net"
)

const (
	DefaultMaxClient    = 1024
	DefaultIdleTimeoutS = 300
	DefaultMaxDummyData = 4
	MaxDummyDataCeiling = 1024
)

// StaticBinding is one pre-created client binding:
// client address/port plus the local egress port to bind.
type StaticBinding struct {
	ClientIP   net.IP
	ClientPort uint16
	LocalPort  uint16
}

// Config is the single structured-settings instance the core consumes
//. Three fields carry an explicit "was it set by
// the user" flag because startup validation must distinguish an unset
// field from a zero-value default.
type Config struct {
	// Section is this instance's name in a multi-section config file
	//; "main" when the file declares a single anonymous
	// section.
	Section string

	ListenAddr string // source-if; default 0.0.0.0
	ListenPort uint16 // source-lport
	ListenPortSet bool

	TargetHost string // target host:port, split at load time
	TargetPort uint16
	TargetSet  bool

	// TargetBindAddr/TargetBindPort optionally pin the egress socket's
	// local address/port (supplemental feature recovered from
	// original_source/config.c's -o/-r flags; see SPEC_FULL.md).
	TargetBindAddr string
	TargetBindPort uint16

	Key    []byte
	KeySet bool

	StaticBindings []StaticBinding

	MaxClient    int
	IdleTimeoutS int
	MaxDummyData int

	FirewallMark *int

	MaskingProfile string // empty means auto-detect

	Verbose string // ERROR|WARN|INFO|DEBUG|TRACE or 0..4
}

// Default returns a Config populated with every documented default
// default, with nothing yet marked as explicitly set.
func Default() Config {
	return Config{
		Section:      "main",
		ListenAddr:   "0.0.0.0",
		MaxClient:    DefaultMaxClient,
		IdleTimeoutS: DefaultIdleTimeoutS,
		MaxDummyData: DefaultMaxDummyData,
		Verbose:      "INFO",
	}
}

// Validate enforces the fatal-startup checks: required
// fields (listen port, target, key) must have been explicitly set, and
// every numeric field must fall within its documented range.
func (c *Config) Validate() error {
	if !c.ListenPortSet || c.ListenPort == 0 {
		return fmt.Errorf("config: source-lport is required")
	}
	if !c.TargetSet || c.TargetHost == "" {
		return fmt.Errorf("config: target is required")
	}
	if !c.KeySet || len(c.Key) == 0 {
		return fmt.Errorf("config: key is required")
	}
	if len(c.Key) > 255 {
		return fmt.Errorf("config: key must be 1..255 bytes, got %d", len(c.Key))
	}
	if c.MaxClient <= 0 {
		return fmt.Errorf("config: max-client must be > 0, got %d", c.MaxClient)
	}
	if c.IdleTimeoutS <= 0 {
		return fmt.Errorf("config: idle-timeout must be > 0 seconds, got %d", c.IdleTimeoutS)
	}
	if c.MaxDummyData < 0 || c.MaxDummyData > MaxDummyDataCeiling {
		return fmt.Errorf("config: max-dummy must be in [0,%d], got %d", MaxDummyDataCeiling, c.MaxDummyData)
	}
	seen := make(map[string]struct{}, len(c.StaticBindings))
	for _, b := range c.StaticBindings {
		key := fmt.Sprintf("%s:%d", b.ClientIP.String(), b.ClientPort)
		if _, dup := seen[key]; dup {
			return fmt.Errorf("config: duplicate static binding for %s", key)
		}
		seen[key] = struct{}{}
	}
	return nil
}

// IdleTimeoutMillis converts the configured idle timeout to
// milliseconds, the unit the event loop and connection table use
// internally.
func (c *Config) IdleTimeoutMillis() int64 {
	return int64(c.IdleTimeoutS) * 1000
}
