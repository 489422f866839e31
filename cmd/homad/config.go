// Copyright (c) Tailscale Inc & AUTHORS
// SPDX-License-Identifier: BSD-3-Clause

package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/netip"
	"os"
	"time"

	"github.com/tailscale/hujson"
	"homa.dev/homa"
)

const configV1 = "v1"

// fileConfig is a homad config file.
type fileConfig struct {
	Raw    []byte // raw bytes, in HuJSON form
	Std    []byte // standardized JSON form
	Parsed configV1Fields
}

type configV1Fields struct {
	Version string `json:",omitempty"` // "v1"

	Listen         *string        `json:",omitempty"` // address to read packets on, e.g. "0.0.0.0:4000"
	Raw            *bool          `json:",omitempty"` // use a raw IP socket instead of UDP
	Ports          []uint16       `json:",omitempty"` // Homa ports to bind
	BacklogLimit   *int           `json:",omitempty"` // 0 means unbounded
	BacklogPolicy  *string        `json:",omitempty"` // "drop-incoming" or "drop-oldest"
	CompletedTTL   *string        `json:",omitempty"` // Go duration, e.g. "30s"
	AllowedSources []netip.Prefix `json:",omitempty"` // accept packets only from these prefixes
	MetricsAddr    *string        `json:",omitempty"` // address for /metrics; empty disables it
	LogLevel       *string        `json:",omitempty"` // "debug", "info", "warn". Defaults to "info".
	BatchSize      *int           `json:",omitempty"`
}

// loadConfig parses raw as a HuJSON config file.
func loadConfig(raw []byte) (c fileConfig, err error) {
	c.Raw = raw
	c.Std, err = hujson.Standardize(c.Raw)
	if err != nil {
		return c, fmt.Errorf("error parsing config as HuJSON/JSON: %w", err)
	}
	if err := json.Unmarshal(c.Std, &c.Parsed); err != nil {
		return c, fmt.Errorf("error parsing config: %w", err)
	}
	switch c.Parsed.Version {
	case configV1:
	case "":
		return c, errors.New("error parsing config: no \"version\" field provided")
	default:
		return c, fmt.Errorf("error parsing config: unsupported \"version\" value %q; want %q", c.Parsed.Version, configV1)
	}
	if p := c.Parsed.BacklogPolicy; p != nil {
		if _, err := homa.ParseOverflowPolicy(*p); err != nil {
			return c, fmt.Errorf("error parsing config: %w", err)
		}
	}
	if d := c.Parsed.CompletedTTL; d != nil {
		if _, err := time.ParseDuration(*d); err != nil {
			return c, fmt.Errorf("error parsing config: CompletedTTL: %w", err)
		}
	}
	for _, p := range c.Parsed.Ports {
		if p == 0 {
			return c, errors.New("error parsing config: port 0 is not bindable")
		}
	}
	return c, nil
}

func loadConfigFile(path string) (fileConfig, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return fileConfig{}, err
	}
	return loadConfig(raw)
}

// applyTo copies the values set in the file into o, except for those named
// in explicit, which were set on the command line or in the environment
// and take precedence.
func (c *fileConfig) applyTo(o *options, explicit map[string]bool) {
	p := &c.Parsed
	if p.Listen != nil && !explicit["listen"] {
		o.listen = *p.Listen
	}
	if p.Raw != nil && !explicit["raw"] {
		o.raw = *p.Raw
	}
	if len(p.Ports) > 0 && !explicit["ports"] {
		o.ports = p.Ports
	}
	if p.BacklogLimit != nil && !explicit["backlog-limit"] {
		o.backlogLimit = *p.BacklogLimit
	}
	if p.BacklogPolicy != nil && !explicit["backlog-policy"] {
		o.backlogPolicy = *p.BacklogPolicy
	}
	if p.CompletedTTL != nil && !explicit["completed-ttl"] {
		o.completedTTL, _ = time.ParseDuration(*p.CompletedTTL)
	}
	if len(p.AllowedSources) > 0 && !explicit["allow"] {
		o.allow = p.AllowedSources
	}
	if p.MetricsAddr != nil && !explicit["metrics-addr"] {
		o.metricsAddr = *p.MetricsAddr
	}
	if p.LogLevel != nil && !explicit["log-level"] {
		o.logLevel = *p.LogLevel
	}
	if p.BatchSize != nil && !explicit["batch-size"] {
		o.batchSize = *p.BatchSize
	}
}
