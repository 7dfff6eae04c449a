// Copyright © 2026 Groups.io, Inc.
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"fmt"
	"strings"
)

// Validator validates configuration against schema rules.
type Validator struct{}

// NewValidator creates a new config validator.
func NewValidator() *Validator {
	return &Validator{}
}

// ValidationError contains multiple validation failures.
type ValidationError struct {
	Errors []FieldError
}

// FieldError represents a single field validation error.
type FieldError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	var msgs []string
	for _, fe := range e.Errors {
		msgs = append(msgs, fmt.Sprintf("%s: %s", fe.Field, fe.Message))
	}
	return strings.Join(msgs, "; ")
}

// IsEmpty returns true if there are no validation errors.
func (e *ValidationError) IsEmpty() bool {
	return len(e.Errors) == 0
}

// Add adds a field error.
func (e *ValidationError) Add(field, message string) {
	e.Errors = append(e.Errors, FieldError{Field: field, Message: message})
}

// Validate checks configuration validity, accumulating every problem
// rather than stopping at the first one.
func (v *Validator) Validate(cfg *Config) error {
	errs := &ValidationError{}

	v.validateRequired(cfg, errs)
	v.validateServer(cfg, errs)
	v.validateCaps(cfg, errs)

	if errs.IsEmpty() {
		return nil
	}
	return errs
}

func (v *Validator) validateRequired(cfg *Config, errs *ValidationError) {
	if cfg.BaseDir == "" {
		errs.Add("baseDir", "is required")
	}
	if cfg.ManifestDir == "" {
		errs.Add("manifestDir", "is required")
	}
}

func (v *Validator) validateServer(cfg *Config, errs *ValidationError) {
	if cfg.Server.Port < 0 || cfg.Server.Port > 65535 {
		errs.Add("server.port", "must be between 0 and 65535")
	}
	if cfg.Server.TLS.UseTailscale && (cfg.Server.TLS.CertPath != "" || cfg.Server.TLS.KeyPath != "") {
		errs.Add("server.tls", "useTailscale and a static certPath/keyPath are mutually exclusive")
	}
	if !cfg.Server.TLS.UseTailscale {
		if (cfg.Server.TLS.CertPath == "") != (cfg.Server.TLS.KeyPath == "") {
			errs.Add("server.tls", "certPath and keyPath must both be set or both be empty")
		}
	}
}

func (v *Validator) validateCaps(cfg *Config, errs *ValidationError) {
	if cfg.Caps.RawRingBufferSize < 0 {
		errs.Add("caps.rawRingBufferSize", "must not be negative")
	}
	if cfg.Caps.SpoolReadMaxBytes < 0 {
		errs.Add("caps.spoolReadMaxBytes", "must not be negative")
	}
	if cfg.Caps.SpoolReadHardCapBytes > 0 && cfg.Caps.SpoolReadMaxBytes > cfg.Caps.SpoolReadHardCapBytes {
		errs.Add("caps.spoolReadMaxBytes", "must not exceed spoolReadHardCapBytes")
	}
	if cfg.Caps.WaiterScanWindowBytes < 0 {
		errs.Add("caps.waiterScanWindowBytes", "must not be negative")
	}
}
