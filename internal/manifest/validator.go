// Copyright © 2026 Groups.io, Inc.
// SPDX-License-Identifier: Apache-2.0

package manifest

import (
	"fmt"
	"strings"
)

// ValidationError accumulates every problem found while loading the
// registry rather than failing on the first one, matching
// internal/config's Validator/FieldError pattern.
type ValidationError struct {
	Errors []FieldError
}

// FieldError names one invalid extension and what's wrong with it.
type FieldError struct {
	ExtensionID string
	Message     string
}

func (e *ValidationError) Error() string {
	msgs := make([]string, 0, len(e.Errors))
	for _, fe := range e.Errors {
		msgs = append(msgs, fmt.Sprintf("%s: %s", fe.ExtensionID, fe.Message))
	}
	return strings.Join(msgs, "; ")
}

// IsEmpty reports whether no problems were recorded.
func (e *ValidationError) IsEmpty() bool { return len(e.Errors) == 0 }

func (e *ValidationError) add(extensionID, message string) {
	e.Errors = append(e.Errors, FieldError{ExtensionID: extensionID, Message: message})
}

// validateExtension checks one extension's required fields, appending
// to errs rather than returning early so every problem with a given
// registry load surfaces in one pass.
func validateExtension(ext *Extension, errs *ValidationError) {
	label := ext.ID
	if label == "" {
		label = "(missing id)"
	}
	if ext.ID == "" {
		errs.add(label, "id is required")
	}
	if ext.Type != "acp" {
		errs.add(label, fmt.Sprintf("type %q is not supported (only \"acp\")", ext.Type))
	}
	if ext.Agent.Command == "" {
		errs.add(label, "agent.command is required")
	}
}
