// Copyright (C) 2025 BeamLens Authors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package validation provides input validation for identifiers that end
// up in storage queries and telemetry labels.
//
// Skill ids, metric names, and watcher names become InfluxDB tags,
// Badger keys, and Prometheus label values. Validating them at
// registration time prevents injection into Flux queries and keeps the
// key encoding ("skill/metric") unambiguous.
package validation

import (
	"fmt"
	"regexp"
	"strings"
)

// identifierPattern matches snake_case identifiers: a lowercase letter
// followed by up to 63 lowercase letters, digits, or underscores.
var identifierPattern = regexp.MustCompile(`^[a-z][a-z0-9_]{0,63}$`)

// ValidateIdentifier validates a skill id, metric name, watcher name,
// or schedule name.
//
// Valid identifiers:
//   - 1-64 characters
//   - start with a lowercase letter
//   - contain only lowercase letters, digits, and underscores
//
// Example:
//
//	if err := validation.ValidateIdentifier(skillID); err != nil {
//	    return fmt.Errorf("invalid skill id: %w", err)
//	}
func ValidateIdentifier(id string) error {
	if id == "" {
		return fmt.Errorf("identifier cannot be empty")
	}
	if !identifierPattern.MatchString(id) {
		return fmt.Errorf("invalid identifier %q (must be 1-64 chars, snake_case, starting with a letter)", id)
	}
	return nil
}

// ValidateIdentifiers validates a batch, reporting every invalid entry.
func ValidateIdentifiers(ids []string) error {
	var invalid []string
	for _, id := range ids {
		if err := ValidateIdentifier(id); err != nil {
			invalid = append(invalid, id)
		}
	}
	if len(invalid) > 0 {
		return fmt.Errorf("invalid identifiers: %s", strings.Join(invalid, ", "))
	}
	return nil
}
