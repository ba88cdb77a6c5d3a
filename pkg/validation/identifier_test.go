// Copyright (C) 2025 BeamLens Authors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package validation

import (
	"strings"
	"testing"
)

func TestValidateIdentifier(t *testing.T) {
	valid := []string{
		"runtime",
		"gc_pressure",
		"runtime_baseline",
		"a",
		"table_cache_2",
		strings.Repeat("a", 64),
	}
	for _, id := range valid {
		if err := ValidateIdentifier(id); err != nil {
			t.Errorf("ValidateIdentifier(%q) = %v, want nil", id, err)
		}
	}

	invalid := []string{
		"",
		"Runtime",            // uppercase
		"2fast",              // leading digit
		"_private",           // leading underscore
		"has-hyphen",
		"has space",
		`x" or true or "`,    // injection shape
		strings.Repeat("a", 65),
	}
	for _, id := range invalid {
		if err := ValidateIdentifier(id); err == nil {
			t.Errorf("ValidateIdentifier(%q) succeeded, want error", id)
		}
	}
}

func TestValidateIdentifiers_ReportsAllInvalid(t *testing.T) {
	err := ValidateIdentifiers([]string{"runtime", "BAD", "also bad"})
	if err == nil {
		t.Fatal("expected error")
	}
	if !strings.Contains(err.Error(), "BAD") || !strings.Contains(err.Error(), "also bad") {
		t.Errorf("error should list every invalid entry, got: %v", err)
	}
}
