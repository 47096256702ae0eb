// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package validation provides input validation for identifiers that end
// up in span names, metric labels, log attributes and cache keys.
package validation

import (
	"fmt"
	"regexp"
	"strings"
)

// MaxNameLength bounds task and pipeline names.
const MaxNameLength = 128

// namePattern matches identifiers: a letter, digit or underscore, then
// letters, digits, underscores, dots, hyphens or colons.
var namePattern = regexp.MustCompile(`^[A-Za-z0-9_][A-Za-z0-9_.:\-]*$`)

// ValidateName checks an identifier such as a task or pipeline name.
//
// Valid names:
//   - 1-128 characters
//   - ASCII letters, digits and underscores
//   - Dots, hyphens and colons after the first character
//
// Example:
//
//	if err := validation.ValidateName(def.Name); err != nil {
//	    return fmt.Errorf("task name: %w", err)
//	}
func ValidateName(name string) error {
	if name == "" {
		return fmt.Errorf("name cannot be empty")
	}
	if len(name) > MaxNameLength {
		return fmt.Errorf("name %q is longer than %d characters", name[:16]+"...", MaxNameLength)
	}
	if !namePattern.MatchString(name) {
		return fmt.Errorf("invalid name %q (letters, digits, '_', '.', '-', ':'; must not start with '.', '-' or ':')", name)
	}
	return nil
}

// IsValidName reports whether ValidateName accepts name.
func IsValidName(name string) bool {
	return ValidateName(name) == nil
}

// ValidateNames validates several names and lists every invalid one.
func ValidateNames(names []string) error {
	var invalid []string
	for _, n := range names {
		if !IsValidName(n) {
			invalid = append(invalid, n)
		}
	}
	if len(invalid) > 0 {
		return fmt.Errorf("invalid names: %v", invalid)
	}
	return nil
}

// SanitizeName trims name and validates it.
func SanitizeName(name string) (string, error) {
	trimmed := strings.TrimSpace(name)
	if err := ValidateName(trimmed); err != nil {
		return "", err
	}
	return trimmed, nil
}
