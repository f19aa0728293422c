// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package gateway

import (
	"fmt"
	"strings"
)

// SourceKind is the installer prefix of a backend source reference.
type SourceKind string

// Known source kinds.
const (
	SourceNPX   SourceKind = "npx"
	SourceNPM   SourceKind = "npm"
	SourceUVX   SourceKind = "uvx"
	SourceLocal SourceKind = "local"
)

// ParseSource splits a "<kind>:<ref>" source reference.
func ParseSource(source string) (SourceKind, string, error) {
	kind, ref, ok := strings.Cut(source, ":")
	if !ok || ref == "" {
		return "", "", fmt.Errorf("source %q: expected <kind>:<reference>", source)
	}
	switch k := SourceKind(kind); k {
	case SourceNPX, SourceNPM, SourceUVX, SourceLocal:
		return k, ref, nil
	default:
		return "", "", fmt.Errorf("source %q: unknown kind %q", source, kind)
	}
}
