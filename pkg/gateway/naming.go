// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package gateway

import "strings"

const (
	// NameSeparator joins a backend name and a tool or prompt name.
	NameSeparator = "."

	resourceScheme = "mcp://"
)

// NamespaceName returns the client-facing name of a backend tool or prompt.
func NamespaceName(backend, name string) string {
	return backend + NameSeparator + name
}

// SplitName splits a client-facing tool or prompt name into backend and
// backend-local name. Backend names never contain the separator, so the
// first occurrence is the split point.
func SplitName(namespaced string) (backend, name string, ok bool) {
	backend, name, ok = strings.Cut(namespaced, NameSeparator)
	if !ok || backend == "" || name == "" {
		return "", "", false
	}
	return backend, name, true
}

// NamespaceResourceURI returns the client-facing URI of a backend resource.
func NamespaceResourceURI(backend, uri string) string {
	return resourceScheme + backend + "/" + uri
}

// SplitResourceURI reverses NamespaceResourceURI.
func SplitResourceURI(namespaced string) (backend, uri string, ok bool) {
	rest, found := strings.CutPrefix(namespaced, resourceScheme)
	if !found {
		return "", "", false
	}
	backend, uri, ok = strings.Cut(rest, "/")
	if !ok || backend == "" || uri == "" {
		return "", "", false
	}
	return backend, uri, true
}
