// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package gateway holds the domain model shared by the MCP gateway core:
// backend descriptors, client identities, routed requests and results, and
// the error taxonomy every failure is converted to before it reaches a client.
//
// The core is split into subpackages, leaves first:
//
//   - cache: TTL and LRU bounded response store keyed by request fingerprint
//   - backend: one supervised MCP connection per configured backend, with the
//     health state machine and restart policy
//   - access: per-client rule evaluation and session identification
//   - router: the dispatcher that ties access, cache and backends together
//
// Domain errors are defined at the package root and should be checked with
// errors.Is.
package gateway
