// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package cache

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"math"
	"strconv"

	"github.com/MykolaVaskevych/MCP-manager/pkg/gateway"
)

// Fingerprint identifies a cacheable request.
type Fingerprint string

// fingerprintInput is hashed in field order; the field set must stay stable
// or every cached entry is orphaned.
type fingerprintInput struct {
	Backend     string                `json:"b"`
	Kind        gateway.OperationKind `json:"k"`
	Operation   string                `json:"o"`
	ResourceURI string                `json:"u"`
	Arguments   any                   `json:"a"`
}

// NewFingerprint derives the fingerprint of req as addressed to backend.
//
// Arguments are canonicalized first: object keys are sorted, numbers are
// normalized so 1, 1.0 and json.Number("1") hash alike, and a nil argument
// map equals an empty one.
func NewFingerprint(backend string, req gateway.Request) (Fingerprint, error) {
	args, err := Canonicalize(req.Arguments)
	if err != nil {
		return "", fmt.Errorf("canonicalize arguments: %w", err)
	}
	raw, err := json.Marshal(fingerprintInput{
		Backend:     backend,
		Kind:        req.Kind,
		Operation:   req.Operation,
		ResourceURI: req.ResourceURI,
		Arguments:   args,
	})
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(raw)
	return Fingerprint(hex.EncodeToString(sum[:])), nil
}

// Canonicalize returns a JSON-equivalent copy of v whose encoding is stable
// across semantically identical inputs.
func Canonicalize(v map[string]any) (any, error) {
	if len(v) == 0 {
		return map[string]any{}, nil
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var generic any
	if err := dec.Decode(&generic); err != nil {
		return nil, err
	}
	return normalize(generic), nil
}

// normalize walks a decoded JSON tree. encoding/json already sorts map keys
// on output, so only numbers need rewriting.
func normalize(v any) any {
	switch val := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, item := range val {
			out[k] = normalize(item)
		}
		return out
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = normalize(item)
		}
		return out
	case json.Number:
		return canonicalNumber(val)
	default:
		return val
	}
}

func canonicalNumber(n json.Number) json.Number {
	if i, err := n.Int64(); err == nil {
		return json.Number(strconv.FormatInt(i, 10))
	}
	f, err := n.Float64()
	if err != nil {
		return n
	}
	if f == math.Trunc(f) && math.Abs(f) < 1<<53 {
		return json.Number(strconv.FormatInt(int64(f), 10))
	}
	return json.Number(strconv.FormatFloat(f, 'g', -1, 64))
}
