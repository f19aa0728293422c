// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"regexp"

	"github.com/stacklok/toolhive-core/env"
	"gopkg.in/yaml.v3"

	"github.com/MykolaVaskevych/MCP-manager/pkg/gateway"
)

// Loader produces a configuration snapshot with defaults applied.
//
//go:generate mockgen -destination=mocks/mock_loader.go -package=mocks -source=yaml_loader.go Loader
type Loader interface {
	Load() (*Config, error)
}

var envRefPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)

// YAMLLoader loads configuration from a YAML file.
// ${VAR} references in scalar values are expanded through envReader before
// the document is decoded. A reference to an unset or empty variable is left
// as written.
type YAMLLoader struct {
	filePath  string
	envReader env.Reader
}

// NewYAMLLoader creates a new YAML configuration loader.
func NewYAMLLoader(filePath string, envReader env.Reader) *YAMLLoader {
	return &YAMLLoader{
		filePath:  filePath,
		envReader: envReader,
	}
}

// Load reads, expands and decodes the configuration file.
func (l *YAMLLoader) Load() (*Config, error) {
	data, err := os.ReadFile(l.filePath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	cfg, err := l.Parse(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", l.filePath, err)
	}
	return cfg, nil
}

// Parse decodes a YAML document. Unknown fields are rejected.
func (l *YAMLLoader) Parse(data []byte) (*Config, error) {
	var root yaml.Node
	if err := yaml.Unmarshal(data, &root); err != nil {
		return nil, fmt.Errorf("%w: invalid YAML syntax: %v", gateway.ErrConfigInvalid, err)
	}

	cfg := &Config{}
	if root.Kind != 0 {
		l.expand(&root)
		expanded, err := yaml.Marshal(&root)
		if err != nil {
			return nil, fmt.Errorf("failed to re-encode config: %w", err)
		}
		dec := yaml.NewDecoder(bytes.NewReader(expanded))
		dec.KnownFields(true)
		if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
			return nil, fmt.Errorf("%w: %v", gateway.ErrConfigInvalid, err)
		}
		cfg.ClientOrder = mappingKeys(&root, "clients")
	}

	cfg.EnsureDefaults()
	return cfg, nil
}

// mappingKeys returns the keys of the top-level mapping named key, in
// document order.
func mappingKeys(root *yaml.Node, key string) []string {
	doc := root
	if doc.Kind == yaml.DocumentNode && len(doc.Content) > 0 {
		doc = doc.Content[0]
	}
	if doc.Kind != yaml.MappingNode {
		return nil
	}
	for i := 0; i+1 < len(doc.Content); i += 2 {
		if doc.Content[i].Value != key || doc.Content[i+1].Kind != yaml.MappingNode {
			continue
		}
		section := doc.Content[i+1]
		keys := make([]string, 0, len(section.Content)/2)
		for j := 0; j+1 < len(section.Content); j += 2 {
			keys = append(keys, section.Content[j].Value)
		}
		return keys
	}
	return nil
}

func (l *YAMLLoader) expand(n *yaml.Node) {
	if n.Kind == yaml.ScalarNode {
		expanded := envRefPattern.ReplaceAllStringFunc(n.Value, func(ref string) string {
			name := envRefPattern.FindStringSubmatch(ref)[1]
			if v := l.envReader.Getenv(name); v != "" {
				return v
			}
			return ref
		})
		if expanded != n.Value {
			n.Value = expanded
			// Let a plain scalar re-resolve, so "${PORT}" can fill an int.
			if n.Style == 0 {
				n.Tag = ""
			}
		}
		return
	}
	for _, child := range n.Content {
		l.expand(child)
	}
}

// LoadAndValidate loads a snapshot and validates it as a whole.
func LoadAndValidate(loader Loader, validator Validator) (*Config, error) {
	cfg, err := loader.Load()
	if err != nil {
		return nil, err
	}
	if err := validator.Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}
