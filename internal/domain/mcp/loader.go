package mcp

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"

	"gopkg.in/yaml.v3"
)

// LoadFile reads a YAML policy file. Fields missing from the file keep the
// values of DefaultPolicy. An empty path returns DefaultPolicy unchanged.
func LoadFile(path string) (Policy, error) {
	p := DefaultPolicy()
	if path == "" {
		return p, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return Policy{}, fmt.Errorf("read mcp policy %s: %w", path, err)
	}
	return Parse(data, p)
}

// Parse decodes YAML onto base and validates the result. Unknown keys are
// rejected so typos do not silently fall back to defaults.
func Parse(data []byte, base Policy) (Policy, error) {
	p := base.clone()
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&p); err != nil && !errors.Is(err, io.EOF) {
		return Policy{}, fmt.Errorf("decode mcp policy: %w", err)
	}
	if err := p.Validate(); err != nil {
		return Policy{}, err
	}
	return p, nil
}

// Marshal renders p as YAML, the format LoadFile accepts.
func Marshal(p Policy) ([]byte, error) {
	return yaml.Marshal(p)
}
