// Copyright 2025 Brian Wang <wangbuke@gmail.com>
// SPDX-License-Identifier: Apache-2.0

package artifact

import (
	"fmt"

	"github.com/bytedance/sonic"
)

// Descriptor is the persisted JSON form of an Artifact.
type Descriptor struct {
	Name            string         `json:"name"`
	HTMLEntrypoint  string         `json:"htmlEntrypoint"`
	Scripts         []string       `json:"scripts"`
	ModuleWhitelist []string       `json:"moduleWhitelist"`
	HostWhitelist   []string       `json:"hostWhitelist"`
	Config          map[string]any `json:"config"`
}

// DescriptorError reports a missing or malformed descriptor. It is fatal at startup.
type DescriptorError struct {
	Path string
	Err  error
}

func (e *DescriptorError) Error() string {
	return fmt.Sprintf("invalid artifact descriptor %s: %v", e.Path, e.Err)
}

func (e *DescriptorError) Unwrap() error { return e.Err }

// ParseDescriptor decodes and validates a descriptor document.
func ParseDescriptor(raw []byte) (*Descriptor, error) {
	var desc Descriptor
	if err := sonic.ConfigStd.Unmarshal(raw, &desc); err != nil {
		return nil, fmt.Errorf("decoding descriptor: %w", err)
	}
	if desc.Name == "" {
		return nil, fmt.Errorf("descriptor has no name")
	}
	if len(desc.Scripts) == 0 {
		return nil, fmt.Errorf("descriptor lists no scripts")
	}
	if desc.HTMLEntrypoint == "" {
		desc.HTMLEntrypoint = "index.html"
	}
	return &desc, nil
}

// Marshal encodes the descriptor, used by build tooling and tests.
func (d *Descriptor) Marshal() ([]byte, error) {
	return sonic.ConfigStd.MarshalIndent(d, "", "  ")
}
