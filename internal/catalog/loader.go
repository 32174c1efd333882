package catalog

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// File is the YAML descriptor format for a capability catalog.
//
//	capabilities:
//	  - name: list_goals
//	    description: List an employee's goals
//	    blast_radius: read
//	    min_tier: member
//	    input:
//	      - {name: employee_id, type: string, required: true}
//	    webhook:
//	      url: https://hr.internal/tools/list_goals
type File struct {
	Capabilities []CapabilitySpec `yaml:"capabilities"`
}

// CapabilitySpec is one capability entry in a descriptor file.
type CapabilitySpec struct {
	Name        string      `yaml:"name"`
	Description string      `yaml:"description"`
	BlastRadius BlastRadius `yaml:"blast_radius"`
	// RequiresApproval defaults to true for write_high capabilities.
	RequiresApproval *bool        `yaml:"requires_approval"`
	MinTier          string       `yaml:"min_tier"`
	Input            []Field      `yaml:"input"`
	Webhook          *WebhookSpec `yaml:"webhook"`
}

// WebhookSpec describes an HTTP endpoint that performs the capability.
type WebhookSpec struct {
	URL     string            `yaml:"url"`
	Timeout string            `yaml:"timeout"`
	Headers map[string]string `yaml:"headers"`
}

// LoadFile reads a descriptor file and builds a catalog from it.
// Header values are expanded from the environment.
func LoadFile(path string) (*Catalog, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read catalog: %w", err)
	}
	return Parse(data)
}

// Parse builds a catalog from YAML descriptor content.
func Parse(data []byte) (*Catalog, error) {
	var f File
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("failed to parse catalog: %w", err)
	}

	caps := make([]Capability, 0, len(f.Capabilities))
	for i, spec := range f.Capabilities {
		capability, err := spec.build()
		if err != nil {
			return nil, fmt.Errorf("capability %d (%s): %w", i, spec.Name, err)
		}
		caps = append(caps, capability)
	}
	return New(caps...)
}

func (s CapabilitySpec) build() (Capability, error) {
	tier, err := ParseTier(s.MinTier)
	if err != nil {
		return Capability{}, err
	}
	approval := s.BlastRadius == BlastWriteHigh
	if s.RequiresApproval != nil {
		approval = *s.RequiresApproval
	}

	capability := Capability{
		Name:             s.Name,
		Description:      s.Description,
		Schema:           Schema{Fields: s.Input},
		BlastRadius:      s.BlastRadius,
		RequiresApproval: approval,
		MinTier:          tier,
	}

	if s.Webhook != nil {
		timeout := 30 * time.Second
		if s.Webhook.Timeout != "" {
			if timeout, err = time.ParseDuration(s.Webhook.Timeout); err != nil {
				return Capability{}, fmt.Errorf("invalid webhook timeout: %w", err)
			}
		}
		headers := make(map[string]string, len(s.Webhook.Headers))
		for k, v := range s.Webhook.Headers {
			headers[k] = os.ExpandEnv(v)
		}
		wh := &Webhook{URL: s.Webhook.URL, Tool: s.Name, Timeout: timeout, Headers: headers}
		if wh.URL == "" {
			return Capability{}, fmt.Errorf("webhook url is required")
		}
		capability.Invoke = wh.Invoke
	}
	return capability, nil
}
