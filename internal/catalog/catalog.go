// Package catalog defines the capabilities the engine may invoke.
//
// A Catalog is built once and never mutated. It is the sole source of truth
// for which tools exist, what input they take and how risky they are.
package catalog

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
)

// ErrInvalidInput is returned when tool input fails schema validation.
var ErrInvalidInput = errors.New("invalid tool input")

// BlastRadius classifies how impactful a capability's side effects are.
type BlastRadius string

const (
	BlastRead      BlastRadius = "read"
	BlastWriteLow  BlastRadius = "write_low"
	BlastWriteHigh BlastRadius = "write_high"
)

// Valid reports whether b is a known classification.
func (b BlastRadius) Valid() bool {
	switch b {
	case BlastRead, BlastWriteLow, BlastWriteHigh:
		return true
	}
	return false
}

// Tier is an actor's privilege level. Higher tiers see more capabilities.
type Tier int

const (
	TierMember Tier = iota
	TierManager
	TierAdmin
)

func (t Tier) String() string {
	switch t {
	case TierMember:
		return "member"
	case TierManager:
		return "manager"
	case TierAdmin:
		return "admin"
	}
	return fmt.Sprintf("tier(%d)", int(t))
}

// ParseTier parses a tier name. The empty string is TierMember.
func ParseTier(s string) (Tier, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "member", "employee":
		return TierMember, nil
	case "manager":
		return TierManager, nil
	case "admin":
		return TierAdmin, nil
	}
	return TierMember, fmt.Errorf("unknown tier %q", s)
}

// Actor is the identity a task runs on behalf of.
type Actor struct {
	ID       string `json:"id"`
	TenantID string `json:"tenant_id"`
	Name     string `json:"name,omitempty"`
	Tier     Tier   `json:"tier"`
}

// Invocation is the argument to a capability's invoke function.
type Invocation struct {
	Tenant string
	Actor  Actor
	Input  map[string]any
}

// InvokeFunc performs a capability.
type InvokeFunc func(ctx context.Context, inv Invocation) (any, error)

// Capability is one callable operation.
type Capability struct {
	Name             string
	Description      string
	Schema           Schema
	BlastRadius      BlastRadius
	RequiresApproval bool
	MinTier          Tier
	Invoke           InvokeFunc
}

// Catalog is an immutable set of capabilities keyed by name.
type Catalog struct {
	caps  map[string]Capability
	names []string
}

// New builds a catalog. Names must be unique and non-empty; an unset
// blast radius is an error rather than a silent default.
func New(caps ...Capability) (*Catalog, error) {
	c := &Catalog{caps: make(map[string]Capability, len(caps))}
	for _, capability := range caps {
		if capability.Name == "" {
			return nil, errors.New("capability with empty name")
		}
		if _, dup := c.caps[capability.Name]; dup {
			return nil, fmt.Errorf("duplicate capability %q", capability.Name)
		}
		if !capability.BlastRadius.Valid() {
			return nil, fmt.Errorf("capability %q: invalid blast radius %q", capability.Name, capability.BlastRadius)
		}
		if err := capability.Schema.check(); err != nil {
			return nil, fmt.Errorf("capability %q: %w", capability.Name, err)
		}
		c.caps[capability.Name] = capability
		c.names = append(c.names, capability.Name)
	}
	sort.Strings(c.names)
	return c, nil
}

// Lookup returns the capability with the given name.
func (c *Catalog) Lookup(name string) (Capability, bool) {
	if c == nil {
		return Capability{}, false
	}
	capability, ok := c.caps[name]
	return capability, ok
}

// Visible returns the capabilities an actor of the given tier may use, sorted by name.
func (c *Catalog) Visible(tier Tier) []Capability {
	if c == nil {
		return nil
	}
	var out []Capability
	for _, name := range c.names {
		if capability := c.caps[name]; capability.MinTier <= tier {
			out = append(out, capability)
		}
	}
	return out
}

// Names returns all capability names, sorted.
func (c *Catalog) Names() []string {
	if c == nil {
		return nil
	}
	return append([]string(nil), c.names...)
}

// Len returns the number of capabilities.
func (c *Catalog) Len() int {
	if c == nil {
		return 0
	}
	return len(c.names)
}
