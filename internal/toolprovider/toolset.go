package toolprovider

import (
	"github.com/fyrsmithlabs/agentd/internal/catalog"
)

// Origin says where a tool is served from.
type Origin string

const (
	OriginNative   Origin = "native"
	OriginProvider Origin = "provider"

	// OriginUnknown labels calls that neither a handler nor a provider serves.
	OriginUnknown Origin = "unknown"
)

// Entry is one row of a Toolset dispatch table.
type Entry struct {
	Descriptor catalog.ToolDescriptor `json:"descriptor"`
	Origin     Origin                 `json:"origin"`
	ProviderID string                 `json:"provider_id,omitempty"`
}

// Toolset is the effective tool table for one goal activation.
//
// A tool the goal declares and its provider also offers is served by the
// provider, with the goal's declaration laid over the provider's descriptor.
// The registry still prefers a compiled handler of the same name at call
// time. Built-in tools win name collisions outright: a provider tool named
// like one is left out and listed in Shadowed.
type Toolset struct {
	entries  map[string]Entry
	order    []string
	Shadowed []catalog.ToolDescriptor
}

// BuildToolset merges a goal's declared tools, the built-in tools and the
// tools discovered from the goal's provider.
func BuildToolset(goal catalog.Goal, providerTools []catalog.ToolDescriptor) *Toolset {
	ts := &Toolset{entries: make(map[string]Entry)}

	var providerID string
	if goal.Provider != nil {
		providerID = goal.Provider.ID
	}
	offered := make(map[string]catalog.ToolDescriptor, len(providerTools))
	for _, d := range providerTools {
		offered[d.Name] = d
	}

	for _, d := range goal.Tools {
		if IsBuiltin(d.Name) {
			continue
		}
		if pd, ok := offered[d.Name]; ok && providerID != "" {
			ts.add(Entry{Descriptor: overlay(d, pd), Origin: OriginProvider, ProviderID: providerID})
			continue
		}
		ts.add(Entry{Descriptor: d, Origin: OriginNative})
	}
	for _, d := range Builtins() {
		ts.add(Entry{Descriptor: d, Origin: OriginNative})
	}

	for _, d := range providerTools {
		if IsBuiltin(d.Name) {
			ts.Shadowed = append(ts.Shadowed, d)
			continue
		}
		if _, exists := ts.entries[d.Name]; exists {
			continue
		}
		ts.add(Entry{Descriptor: d, Origin: OriginProvider, ProviderID: providerID})
	}
	return ts
}

// overlay applies a goal's declaration of a tool to the provider's
// descriptor. The declared confirmation flag always applies; description and
// arguments fall back to the provider's when the goal leaves them empty.
func overlay(declared, offered catalog.ToolDescriptor) catalog.ToolDescriptor {
	d := offered
	d.RequiresConfirmation = declared.RequiresConfirmation
	if declared.Description != "" {
		d.Description = declared.Description
	}
	if len(declared.Arguments) > 0 {
		d.Arguments = declared.Arguments
	}
	return d
}

func (ts *Toolset) add(e Entry) {
	ts.entries[e.Descriptor.Name] = e
	ts.order = append(ts.order, e.Descriptor.Name)
}

// Lookup returns the entry for a tool name.
func (ts *Toolset) Lookup(name string) (Entry, bool) {
	e, ok := ts.entries[name]
	return e, ok
}

// Descriptors returns every effective tool in table order.
func (ts *Toolset) Descriptors() []catalog.ToolDescriptor {
	out := make([]catalog.ToolDescriptor, 0, len(ts.order))
	for _, name := range ts.order {
		out = append(out, ts.entries[name].Descriptor)
	}
	return out
}

// Len returns the number of effective tools.
func (ts *Toolset) Len() int {
	return len(ts.order)
}
