// Package catalog holds the goals and tool descriptors an agent can work with.
//
// A Catalog is loaded once at process start and shared read-only between
// every conversation. Nothing in this package mutates after Load returns.
package catalog

import (
	"errors"
	"fmt"
	"sort"
	"time"
)

// Catalog errors.
var (
	ErrUnknownGoal   = errors.New("unknown goal")
	ErrDuplicateGoal = errors.New("duplicate goal id")
	ErrDuplicateTool = errors.New("duplicate tool name")
)

// Argument describes one tool argument.
type Argument struct {
	Name        string `yaml:"name" json:"name"`
	Type        string `yaml:"type" json:"type"`
	Description string `yaml:"description" json:"description,omitempty"`
	Required    bool   `yaml:"required" json:"required"`
}

// ToolDescriptor describes a tool the planner may propose.
type ToolDescriptor struct {
	Name                 string     `yaml:"name" json:"name"`
	Description          string     `yaml:"description" json:"description"`
	Arguments            []Argument `yaml:"arguments" json:"arguments,omitempty"`
	RequiresConfirmation bool       `yaml:"requires_confirmation" json:"requires_confirmation"`
}

// RequiredArguments returns the names of required arguments.
func (d ToolDescriptor) RequiredArguments() []string {
	var names []string
	for _, a := range d.Arguments {
		if a.Required {
			names = append(names, a.Name)
		}
	}
	return names
}

// ProviderSpec declares a dynamic tool provider. Exactly one of Command or
// URL is set.
type ProviderSpec struct {
	ID           string            `yaml:"id" json:"id"`
	Command      string            `yaml:"command" json:"command,omitempty"`
	Args         []string          `yaml:"args" json:"args,omitempty"`
	Env          map[string]string `yaml:"env" json:"env,omitempty"`
	URL          string            `yaml:"url" json:"url,omitempty"`
	StartTimeout time.Duration     `yaml:"start_timeout" json:"start_timeout,omitempty"`
}

// Validate checks a provider declaration.
func (p ProviderSpec) Validate() error {
	if p.ID == "" {
		return errors.New("provider id is required")
	}
	if (p.Command == "") == (p.URL == "") {
		return fmt.Errorf("provider %s: exactly one of command or url is required", p.ID)
	}
	if p.StartTimeout < 0 {
		return fmt.Errorf("provider %s: start_timeout cannot be negative", p.ID)
	}
	return nil
}

// Goal is a named agent persona.
type Goal struct {
	ID                string           `yaml:"id" json:"id"`
	Name              string           `yaml:"name" json:"name"`
	Description       string           `yaml:"description" json:"description"`
	Tools             []ToolDescriptor `yaml:"tools" json:"tools"`
	PromptTemplate    string           `yaml:"prompt_template" json:"prompt_template,omitempty"`
	StarterMessage    string           `yaml:"starter_message" json:"starter_message,omitempty"`
	ExampleTranscript string           `yaml:"example_transcript" json:"example_transcript,omitempty"`
	Provider          *ProviderSpec    `yaml:"provider" json:"provider,omitempty"`
}

// Tool returns the goal's native descriptor with the given name.
func (g Goal) Tool(name string) (ToolDescriptor, bool) {
	for _, t := range g.Tools {
		if t.Name == name {
			return t, true
		}
	}
	return ToolDescriptor{}, false
}

// Validate checks that the goal is well formed.
func (g Goal) Validate() error {
	if g.ID == "" {
		return errors.New("goal id is required")
	}
	seen := make(map[string]bool, len(g.Tools))
	for _, t := range g.Tools {
		if t.Name == "" {
			return fmt.Errorf("goal %s: tool name is required", g.ID)
		}
		if seen[t.Name] {
			return fmt.Errorf("goal %s: %w: %s", g.ID, ErrDuplicateTool, t.Name)
		}
		seen[t.Name] = true
	}
	if g.Provider != nil {
		if err := g.Provider.Validate(); err != nil {
			return fmt.Errorf("goal %s: %w", g.ID, err)
		}
	}
	return nil
}

// Catalog is an immutable set of goals keyed by ID.
type Catalog struct {
	goals map[string]Goal
	order []string
}

// New builds a catalog from goals, validating each one.
func New(goals ...Goal) (*Catalog, error) {
	c := &Catalog{goals: make(map[string]Goal, len(goals))}
	for _, g := range goals {
		if err := g.Validate(); err != nil {
			return nil, err
		}
		if _, dup := c.goals[g.ID]; dup {
			return nil, fmt.Errorf("%w: %s", ErrDuplicateGoal, g.ID)
		}
		c.goals[g.ID] = g
		c.order = append(c.order, g.ID)
	}
	return c, nil
}

// Goal returns the goal with the given ID.
func (c *Catalog) Goal(id string) (Goal, error) {
	g, ok := c.goals[id]
	if !ok {
		return Goal{}, fmt.Errorf("%w: %s", ErrUnknownGoal, id)
	}
	return g, nil
}

// Has reports whether a goal exists.
func (c *Catalog) Has(id string) bool {
	_, ok := c.goals[id]
	return ok
}

// Goals returns goals in declaration order.
func (c *Catalog) Goals() []Goal {
	out := make([]Goal, 0, len(c.order))
	for _, id := range c.order {
		out = append(out, c.goals[id])
	}
	return out
}

// IDs returns goal IDs sorted alphabetically.
func (c *Catalog) IDs() []string {
	ids := make([]string, 0, len(c.goals))
	for id := range c.goals {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Providers returns every distinct provider declared by any goal.
func (c *Catalog) Providers() []ProviderSpec {
	seen := make(map[string]bool)
	var out []ProviderSpec
	for _, id := range c.order {
		if p := c.goals[id].Provider; p != nil && !seen[p.ID] {
			seen[p.ID] = true
			out = append(out, *p)
		}
	}
	return out
}

// Len returns the number of goals.
func (c *Catalog) Len() int {
	return len(c.goals)
}
