package domain

import (
	"fmt"

	"gopkg.in/yaml.v3"
)

// Migration is a static, named definition of how one kind of record moves from
// a source to a destination.
type Migration struct {
	ID           string       `yaml:"id"`
	Label        string       `yaml:"label"`
	Group        string       `yaml:"migration_group"`
	Version      string       `yaml:"version"`
	Source       PluginConfig `yaml:"source"`
	Process      Process      `yaml:"process"`
	Destination  PluginConfig `yaml:"destination"`
	Dependencies Dependencies `yaml:"migration_dependencies"`
}

// Dependencies lists migrations that must (or should) run first.
type Dependencies struct {
	Required StringList `yaml:"required"`
	Optional StringList `yaml:"optional"`
}

// All returns required followed by optional dependencies.
func (d Dependencies) All() []string {
	out := make([]string, 0, len(d.Required)+len(d.Optional))
	out = append(out, d.Required...)
	return append(out, d.Optional...)
}

// StringList accepts either a scalar or a sequence of scalars.
type StringList []string

func (l *StringList) UnmarshalYAML(n *yaml.Node) error {
	switch n.Kind {
	case yaml.ScalarNode:
		if n.Tag == "!!null" {
			*l = nil
			return nil
		}
		*l = StringList{n.Value}
		return nil
	case yaml.SequenceNode:
		var items []string
		if err := n.Decode(&items); err != nil {
			return err
		}
		*l = items
		return nil
	default:
		return fmt.Errorf("expected string or list of strings at line %d", n.Line)
	}
}

// PluginConfig is a source or destination declaration: a plugin name plus
// plugin specific settings kept as a YAML node so each plugin can decode the
// settings into its own typed struct.
type PluginConfig struct {
	Plugin string
	node   *yaml.Node
}

func (c *PluginConfig) UnmarshalYAML(n *yaml.Node) error {
	if n.Kind != yaml.MappingNode {
		return fmt.Errorf("plugin config: expected mapping at line %d", n.Line)
	}
	var head struct {
		Plugin string `yaml:"plugin"`
	}
	if err := n.Decode(&head); err != nil {
		return err
	}
	c.Plugin = head.Plugin
	c.node = n
	return nil
}

// NewPluginConfig builds a plugin config from Go values.
func NewPluginConfig(plugin string, settings map[string]any) (PluginConfig, error) {
	n, err := encodeSettings(plugin, settings)
	if err != nil {
		return PluginConfig{}, err
	}
	var c PluginConfig
	if err := c.UnmarshalYAML(n); err != nil {
		return PluginConfig{}, err
	}
	return c, nil
}

// Decode decodes the settings into v. A missing config decodes as empty.
func (c PluginConfig) Decode(v any) error {
	if c.node == nil {
		return nil
	}
	return c.node.Decode(v)
}

// Settings returns the raw settings as a generic map.
func (c PluginConfig) Settings() (map[string]any, error) {
	out := map[string]any{}
	if c.node == nil {
		return out, nil
	}
	if err := c.node.Decode(&out); err != nil {
		return nil, fmt.Errorf("plugin %s settings: %w", c.Plugin, err)
	}
	return out, nil
}

// WithDefaults layers c over plugin defaults. For a key set on both sides,
// mappings merge with c's keys winning and any other value from c, sequences
// included, replaces the default. Merging is one level deep.
func (c PluginConfig) WithDefaults(defaults PluginConfig) (PluginConfig, error) {
	if defaults.node == nil {
		return c, nil
	}
	if c.node == nil {
		return defaults, nil
	}
	out := &yaml.Node{Kind: yaml.MappingNode, Tag: "!!map"}
	index := map[string]int{}
	for i := 0; i+1 < len(defaults.node.Content); i += 2 {
		index[defaults.node.Content[i].Value] = len(out.Content) + 1
		out.Content = append(out.Content, defaults.node.Content[i], defaults.node.Content[i+1])
	}
	for i := 0; i+1 < len(c.node.Content); i += 2 {
		key, val := c.node.Content[i], c.node.Content[i+1]
		pos, ok := index[key.Value]
		if !ok {
			out.Content = append(out.Content, key, val)
			continue
		}
		out.Content[pos] = mergeValue(out.Content[pos], val)
	}
	var merged PluginConfig
	if err := merged.UnmarshalYAML(out); err != nil {
		return PluginConfig{}, fmt.Errorf("plugin %s: merge with defaults: %w", c.Plugin, err)
	}
	return merged, nil
}

func mergeValue(base, over *yaml.Node) *yaml.Node {
	switch {
	case base.Kind == yaml.MappingNode && over.Kind == yaml.MappingNode:
		out := &yaml.Node{Kind: yaml.MappingNode, Tag: base.Tag}
		index := map[string]int{}
		for i := 0; i+1 < len(base.Content); i += 2 {
			index[base.Content[i].Value] = len(out.Content) + 1
			out.Content = append(out.Content, base.Content[i], base.Content[i+1])
		}
		for i := 0; i+1 < len(over.Content); i += 2 {
			if pos, ok := index[over.Content[i].Value]; ok {
				out.Content[pos] = over.Content[i+1]
				continue
			}
			out.Content = append(out.Content, over.Content[i], over.Content[i+1])
		}
		return out
	default:
		return over
	}
}

// StepConfig configures one transform step of a field's chain.
type StepConfig struct {
	Plugin string
	// Source is set when the step declares a source key; the chain then starts
	// with an implicit get of those properties.
	Source    StringList
	HasSource bool
	node      *yaml.Node
}

func (c *StepConfig) UnmarshalYAML(n *yaml.Node) error {
	if n.Kind != yaml.MappingNode {
		return fmt.Errorf("process step: expected mapping at line %d", n.Line)
	}
	var head struct {
		Plugin string     `yaml:"plugin"`
		Source StringList `yaml:"source"`
	}
	if err := n.Decode(&head); err != nil {
		return err
	}
	c.Plugin = head.Plugin
	c.Source = head.Source
	c.HasSource = false
	for i := 0; i+1 < len(n.Content); i += 2 {
		if n.Content[i].Value == "source" {
			c.HasSource = true
		}
	}
	c.node = n
	return nil
}

// NewStepConfig builds a step config from Go values.
func NewStepConfig(plugin string, settings map[string]any) (StepConfig, error) {
	n, err := encodeSettings(plugin, settings)
	if err != nil {
		return StepConfig{}, err
	}
	var c StepConfig
	if err := c.UnmarshalYAML(n); err != nil {
		return StepConfig{}, err
	}
	return c, nil
}

// Decode decodes the step settings into v.
func (c StepConfig) Decode(v any) error {
	if c.node == nil {
		return nil
	}
	return c.node.Decode(v)
}

// FieldProcess is the transform chain for one destination field.
type FieldProcess struct {
	Field string
	Steps []StepConfig
}

// Process is the ordered mapping of destination field to transform chain.
type Process []FieldProcess

// UnmarshalYAML accepts three shapes per field: a scalar (shorthand for get),
// a single step mapping, or a sequence of step mappings.
func (p *Process) UnmarshalYAML(n *yaml.Node) error {
	if n.Kind != yaml.MappingNode {
		return fmt.Errorf("process: expected mapping at line %d", n.Line)
	}
	out := make(Process, 0, len(n.Content)/2)
	for i := 0; i+1 < len(n.Content); i += 2 {
		field := n.Content[i].Value
		val := n.Content[i+1]
		fp := FieldProcess{Field: field}
		switch val.Kind {
		case yaml.ScalarNode:
			step, err := NewStepConfig("get", map[string]any{"source": val.Value})
			if err != nil {
				return err
			}
			fp.Steps = []StepConfig{step}
		case yaml.MappingNode:
			var step StepConfig
			if err := step.UnmarshalYAML(val); err != nil {
				return fmt.Errorf("process %q: %w", field, err)
			}
			fp.Steps = []StepConfig{step}
		case yaml.SequenceNode:
			for _, item := range val.Content {
				var step StepConfig
				if err := step.UnmarshalYAML(item); err != nil {
					return fmt.Errorf("process %q: %w", field, err)
				}
				fp.Steps = append(fp.Steps, step)
			}
		default:
			return fmt.Errorf("process %q: unsupported value at line %d", field, val.Line)
		}
		out = append(out, fp)
	}
	*p = out
	return nil
}

// Without returns a copy of the process with the given field removed.
func (p Process) Without(field string) Process {
	out := make(Process, 0, len(p))
	for _, fp := range p {
		if fp.Field != field {
			out = append(out, fp)
		}
	}
	return out
}

// Field returns the chain for a destination field.
func (p Process) Field(name string) (FieldProcess, bool) {
	for _, fp := range p {
		if fp.Field == name {
			return fp, true
		}
	}
	return FieldProcess{}, false
}

func encodeSettings(plugin string, settings map[string]any) (*yaml.Node, error) {
	m := make(map[string]any, len(settings)+1)
	for k, v := range settings {
		m[k] = v
	}
	m["plugin"] = plugin
	n := &yaml.Node{}
	if err := n.Encode(m); err != nil {
		return nil, fmt.Errorf("failed to encode %s settings: %w", plugin, err)
	}
	return n, nil
}
