// Package config loads the engine's YAML configuration and validates it
// against an embedded CUE schema before anything is decoded into Go
// values. Node sections are kept raw; each node decodes its own section
// on demand.
package config

import (
	"fmt"
	"os"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	"gopkg.in/yaml.v3"
)

// schema is the CUE contract every configuration file must satisfy.
// Validation happens on the raw YAML document, so a typo in a bot-level
// key fails loudly at startup instead of decoding to a zero value.
const schema = `
#Config: {
	bot?: {
		name?:             string & !=""
		event_queue_size?: int & >=1
		log_level?:        "debug" | "info" | "warn" | "error"
		superusers?: [...string]
	}
	nodes?: {[string]: {...}}
}
`

// Defaults applied after validation.
const (
	DefaultName      = "relay"
	DefaultQueueSize = 64
	DefaultLogLevel  = "info"
)

// Bot is the engine-level section.
type Bot struct {
	// Name identifies the bot; rule checkers may use it as a wake word.
	Name string `yaml:"name"`

	// EventQueueSize bounds the intake queue. Producers block when the
	// queue is full.
	EventQueueSize int `yaml:"event_queue_size"`

	// LogLevel is the slog level for the whole process.
	LogLevel string `yaml:"log_level"`

	// Superusers lists session identifiers with superuser permission.
	Superusers []string `yaml:"superusers"`
}

// Config is the validated configuration document.
type Config struct {
	Bot   Bot
	nodes map[string]yaml.Node
}

type document struct {
	Bot   Bot                  `yaml:"bot"`
	Nodes map[string]yaml.Node `yaml:"nodes"`
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	return &Config{
		Bot: Bot{
			Name:           DefaultName,
			EventQueueSize: DefaultQueueSize,
			LogLevel:       DefaultLogLevel,
		},
	}
}

// Load reads, validates and decodes a configuration file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: reading %s: %w", path, err)
	}
	cfg, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("config: %s: %w", path, err)
	}
	return cfg, nil
}

// Parse validates and decodes a configuration document.
func Parse(data []byte) (*Config, error) {
	if err := validate(data); err != nil {
		return nil, err
	}

	var doc document
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("decoding: %w", err)
	}

	cfg := Default()
	if doc.Bot.Name != "" {
		cfg.Bot.Name = doc.Bot.Name
	}
	if doc.Bot.EventQueueSize != 0 {
		cfg.Bot.EventQueueSize = doc.Bot.EventQueueSize
	}
	if doc.Bot.LogLevel != "" {
		cfg.Bot.LogLevel = doc.Bot.LogLevel
	}
	cfg.Bot.Superusers = doc.Bot.Superusers
	cfg.nodes = doc.Nodes
	return cfg, nil
}

// validate unifies the raw document with the embedded schema.
func validate(data []byte) error {
	var raw map[string]any
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("parsing YAML: %w", err)
	}
	if raw == nil {
		return nil
	}

	ctx := cuecontext.New()
	sv := ctx.CompileString(schema)
	if err := sv.Err(); err != nil {
		return fmt.Errorf("compiling schema: %w", err)
	}
	constraint := sv.LookupPath(cue.ParsePath("#Config"))
	doc := ctx.Encode(raw)
	if err := doc.Err(); err != nil {
		return fmt.Errorf("encoding document: %w", err)
	}
	unified := constraint.Unify(doc)
	if err := unified.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	return nil
}

// NodeConfig decodes the named node's raw section into out. A missing
// section leaves out untouched and returns nil: per-node configuration
// is always optional.
func (c *Config) NodeConfig(name string, out any) error {
	raw, ok := c.nodes[name]
	if !ok {
		return nil
	}
	if err := raw.Decode(out); err != nil {
		return fmt.Errorf("config: node %q section: %w", name, err)
	}
	return nil
}

// NodeNames returns the names with explicit configuration sections.
func (c *Config) NodeNames() []string {
	names := make([]string, 0, len(c.nodes))
	for name := range c.nodes {
		names = append(names, name)
	}
	return names
}
