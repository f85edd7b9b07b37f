// Package config loads the harness configuration: the library under test
// and the set of downstream consumers to verify against it.
package config

import (
	_ "embed"
	"fmt"
	"os"
	"path/filepath"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	cueyaml "cuelang.org/go/encoding/yaml"
	"golang.org/x/text/unicode/norm"
	"gopkg.in/yaml.v3"
)

//go:embed schema.cue
var schemaCUE string

// Library describes the package whose downstream compatibility is tested.
type Library struct {
	// Name is the distribution name consumers depend on (e.g. "counterpoint").
	Name string `yaml:"name"`

	// Root is the library's project root. Relative paths are resolved
	// against the config file location.
	Root string `yaml:"root"`

	// Dist is the build output directory scanned for wheels in packaged
	// mode. Defaults to <root>/dist.
	Dist string `yaml:"dist,omitempty"`
}

// Consumer identifies one downstream project.
type Consumer struct {
	// Name uniquely identifies the consumer and names its working copy.
	Name string `yaml:"name"`

	// Repo is the remote repository URL cloned into the workspace.
	Repo string `yaml:"repo"`

	// Subdir is the path within the repository holding pyproject.toml,
	// for monorepo consumers. Empty means the repository root.
	Subdir string `yaml:"subdir,omitempty"`

	// TestTask is the task name looked up under [tool.poe.tasks].
	// Defaults to "test".
	TestTask string `yaml:"test_task,omitempty"`

	// TestPath is the directory handed to the pytest fallback.
	// Defaults to "tests".
	TestPath string `yaml:"test_path,omitempty"`
}

// Config is the full harness configuration.
type Config struct {
	Library Library `yaml:"library"`

	// Workspace holds one working copy per consumer plus the run-history
	// database. Defaults to ".dstest" next to the config file.
	Workspace string `yaml:"workspace,omitempty"`

	Consumers []Consumer `yaml:"consumers"`
}

// Load reads, schema-validates and normalizes a config file.
//
// The YAML document is validated against the embedded CUE schema before
// unmarshalling, so shape errors carry schema positions instead of
// surfacing later as zero values.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	if err := validateSchema(data); err != nil {
		return nil, fmt.Errorf("invalid config %s: %w", path, err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
	}

	base, err := filepath.Abs(filepath.Dir(path))
	if err != nil {
		return nil, fmt.Errorf("failed to resolve config directory: %w", err)
	}
	cfg.applyDefaults(base)

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid config %s: %w", path, err)
	}
	return &cfg, nil
}

// validateSchema unifies the YAML document with the embedded CUE schema.
func validateSchema(data []byte) error {
	ctx := cuecontext.New()
	schema := ctx.CompileString(schemaCUE, cue.Filename("schema.cue"))
	if err := schema.Err(); err != nil {
		return fmt.Errorf("failed to compile schema: %w", err)
	}
	return cueyaml.Validate(data, schema)
}

// applyDefaults resolves paths against base and fills optional fields.
func (c *Config) applyDefaults(base string) {
	if !filepath.IsAbs(c.Library.Root) {
		c.Library.Root = filepath.Join(base, c.Library.Root)
	}
	if c.Library.Dist == "" {
		c.Library.Dist = filepath.Join(c.Library.Root, "dist")
	} else if !filepath.IsAbs(c.Library.Dist) {
		c.Library.Dist = filepath.Join(base, c.Library.Dist)
	}
	if c.Workspace == "" {
		c.Workspace = filepath.Join(base, ".dstest")
	} else if !filepath.IsAbs(c.Workspace) {
		c.Workspace = filepath.Join(base, c.Workspace)
	}
	for i := range c.Consumers {
		// Consumer names participate in selector matching; keep them in
		// one normal form so config and CLI spellings always agree.
		c.Consumers[i].Name = norm.NFC.String(c.Consumers[i].Name)
		if c.Consumers[i].TestTask == "" {
			c.Consumers[i].TestTask = "test"
		}
		if c.Consumers[i].TestPath == "" {
			c.Consumers[i].TestPath = "tests"
		}
	}
}

// validate checks cross-field constraints the schema cannot express.
func (c *Config) validate() error {
	seen := make(map[string]struct{}, len(c.Consumers))
	for _, consumer := range c.Consumers {
		if _, dup := seen[consumer.Name]; dup {
			return fmt.Errorf("duplicate consumer name %q", consumer.Name)
		}
		seen[consumer.Name] = struct{}{}
	}
	return nil
}

// Select resolves consumer-name selectors to configured consumers,
// preserving configuration order. No selectors means all consumers.
// An unknown name is an error rather than a silent no-op.
func (c *Config) Select(names []string) ([]Consumer, error) {
	if len(names) == 0 {
		return c.Consumers, nil
	}

	wanted := make(map[string]struct{}, len(names))
	for _, n := range names {
		wanted[norm.NFC.String(n)] = struct{}{}
	}

	var selected []Consumer
	for _, consumer := range c.Consumers {
		if _, ok := wanted[consumer.Name]; ok {
			selected = append(selected, consumer)
			delete(wanted, consumer.Name)
		}
	}
	if len(wanted) > 0 {
		for n := range wanted {
			return nil, fmt.Errorf("unknown consumer %q", n)
		}
	}
	return selected, nil
}

// ManifestDir returns the directory holding a consumer's pyproject.toml
// within the workspace.
func (c *Config) ManifestDir(consumer Consumer) string {
	dir := c.ConsumerDir(consumer)
	if consumer.Subdir != "" {
		dir = filepath.Join(dir, consumer.Subdir)
	}
	return dir
}

// ConsumerDir returns a consumer's working-copy root within the workspace.
func (c *Config) ConsumerDir(consumer Consumer) string {
	return filepath.Join(c.Workspace, "repos", consumer.Name)
}
