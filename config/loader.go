package config

import (
	"fmt"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// LoaderOptions configures a Loader. Only the file backend is wired
// here (see DESIGN.md: the teacher's consul/etcd/zookeeper backends
// have no corresponding component in this spec, so those koanf
// providers were not carried over).
type LoaderOptions struct {
	Path string
}

// Loader loads a Config from a YAML file via koanf.
type Loader struct {
	koanf   *koanf.Koanf
	options LoaderOptions
}

// NewLoader builds a Loader for opts.Path.
func NewLoader(opts LoaderOptions) (*Loader, error) {
	if opts.Path == "" {
		return nil, fmt.Errorf("config: path is required")
	}
	return &Loader{koanf: koanf.New("."), options: opts}, nil
}

// Load reads and parses the config file into a Config.
func (l *Loader) Load() (*Config, error) {
	if err := l.koanf.Load(file.Provider(l.options.Path), yaml.Parser()); err != nil {
		return nil, fmt.Errorf("config: load %s: %w", l.options.Path, err)
	}

	cfg := &Config{}
	if err := l.koanf.UnmarshalWithConf("", cfg, koanf.UnmarshalConf{Tag: "yaml"}); err != nil {
		return nil, fmt.Errorf("config: unmarshal: %w", err)
	}

	return cfg, nil
}

// LoadConfig is a convenience wrapper around NewLoader().Load().
func LoadConfig(path string) (*Config, error) {
	loader, err := NewLoader(LoaderOptions{Path: path})
	if err != nil {
		return nil, err
	}
	return loader.Load()
}
