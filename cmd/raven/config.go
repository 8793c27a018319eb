package main

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// fileConfig serves sections of a YAML document through the
// raven.Configurer interface
type fileConfig struct {
	sections map[string]yaml.Node
}

func loadFileConfig(path string) (*fileConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	return parseFileConfig(data)
}

func parseFileConfig(data []byte) (*fileConfig, error) {
	sections := map[string]yaml.Node{}
	if err := yaml.Unmarshal(data, &sections); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	return &fileConfig{sections: sections}, nil
}

func (c *fileConfig) Has(name string) bool {
	_, ok := c.sections[name]
	return ok
}

func (c *fileConfig) UnmarshalKey(name string, out interface{}) error {
	node, ok := c.sections[name]
	if !ok {
		return nil
	}
	return node.Decode(out)
}
