package policy

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

type ruleFile struct {
	Rules []Rule `yaml:"rules"`
}

// LoadFile reads rules from a YAML file and validates every rule. A rule
// file is all-or-nothing: one malformed rule rejects the whole file.
func LoadFile(path string) ([]Rule, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var file ruleFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("parse rule file %s: %w", path, err)
	}

	for _, rule := range file.Rules {
		if err := rule.Validate(); err != nil {
			return nil, fmt.Errorf("rule file %s: %w", path, err)
		}
	}
	return file.Rules, nil
}
