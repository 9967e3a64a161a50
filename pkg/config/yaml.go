package config

import (
	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

// yamlParser is a koanf.Parser backed by yaml.v3.
type yamlParser struct{}

func (yamlParser) Unmarshal(b []byte) (map[string]interface{}, error) {
	out := map[string]interface{}{}
	if err := yaml.Unmarshal(b, &out); err != nil {
		return nil, errors.Wrap(err, "parse yaml")
	}
	return out, nil
}

func (yamlParser) Marshal(m map[string]interface{}) ([]byte, error) {
	return yaml.Marshal(m)
}
