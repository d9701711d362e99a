package config

import (
	"bytes"
	"reflect"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const sensitiveMask = "*****"

// Dump encodes the configuration to YAML, each key is commented by its usage.
// The output can be used as the configuration file, sensitive values are masked.
func Dump(cfg Config) ([]byte, error) {
	root := &yaml.Node{Kind: yaml.MappingNode}
	for _, f := range collectFields(reflect.ValueOf(&cfg).Elem(), "") {
		parent := root
		path := strings.Split(f.Key, ".")
		for _, name := range path[:len(path)-1] {
			parent = mappingChild(parent, name)
		}

		value, err := valueNode(f)
		if err != nil {
			return nil, err
		}

		key := &yaml.Node{Kind: yaml.ScalarNode, Tag: "!!str", Value: path[len(path)-1], HeadComment: f.Usage}
		parent.Content = append(parent.Content, key, value)
	}

	var out bytes.Buffer
	encoder := yaml.NewEncoder(&out)
	encoder.SetIndent(2)
	if err := encoder.Encode(root); err != nil {
		return nil, err
	}
	if err := encoder.Close(); err != nil {
		return nil, err
	}
	return out.Bytes(), nil
}

func mappingChild(parent *yaml.Node, name string) *yaml.Node {
	for i := 0; i+1 < len(parent.Content); i += 2 {
		if parent.Content[i].Value == name {
			return parent.Content[i+1]
		}
	}
	child := &yaml.Node{Kind: yaml.MappingNode}
	parent.Content = append(parent.Content, &yaml.Node{Kind: yaml.ScalarNode, Tag: "!!str", Value: name}, child)
	return child
}

func valueNode(f field) (*yaml.Node, error) {
	if f.Sensitive && !f.Value.IsZero() {
		return &yaml.Node{Kind: yaml.ScalarNode, Tag: "!!str", Value: sensitiveMask}, nil
	}

	// Duration is encoded in the same format as it is parsed
	if d, ok := f.Value.Interface().(time.Duration); ok {
		return &yaml.Node{Kind: yaml.ScalarNode, Tag: "!!str", Value: d.String()}, nil
	}

	node := &yaml.Node{}
	if err := node.Encode(f.Value.Interface()); err != nil {
		return nil, err
	}
	return node, nil
}
