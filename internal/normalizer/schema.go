package normalizer

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"erpsplit/internal/domain"
)

// SourceSchema describes the legacy collections and their embedded fields.
//
//	version: "2024-06"
//	collections:
//	  - name: Orders
//	    embedded:
//	      - path: user
//	        target_type: User
//	        key_fields: [name, address]
//	        snapshot_fields: [name]
type SourceSchema struct {
	Version     string             `yaml:"version" json:"version"`
	Collections []CollectionSchema `yaml:"collections" json:"collections"`
}

type CollectionSchema struct {
	Name     string          `yaml:"name" json:"name"`
	Embedded []EmbeddedField `yaml:"embedded" json:"embedded"`
}

// EmbeddedField is a sub-document that belongs to another entity type.
// TargetField defaults to the path's last segment plus "Id".
type EmbeddedField struct {
	Path           string            `yaml:"path" json:"path"`
	TargetType     domain.EntityType `yaml:"target_type" json:"targetType"`
	TargetField    string            `yaml:"target_field,omitempty" json:"targetField,omitempty"`
	KeyFields      []string          `yaml:"key_fields,omitempty" json:"keyFields,omitempty"`
	SnapshotFields []string          `yaml:"snapshot_fields,omitempty" json:"snapshotFields,omitempty"`
}

func ParseSchema(data []byte) (SourceSchema, error) {
	var s SourceSchema
	if err := yaml.Unmarshal(data, &s); err != nil {
		return SourceSchema{}, fmt.Errorf("parse schema: %w", err)
	}
	return s, nil
}

func LoadSchema(path string) (SourceSchema, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return SourceSchema{}, fmt.Errorf("read schema %s: %w", path, err)
	}
	return ParseSchema(data)
}
