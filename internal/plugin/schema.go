// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

package plugin

import (
	"bytes"
	"encoding/json"
	"sync"

	"github.com/invopop/jsonschema"
	jschema "github.com/santhosh-tekuri/jsonschema/v6"
	"gopkg.in/yaml.v3"
)

// SchemaID is the $id of the provider manifest schema.
const SchemaID = "https://holomush.dev/schemas/caphost-provider.schema.json"

// JSONSchemaExtend requires exactly one runtime section, the one matching
// type. The struct tags alone cannot express that.
func (Manifest) JSONSchemaExtend(s *jsonschema.Schema) {
	s.OneOf = []*jsonschema.Schema{
		runtimeSection(TypeBinary, "binary-plugin", "lua-plugin"),
		runtimeSection(TypeLua, "lua-plugin", "binary-plugin"),
	}
}

func runtimeSection(t Type, want, forbid string) *jsonschema.Schema {
	props := jsonschema.NewProperties()
	props.Set("type", &jsonschema.Schema{Const: string(t)})
	return &jsonschema.Schema{
		Properties: props,
		Required:   []string{want},
		Not:        &jsonschema.Schema{Required: []string{forbid}},
	}
}

// GenerateSchema reflects the provider manifest JSON schema from Manifest.
func GenerateSchema() ([]byte, error) {
	r := jsonschema.Reflector{DoNotReference: true}
	s := r.Reflect(&Manifest{})
	s.ID = jsonschema.ID(SchemaID)
	s.Title = "caphost Provider Plugin Manifest"
	s.Description = "Schema for capability provider plugin.yaml files"

	data, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return nil, invalid().Wrapf(err, "marshal schema")
	}
	return data, nil
}

var compiledSchema = sync.OnceValues(func() (*jschema.Schema, error) {
	raw, err := GenerateSchema()
	if err != nil {
		return nil, err
	}
	doc, err := jschema.UnmarshalJSON(bytes.NewReader(raw))
	if err != nil {
		return nil, invalid().Wrapf(err, "parse schema")
	}
	c := jschema.NewCompiler()
	if err := c.AddResource(SchemaID, doc); err != nil {
		return nil, invalid().Wrapf(err, "add schema resource")
	}
	sch, err := c.Compile(SchemaID)
	if err != nil {
		return nil, invalid().Wrapf(err, "compile schema")
	}
	return sch, nil
})

// ValidateSchema checks manifest YAML against the provider manifest schema.
// Failures carry INVALID_ARGUMENT.
func ValidateSchema(data []byte) error {
	if len(data) == 0 {
		return invalid().Errorf("manifest data is empty")
	}

	var doc any
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return invalid().Wrapf(err, "invalid YAML")
	}
	// Round-trip through JSON so numbers and maps have the types the
	// validator expects.
	raw, err := json.Marshal(doc)
	if err != nil {
		return invalid().Wrapf(err, "manifest is not representable as JSON")
	}
	inst, err := jschema.UnmarshalJSON(bytes.NewReader(raw))
	if err != nil {
		return invalid().Wrapf(err, "manifest is not representable as JSON")
	}

	sch, err := compiledSchema()
	if err != nil {
		return err
	}
	if err := sch.Validate(inst); err != nil {
		return invalid().Wrapf(err, "schema validation failed")
	}
	return nil
}
