package capability

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/invopop/jsonschema"
	"github.com/xeipuuv/gojsonschema"
)

// Capability is a named operation with a declarative input schema.
// Implementations are created with New.
type Capability interface {
	Name() string
	Description() string
	// InputSchema returns the JSON schema of the arguments object.
	InputSchema() map[string]interface{}
	// Execute runs the capability with already validated arguments.
	Execute(ctx context.Context, args json.RawMessage) (interface{}, error)

	validator() *gojsonschema.Schema
}

// Func is the executor of a typed capability.
type Func[In any] func(ctx context.Context, in In) (interface{}, error)

type typed[In any] struct {
	name        string
	description string
	schema      map[string]interface{}
	compiled    *gojsonschema.Schema
	fn          Func[In]
}

// New builds a capability whose arguments decode into In. The schema is
// reflected from In's json and jsonschema struct tags; fields without
// omitempty are required. It panics if In cannot be described as a JSON
// object schema.
func New[In any](name, description string, fn Func[In]) Capability {
	schema, err := reflectSchema(new(In))
	if err != nil {
		panic(fmt.Sprintf("capability %s: %v", name, err))
	}
	compiled, err := gojsonschema.NewSchema(gojsonschema.NewGoLoader(schema))
	if err != nil {
		panic(fmt.Sprintf("capability %s: invalid schema: %v", name, err))
	}
	return &typed[In]{
		name:        name,
		description: description,
		schema:      schema,
		compiled:    compiled,
		fn:          fn,
	}
}

func (t *typed[In]) Name() string        { return t.name }
func (t *typed[In]) Description() string { return t.description }

func (t *typed[In]) InputSchema() map[string]interface{} {
	return copySchema(t.schema)
}

func (t *typed[In]) validator() *gojsonschema.Schema { return t.compiled }

func (t *typed[In]) Execute(ctx context.Context, args json.RawMessage) (interface{}, error) {
	var in In
	if len(args) > 0 {
		if err := json.Unmarshal(args, &in); err != nil {
			return nil, &ArgumentError{Capability: t.name, Reason: err.Error()}
		}
	}
	return t.fn(ctx, in)
}

func reflectSchema(v interface{}) (map[string]interface{}, error) {
	r := &jsonschema.Reflector{
		AllowAdditionalProperties: false,
		DoNotReference:            true,
	}
	data, err := json.Marshal(r.Reflect(v))
	if err != nil {
		return nil, err
	}

	var schema map[string]interface{}
	if err := json.Unmarshal(data, &schema); err != nil {
		return nil, err
	}
	if schema["type"] != "object" {
		return nil, fmt.Errorf("arguments must be a struct, got %v", schema["type"])
	}
	delete(schema, "$schema")
	delete(schema, "$id")
	if _, ok := schema["properties"]; !ok {
		schema["properties"] = map[string]interface{}{}
	}
	return schema, nil
}

func copySchema(schema map[string]interface{}) map[string]interface{} {
	data, _ := json.Marshal(schema)
	var out map[string]interface{}
	_ = json.Unmarshal(data, &out)
	return out
}
