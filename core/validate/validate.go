// Package validate checks compiler input against a JSON Schema before it
// reaches the projection builder, so malformed options or a colliding
// setter-name map fail with a structured error instead of a deep panic
// inside core/compile.
//
// The compiled-schema cache mirrors the teacher corpus's validator cache
// (keyed by a SHA-256 hash of the schema document, evicted wholesale when
// it grows past a small bound) rather than caching per input, since the
// schema here is a single embedded document that never changes shape at
// runtime — the cache exists to avoid recompiling it on every call.
package validate

import (
	"bytes"
	"crypto/sha256"
	_ "embed"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

//go:embed schema/options.schema.json
var optionsSchemaDoc []byte

var (
	schemaCacheMu sync.Mutex
	schemaCache   = make(map[[32]byte]*jsonschema.Schema)
)

func compiledSchema() (*jsonschema.Schema, error) {
	key := sha256.Sum256(optionsSchemaDoc)

	schemaCacheMu.Lock()
	defer schemaCacheMu.Unlock()

	if s, ok := schemaCache[key]; ok {
		return s, nil
	}

	c := jsonschema.NewCompiler()
	const resourceName = "compile-options.json"
	if err := c.AddResource(resourceName, bytes.NewReader(optionsSchemaDoc)); err != nil {
		return nil, fmt.Errorf("validate: loading schema: %w", err)
	}
	s, err := c.Compile(resourceName)
	if err != nil {
		return nil, fmt.Errorf("validate: compiling schema: %w", err)
	}

	if len(schemaCache) >= 8 {
		schemaCache = make(map[[32]byte]*jsonschema.Schema)
	}
	schemaCache[key] = s
	return s, nil
}

// optionsDoc is the JSON shape validated by the embedded schema. It is a
// plain projection of compile.Options plus the setter-name map's keys —
// core/compile depends on core/validate, not the reverse, so this package
// cannot import compile.Options directly without an import cycle.
type optionsDoc struct {
	Debug       bool     `json:"debug"`
	TypeCheck   bool     `json:"typeCheck"`
	Format      string   `json:"format"`
	Name        string   `json:"name,omitempty"`
	SetterNames []string `json:"setterNames"`
}

// Options validates a compile invocation's options and setter-name set.
func Options(debug, typeCheck bool, format, name string, setterNames []string) error {
	schema, err := compiledSchema()
	if err != nil {
		return err
	}

	doc := optionsDoc{Debug: debug, TypeCheck: typeCheck, Format: format, Name: name, SetterNames: setterNames}
	if doc.SetterNames == nil {
		doc.SetterNames = []string{}
	}

	raw, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("validate: marshaling options: %w", err)
	}
	var v interface{}
	if err := json.Unmarshal(raw, &v); err != nil {
		return fmt.Errorf("validate: unmarshaling options: %w", err)
	}

	if err := schema.Validate(v); err != nil {
		return fmt.Errorf("validate: invalid compile options: %w", err)
	}
	return nil
}
