package episode

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// Validator checks serialized records against the step schema.
type Validator struct {
	schema *jsonschema.Schema
}

func LoadValidator(path string) (*Validator, error) {
	s, err := jsonschema.Compile(path)
	if err != nil {
		return nil, fmt.Errorf("compile %s: %w", path, err)
	}
	return &Validator{schema: s}, nil
}

// ValidateJSON validates one encoded record.
func (v *Validator) ValidateJSON(line []byte) error {
	dec := json.NewDecoder(bytes.NewReader(line))
	dec.UseNumber()
	var doc any
	if err := dec.Decode(&doc); err != nil {
		return err
	}
	return v.schema.Validate(doc)
}

func (v *Validator) Validate(rec Record) error {
	b, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	return v.ValidateJSON(b)
}
