// Package openapi loads the service's own HTTP contract and indexes its
// operations by operationId for request validation.
package openapi

import (
	"context"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/getkin/kin-openapi/openapi3"
)

//go:embed taskgate.yaml
var contractYAML []byte

// IndexedOperation holds a resolved OpenAPI operation with its context.
type IndexedOperation struct {
	OperationID  string
	Method       string
	PathTemplate string
	Parameters   []*openapi3.Parameter
	RequestBody  *openapi3.RequestBody
}

// ValidationError describes a schema validation error.
type ValidationError struct {
	Field   string
	Message string
}

// Contract is the loaded service contract.
type Contract struct {
	raw        []byte
	doc        *openapi3.T
	operations map[string]IndexedOperation
}

// Load parses and validates the embedded contract.
func Load() (*Contract, error) {
	return LoadData(contractYAML)
}

// LoadData parses and validates a contract document and indexes every
// operation that carries an operationId.
func LoadData(data []byte) (*Contract, error) {
	loader := openapi3.NewLoader()
	loader.IsExternalRefsAllowed = false

	doc, err := loader.LoadFromData(data)
	if err != nil {
		return nil, fmt.Errorf("openapi: loading contract: %w", err)
	}
	if err := doc.Validate(context.Background()); err != nil {
		return nil, fmt.Errorf("openapi: validating contract: %w", err)
	}

	c := &Contract{
		raw:        data,
		doc:        doc,
		operations: make(map[string]IndexedOperation),
	}
	for path, item := range doc.Paths.Map() {
		for method, op := range item.Operations() {
			if op.OperationID == "" {
				continue
			}
			if _, dup := c.operations[op.OperationID]; dup {
				return nil, fmt.Errorf("openapi: duplicate operationId %q", op.OperationID)
			}
			params := make([]*openapi3.Parameter, 0, len(item.Parameters)+len(op.Parameters))
			for _, p := range item.Parameters {
				if p.Value != nil {
					params = append(params, p.Value)
				}
			}
			for _, p := range op.Parameters {
				if p.Value != nil {
					params = append(params, p.Value)
				}
			}
			var body *openapi3.RequestBody
			if op.RequestBody != nil {
				body = op.RequestBody.Value
			}
			c.operations[op.OperationID] = IndexedOperation{
				OperationID:  op.OperationID,
				Method:       method,
				PathTemplate: path,
				Parameters:   params,
				RequestBody:  body,
			}
		}
	}
	return c, nil
}

// Document returns the raw contract document.
func (c *Contract) Document() []byte {
	if c == nil {
		return nil
	}
	return c.raw
}

// Loaded reports whether a contract is available.
func (c *Contract) Loaded() bool {
	return c != nil && c.doc != nil
}

// Version returns info.version.
func (c *Contract) Version() string {
	if !c.Loaded() || c.doc.Info == nil {
		return ""
	}
	return c.doc.Info.Version
}

// GetOperation looks up an operation by id.
func (c *Contract) GetOperation(operationID string) (IndexedOperation, bool) {
	if c == nil {
		return IndexedOperation{}, false
	}
	op, ok := c.operations[operationID]
	return op, ok
}

// AllOperationIDs returns every indexed operationId, sorted.
func (c *Contract) AllOperationIDs() []string {
	if c == nil {
		return nil
	}
	ids := make([]string, 0, len(c.operations))
	for id := range c.operations {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// ValidateRequest checks a JSON request body against the operation's
// request schema. Unknown operations and operations without a body schema
// accept anything.
func (c *Contract) ValidateRequest(operationID string, body []byte) []ValidationError {
	op, ok := c.GetOperation(operationID)
	if !ok || op.RequestBody == nil {
		return nil
	}

	if len(strings.TrimSpace(string(body))) == 0 {
		if op.RequestBody.Required {
			return []ValidationError{{Field: "body", Message: "request body is required"}}
		}
		return nil
	}

	media := op.RequestBody.Content.Get("application/json")
	if media == nil || media.Schema == nil || media.Schema.Value == nil {
		return nil
	}

	var value any
	if err := json.Unmarshal(body, &value); err != nil {
		return []ValidationError{{Field: "body", Message: "request body is not valid JSON"}}
	}

	err := media.Schema.Value.VisitJSON(value, openapi3.MultiErrors())
	if err == nil {
		return nil
	}
	return collectErrors(err)
}

func collectErrors(err error) []ValidationError {
	var multi openapi3.MultiError
	if errors.As(err, &multi) {
		var out []ValidationError
		for _, e := range multi {
			out = append(out, collectErrors(e)...)
		}
		return out
	}
	var se *openapi3.SchemaError
	if errors.As(err, &se) {
		field := strings.Join(se.JSONPointer(), ".")
		if field == "" {
			field = "body"
		}
		return []ValidationError{{Field: field, Message: se.Reason}}
	}
	return []ValidationError{{Field: "body", Message: err.Error()}}
}
