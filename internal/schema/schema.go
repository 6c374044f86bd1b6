// Package schema is the JSON schema evaluator collaborator (spec.md §6,
// §4.5 stage 6): an object-shape check — required fields plus an
// additional-properties flag — not a general JSON Schema draft
// implementation. See DESIGN.md for why no third-party JSON Schema
// library was pulled in for this deliberately narrower contract.
package schema

import (
	"fmt"
	"sort"
)

// Schema is the object-shape contract a service declares for its request
// bodies.
type Schema struct {
	Required             []string
	AdditionalProperties bool
	// Properties optionally names further allowed properties beyond
	// Required. It is consulted only when AdditionalProperties is false;
	// with AdditionalProperties true every property is allowed.
	Properties []string
}

// ValidationError is one schema violation.
type ValidationError struct {
	Field  string
	Reason string
}

func (v ValidationError) String() string {
	return fmt.Sprintf("%s: %s", v.Field, v.Reason)
}

// Evaluate validates value (already JSON-decoded into a
// map[string]interface{}) against s. ok is false iff len(errs) > 0.
func Evaluate(s Schema, value map[string]interface{}) (ok bool, errs []ValidationError) {
	for _, field := range s.Required {
		if _, present := value[field]; !present {
			errs = append(errs, ValidationError{Field: field, Reason: "required field missing"})
		}
	}

	if !s.AdditionalProperties {
		allowed := make(map[string]struct{}, len(s.Required)+len(s.Properties))
		for _, f := range s.Required {
			allowed[f] = struct{}{}
		}
		for _, f := range s.Properties {
			allowed[f] = struct{}{}
		}

		var extra []string
		for field := range value {
			if _, ok := allowed[field]; !ok {
				extra = append(extra, field)
			}
		}
		sort.Strings(extra)
		for _, field := range extra {
			errs = append(errs, ValidationError{Field: field, Reason: "additional property not allowed"})
		}
	}

	return len(errs) == 0, errs
}
