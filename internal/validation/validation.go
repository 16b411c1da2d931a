// Package validation wraps go-playground/validator behind the narrow
// interface the engine accepts as its injectable "input validator"
// collaborator (spec.md §1).
package validation

import (
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"
)

// Validator is the surface the engine depends on (engine.WithValidator).
type Validator interface {
	// Struct validates v's exported fields against their `validate` tags.
	// A nil return means v is valid.
	Struct(v interface{}) error
}

// FieldError describes a single failed validation rule, formatted for
// API responses.
type FieldError struct {
	Field string `json:"field"`
	Rule  string `json:"rule"`
}

// Errors collects every FieldError produced by one Struct call and
// implements error.
type Errors []FieldError

func (e Errors) Error() string {
	parts := make([]string, len(e))
	for i, fe := range e {
		parts[i] = fmt.Sprintf("%s failed %q", fe.Field, fe.Rule)
	}
	return strings.Join(parts, "; ")
}

type playgroundValidator struct {
	v *validator.Validate
}

// New builds a Validator backed by go-playground/validator with its
// default struct-tag conventions (`validate:"required,..."`).
func New() Validator {
	return &playgroundValidator{v: validator.New()}
}

func (p *playgroundValidator) Struct(v interface{}) error {
	err := p.v.Struct(v)
	if err == nil {
		return nil
	}
	if _, notStruct := err.(*validator.InvalidValidationError); notStruct {
		// v isn't a struct (or pointer to one) -- job inputs that don't opt
		// into validate tags by being a tagged struct simply skip validation.
		return nil
	}
	verrs, ok := err.(validator.ValidationErrors)
	if !ok {
		return err
	}
	out := make(Errors, 0, len(verrs))
	for _, fe := range verrs {
		out = append(out, FieldError{Field: fe.Namespace(), Rule: fe.Tag()})
	}
	return out
}

var _ Validator = (*playgroundValidator)(nil)
