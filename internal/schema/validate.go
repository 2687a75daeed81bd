package schema

import (
	"fmt"
	"strings"
)

// Validation error codes (E200-E299)
const (
	ErrModelNameEmpty        = "E201" // model name is required
	ErrDuplicateModel        = "E202" // model declared twice
	ErrDuplicateField        = "E203" // field declared twice on one model
	ErrInvalidKind           = "E204" // kind is not belongsTo or hasMany
	ErrUnknownRelatedType    = "E205" // related type is not a registered model
	ErrUnknownInverse        = "E206" // inverse field does not exist on the related model
	ErrInverseMismatch       = "E207" // inverse does not point back
	ErrRelationshipNameEmpty = "E208" // relationship name is required
)

// ValidationError represents a schema validation error.
type ValidationError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
	Code    string `json:"code"`
}

// Error implements the error interface.
func (e ValidationError) Error() string {
	return fmt.Sprintf("[%s] %s: %s", e.Code, e.Field, e.Message)
}

// ValidationErrors collects every problem found in one registry.
type ValidationErrors struct {
	Errors []ValidationError
}

// Error implements the error interface.
func (e *ValidationErrors) Error() string {
	msgs := make([]string, len(e.Errors))
	for i, err := range e.Errors {
		msgs[i] = err.Error()
	}
	return "schema invalid: " + strings.Join(msgs, "; ")
}

// Validate checks every model of the registry. Returns all errors found
// (does not fail fast), in model-name order.
func Validate(r *Registry) []ValidationError {
	var errs []ValidationError
	for _, m := range r.Models() {
		errs = append(errs, validateModel(r, m)...)
	}
	return errs
}

func validateModel(r *Registry, m *Model) []ValidationError {
	var errs []ValidationError

	if strings.TrimSpace(m.Name) == "" {
		errs = append(errs, ValidationError{
			Field:   "model",
			Message: "model name is required",
			Code:    ErrModelNameEmpty,
		})
	}

	seen := make(map[string]bool)
	for _, attr := range m.Attributes {
		if seen[attr] {
			errs = append(errs, ValidationError{
				Field:   fmt.Sprintf("model.%s.attributes", m.Name),
				Message: fmt.Sprintf("duplicate field %q", attr),
				Code:    ErrDuplicateField,
			})
		}
		seen[attr] = true
	}

	for i, rel := range m.Relationships {
		path := fmt.Sprintf("model.%s.relationships.%s", m.Name, rel.Name)
		if strings.TrimSpace(rel.Name) == "" {
			errs = append(errs, ValidationError{
				Field:   fmt.Sprintf("model.%s.relationships[%d]", m.Name, i),
				Message: "relationship name is required",
				Code:    ErrRelationshipNameEmpty,
			})
			continue
		}
		if seen[rel.Name] {
			errs = append(errs, ValidationError{
				Field:   path,
				Message: fmt.Sprintf("duplicate field %q", rel.Name),
				Code:    ErrDuplicateField,
			})
		}
		seen[rel.Name] = true

		if !rel.Kind.Valid() {
			errs = append(errs, ValidationError{
				Field:   path + ".kind",
				Message: fmt.Sprintf("invalid kind %q, must be \"belongsTo\" or \"hasMany\"", rel.Kind),
				Code:    ErrInvalidKind,
			})
		}

		related, ok := r.Model(rel.Type)
		if !ok {
			errs = append(errs, ValidationError{
				Field:   path + ".type",
				Message: fmt.Sprintf("related type %q is not a declared model", rel.Type),
				Code:    ErrUnknownRelatedType,
			})
			continue
		}

		if rel.Inverse == "" {
			continue
		}
		inv, ok := related.Relationship(rel.Inverse)
		if !ok {
			errs = append(errs, ValidationError{
				Field:   path + ".inverse",
				Message: fmt.Sprintf("inverse %q is not a relationship of %q", rel.Inverse, rel.Type),
				Code:    ErrUnknownInverse,
			})
			continue
		}
		if inv.Type != m.Name || inv.Inverse != rel.Name {
			errs = append(errs, ValidationError{
				Field:   path + ".inverse",
				Message: fmt.Sprintf("inverse %s.%s must point back to %s.%s", rel.Type, rel.Inverse, m.Name, rel.Name),
				Code:    ErrInverseMismatch,
			})
		}
	}

	return errs
}
