package schema

import (
	"fmt"
	"slices"
	"sort"
)

// Kind is the cardinality of a relationship.
type Kind string

const (
	BelongsTo Kind = "belongsTo"
	HasMany   Kind = "hasMany"
)

// Valid reports whether k is a known kind.
func (k Kind) Valid() bool {
	return k == BelongsTo || k == HasMany
}

// Relationship describes one relationship field of a model.
type Relationship struct {
	Name string `json:"name"`
	Kind Kind   `json:"kind"`

	// Type is the related model name.
	Type string `json:"type"`

	// Async relationships are fetched lazily on access. Sync relationships
	// must be loaded before they are read.
	Async bool `json:"async"`

	// Inverse names the field on the related model that mirrors this one,
	// or "" when the relationship has no inverse.
	Inverse string `json:"inverse,omitempty"`
}

// Model describes one record type.
type Model struct {
	Name          string         `json:"name"`
	Attributes    []string       `json:"attributes,omitempty"`
	Relationships []Relationship `json:"relationships,omitempty"`
}

// Relationship looks up a relationship field by name.
func (m *Model) Relationship(name string) (Relationship, bool) {
	for _, r := range m.Relationships {
		if r.Name == name {
			return r, true
		}
	}
	return Relationship{}, false
}

// RelationshipNames returns relationship field names in declaration order.
func (m *Model) RelationshipNames() []string {
	names := make([]string, len(m.Relationships))
	for i, r := range m.Relationships {
		names[i] = r.Name
	}
	return names
}

// HasAttribute reports whether the model declares the attribute. Models
// that declare no attributes accept any.
func (m *Model) HasAttribute(name string) bool {
	if len(m.Attributes) == 0 {
		return true
	}
	return slices.Contains(m.Attributes, name)
}

// Registry is an immutable set of validated models.
type Registry struct {
	models map[string]*Model
}

// NewRegistry validates the models and builds a registry. All validation
// errors are reported together.
func NewRegistry(models ...Model) (*Registry, error) {
	r := &Registry{models: make(map[string]*Model, len(models))}
	var dup []string
	for i := range models {
		m := models[i]
		if _, exists := r.models[m.Name]; exists {
			dup = append(dup, m.Name)
			continue
		}
		m.Attributes = slices.Clone(m.Attributes)
		m.Relationships = slices.Clone(m.Relationships)
		r.models[m.Name] = &m
	}

	errs := Validate(r)
	for _, name := range dup {
		errs = append(errs, ValidationError{
			Field:   "model." + name,
			Message: "model declared more than once",
			Code:    ErrDuplicateModel,
		})
	}
	if len(errs) > 0 {
		return nil, &ValidationErrors{Errors: errs}
	}
	return r, nil
}

// MustRegistry is NewRegistry for fixed test and example schemas.
func MustRegistry(models ...Model) *Registry {
	r, err := NewRegistry(models...)
	if err != nil {
		panic(err)
	}
	return r
}

// Model looks up a model by name.
func (r *Registry) Model(name string) (*Model, bool) {
	m, ok := r.models[name]
	return m, ok
}

// Relationship looks up a relationship descriptor.
func (r *Registry) Relationship(model, field string) (Relationship, bool) {
	m, ok := r.models[model]
	if !ok {
		return Relationship{}, false
	}
	return m.Relationship(field)
}

// Inverse returns the descriptor mirroring model.field, if declared.
func (r *Registry) Inverse(model, field string) (Relationship, bool) {
	rel, ok := r.Relationship(model, field)
	if !ok || rel.Inverse == "" {
		return Relationship{}, false
	}
	return r.Relationship(rel.Type, rel.Inverse)
}

// Names returns model names in sorted order.
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.models))
	for name := range r.models {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Models returns models in name order.
func (r *Registry) Models() []*Model {
	names := r.Names()
	out := make([]*Model, len(names))
	for i, n := range names {
		out[i] = r.models[n]
	}
	return out
}

// String summarizes the registry for diagnostics.
func (r *Registry) String() string {
	return fmt.Sprintf("schema.Registry{%d models}", len(r.models))
}
