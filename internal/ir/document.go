package ir

import (
	"maps"
	"slices"
)

// Links carries relationship link metadata.
type Links struct {
	Self    string `json:"self,omitempty"`
	Related string `json:"related,omitempty"`
}

// IsZero reports whether no link is set.
func (l Links) IsZero() bool {
	return l.Self == "" && l.Related == ""
}

// Relationship is the normalized payload for one relationship field of one
// resource.
type Relationship struct {
	// Data is the linkage in payload order. Empty with HasData set means the
	// server declared the relationship empty.
	Data []Identity `json:"data,omitempty"`

	// HasData is true when the payload contained a "data" member.
	HasData bool `json:"has_data"`

	// ToOne is true when the linkage was a single object or null.
	ToOne bool `json:"to_one,omitempty"`

	Links Links  `json:"links,omitzero"`
	Meta  Object `json:"meta,omitempty"`
}

// Clone returns a deep copy.
func (r Relationship) Clone() Relationship {
	out := r
	if r.Data != nil {
		out.Data = append([]Identity(nil), r.Data...)
	}
	out.Meta = r.Meta.Clone()
	return out
}

// Resource is one normalized resource object.
type Resource struct {
	Identity      Identity                `json:"identity"`
	Attributes    Object                  `json:"attributes,omitempty"`
	Relationships map[string]Relationship `json:"relationships,omitempty"`
	Meta          Object                  `json:"meta,omitempty"`
}

// Clone returns a deep copy.
func (r Resource) Clone() Resource {
	out := Resource{
		Identity:   r.Identity,
		Attributes: r.Attributes.Clone(),
		Meta:       r.Meta.Clone(),
	}
	if r.Relationships != nil {
		out.Relationships = make(map[string]Relationship, len(r.Relationships))
		for name, rel := range r.Relationships {
			out.Relationships[name] = rel.Clone()
		}
	}
	return out
}

// Document is the canonical form of one server response (or one push):
// primary resources, included resources and relationship link metadata.
//
// A Document is immutable once built. It is merged into the identity map
// and then dropped; nothing queries it afterward.
type Document struct {
	requestType RequestType
	collection  bool
	primary     []Resource
	included    []Resource
	meta        Object
	fingerprint string
}

// NewDocument builds an immutable document. Inputs are deep-copied so later
// mutation by the caller cannot leak in.
func NewDocument(rt RequestType, collection bool, primary, included []Resource, meta Object) (*Document, error) {
	doc := &Document{
		requestType: rt,
		collection:  collection,
		primary:     cloneResources(primary),
		included:    cloneResources(included),
		meta:        meta.Clone(),
	}
	fp, err := doc.computeFingerprint()
	if err != nil {
		return nil, err
	}
	doc.fingerprint = fp
	return doc, nil
}

func cloneResources(in []Resource) []Resource {
	if len(in) == 0 {
		return nil
	}
	out := make([]Resource, len(in))
	for i, r := range in {
		out[i] = r.Clone()
	}
	return out
}

// RequestType returns the request type that produced the document.
func (d *Document) RequestType() RequestType { return d.requestType }

// IsCollection reports whether the primary data was an array.
func (d *Document) IsCollection() bool { return d.collection }

// Primary returns a copy of the primary resources in payload order.
func (d *Document) Primary() []Resource { return cloneResources(d.primary) }

// Included returns a copy of the included resources in payload order.
func (d *Document) Included() []Resource { return cloneResources(d.included) }

// Resources returns primary followed by included resources.
func (d *Document) Resources() []Resource {
	return append(d.Primary(), d.Included()...)
}

// Meta returns a copy of the top-level meta.
func (d *Document) Meta() Object { return d.meta.Clone() }

// Fingerprint returns the content hash of the document.
func (d *Document) Fingerprint() string { return d.fingerprint }

// PrimaryIdentities returns the identities of the primary resources.
func (d *Document) PrimaryIdentities() []Identity {
	ids := make([]Identity, len(d.primary))
	for i, r := range d.primary {
		ids[i] = r.Identity
	}
	return ids
}

// RelationshipLinks maps every (identity, field) that carries links to
// those links.
func (d *Document) RelationshipLinks() map[RelKey]Links {
	out := make(map[RelKey]Links)
	for _, list := range [][]Resource{d.primary, d.included} {
		for _, r := range list {
			for name, rel := range r.Relationships {
				if rel.Links.IsZero() {
					continue
				}
				out[RelKey{Owner: r.Identity, Field: name}] = rel.Links
			}
		}
	}
	return out
}

// Links returns the links recorded for one relationship.
func (d *Document) Links(key RelKey) (Links, bool) {
	l, ok := d.RelationshipLinks()[key]
	return l, ok
}

// Value renders the document as an Object for canonical encoding.
func (d *Document) Value() Object {
	obj := Object{
		"request_type": String(d.requestType),
		"collection":   Bool(d.collection),
		"primary":      resourcesValue(d.primary),
		"included":     resourcesValue(d.included),
	}
	if len(d.meta) > 0 {
		obj["meta"] = d.meta.Clone()
	}
	return obj
}

func resourcesValue(rs []Resource) Array {
	arr := make(Array, len(rs))
	for i, r := range rs {
		arr[i] = r.Value()
	}
	return arr
}

// Value renders the resource as an Object for canonical encoding.
func (r Resource) Value() Object {
	obj := Object{
		"type": String(r.Identity.Type),
		"id":   String(r.Identity.ID),
	}
	if r.Identity.LID != "" {
		obj["lid"] = String(r.Identity.LID)
	}
	if len(r.Attributes) > 0 {
		obj["attributes"] = r.Attributes.Clone()
	}
	if len(r.Meta) > 0 {
		obj["meta"] = r.Meta.Clone()
	}
	if len(r.Relationships) > 0 {
		rels := make(Object, len(r.Relationships))
		for name, rel := range r.Relationships {
			rels[name] = rel.Value()
		}
		obj["relationships"] = rels
	}
	return obj
}

// Value renders the relationship as an Object for canonical encoding.
func (r Relationship) Value() Object {
	obj := Object{}
	if r.HasData {
		data := make(Array, len(r.Data))
		for i, id := range r.Data {
			data[i] = Object{"type": String(id.Type), "id": String(id.ID)}
		}
		if r.ToOne {
			if len(data) == 0 {
				obj["data"] = Null{}
			} else {
				obj["data"] = data[0]
			}
		} else {
			obj["data"] = data
		}
	}
	if !r.Links.IsZero() {
		links := Object{}
		if r.Links.Self != "" {
			links["self"] = String(r.Links.Self)
		}
		if r.Links.Related != "" {
			links["related"] = String(r.Links.Related)
		}
		obj["links"] = links
	}
	if len(r.Meta) > 0 {
		obj["meta"] = r.Meta.Clone()
	}
	return obj
}

// FieldNames returns the relationship names of a resource in sorted order.
func (r Resource) FieldNames() []string {
	return slices.Sorted(maps.Keys(r.Relationships))
}
