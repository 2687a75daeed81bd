package normalize

import (
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/roach88/entcache/internal/ir"
	"github.com/roach88/entcache/internal/schema"
)

type parser struct {
	n  *Normalizer
	rt ir.RequestType
}

func (p parser) malformed(path, format string, args ...any) error {
	return ir.NewMalformedError(p.rt, "%s: %s", path, fmt.Sprintf(format, args...))
}

func (p parser) identity(v ir.Value, path string) (ir.Identity, *schema.Model, error) {
	obj, ok := v.(ir.Object)
	if !ok {
		return ir.Identity{}, nil, p.malformed(path, "must be an object")
	}
	typ, ok := obj["type"].(ir.String)
	if !ok || typ == "" {
		return ir.Identity{}, nil, p.malformed(path, `missing "type"`)
	}
	id, ok := obj["id"].(ir.String)
	if !ok || id == "" {
		return ir.Identity{}, nil, p.malformed(path, `missing "id"`)
	}

	model, ok := p.n.registry.Model(string(typ))
	if !ok {
		return ir.Identity{}, nil, &ir.Error{
			Code:        ir.ErrCodeUnknownModel,
			Message:     fmt.Sprintf("%s: unknown model %q", path, typ),
			RequestType: p.rt,
		}
	}

	ident := ir.NewIdentity(string(typ), string(id))
	if lid, ok := obj["lid"].(ir.String); ok {
		ident.LID = string(lid)
	}
	return ident, model, nil
}

func (p parser) resource(v ir.Value, path string) (ir.Resource, error) {
	ident, model, err := p.identity(v, path)
	if err != nil {
		return ir.Resource{}, err
	}
	obj := v.(ir.Object)
	res := ir.Resource{Identity: ident}

	if raw, ok := obj["attributes"]; ok {
		attrs, ok := raw.(ir.Object)
		if !ok {
			return ir.Resource{}, p.malformed(path+".attributes", "must be an object")
		}
		res.Attributes = make(ir.Object, len(attrs))
		for name, val := range attrs {
			if !model.HasAttribute(name) {
				p.n.log.WithFields(logrus.Fields{
					"action": "normalize",
					"type":   ident.Type,
					"id":     ident.ID,
					"field":  name,
				}).Warn("skipping undeclared attribute")
				continue
			}
			res.Attributes[name] = val
		}
	}

	if raw, ok := obj["relationships"]; ok {
		rels, ok := raw.(ir.Object)
		if !ok {
			return ir.Resource{}, p.malformed(path+".relationships", "must be an object")
		}
		for _, name := range rels.SortedKeys() {
			desc, declared := model.Relationship(name)
			if !declared {
				p.n.log.WithFields(logrus.Fields{
					"action": "normalize",
					"type":   ident.Type,
					"id":     ident.ID,
					"field":  name,
				}).Warn("skipping unknown relationship")
				continue
			}
			rel, err := p.relationship(rels[name], desc, fmt.Sprintf("%s.relationships.%s", path, name))
			if err != nil {
				return ir.Resource{}, err
			}
			if res.Relationships == nil {
				res.Relationships = make(map[string]ir.Relationship)
			}
			res.Relationships[name] = rel
		}
	}

	if raw, ok := obj["meta"]; ok {
		meta, ok := raw.(ir.Object)
		if !ok {
			return ir.Resource{}, p.malformed(path+".meta", "must be an object")
		}
		res.Meta = meta
	}

	return res, nil
}

func (p parser) relationship(v ir.Value, desc schema.Relationship, path string) (ir.Relationship, error) {
	obj, ok := v.(ir.Object)
	if !ok {
		return ir.Relationship{}, p.malformed(path, "must be an object")
	}
	var rel ir.Relationship

	if data, ok := obj["data"]; ok {
		rel.HasData = true
		switch d := data.(type) {
		case ir.Null:
			if desc.Kind == schema.HasMany {
				return ir.Relationship{}, p.malformed(path, "hasMany linkage must be an array")
			}
			rel.ToOne = true
		case ir.Object:
			if desc.Kind == schema.HasMany {
				return ir.Relationship{}, p.malformed(path, "hasMany linkage must be an array")
			}
			ident, err := p.linkage(d, desc, path+".data")
			if err != nil {
				return ir.Relationship{}, err
			}
			rel.ToOne = true
			rel.Data = []ir.Identity{ident}
		case ir.Array:
			if desc.Kind == schema.BelongsTo {
				return ir.Relationship{}, p.malformed(path, "belongsTo linkage must be an object or null")
			}
			for i, elem := range d {
				ident, err := p.linkage(elem, desc, fmt.Sprintf("%s.data[%d]", path, i))
				if err != nil {
					return ir.Relationship{}, err
				}
				rel.Data = append(rel.Data, ident)
			}
		default:
			return ir.Relationship{}, p.malformed(path+".data", "must be an object, an array or null")
		}
	}

	if raw, ok := obj["links"]; ok {
		links, err := p.links(raw, path+".links")
		if err != nil {
			return ir.Relationship{}, err
		}
		rel.Links = links
	}

	if raw, ok := obj["meta"]; ok {
		meta, ok := raw.(ir.Object)
		if !ok {
			return ir.Relationship{}, p.malformed(path+".meta", "must be an object")
		}
		rel.Meta = meta
	}

	return rel, nil
}

func (p parser) linkage(v ir.Value, desc schema.Relationship, path string) (ir.Identity, error) {
	ident, _, err := p.identity(v, path)
	if err != nil {
		return ir.Identity{}, err
	}
	if ident.Type != desc.Type {
		return ir.Identity{}, p.malformed(path, "type %q does not match relationship type %q", ident.Type, desc.Type)
	}
	return ident, nil
}

// links accepts both string links and {"href": ...} link objects.
func (p parser) links(v ir.Value, path string) (ir.Links, error) {
	obj, ok := v.(ir.Object)
	if !ok {
		return ir.Links{}, p.malformed(path, "must be an object")
	}
	var out ir.Links
	for name, dst := range map[string]*string{"self": &out.Self, "related": &out.Related} {
		raw, ok := obj[name]
		if !ok {
			continue
		}
		switch l := raw.(type) {
		case ir.String:
			*dst = string(l)
		case ir.Object:
			href, ok := l["href"].(ir.String)
			if !ok {
				return ir.Links{}, p.malformed(path+"."+name, `link object needs "href"`)
			}
			*dst = string(href)
		case ir.Null:
		default:
			return ir.Links{}, p.malformed(path+"."+name, "must be a string or a link object")
		}
	}
	return out, nil
}
