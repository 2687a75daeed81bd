package ir

import (
	"fmt"
	"strings"
)

// Identity is the (type, id) pair that keys a record across requests.
//
// Records created on the client before the server has assigned an id carry
// only a local id (LID). Once an id is known it takes precedence in Key.
type Identity struct {
	Type string `json:"type"`
	ID   string `json:"id,omitempty"`
	LID  string `json:"lid,omitempty"`
}

// NewIdentity builds an identity from a type and server id.
func NewIdentity(typ, id string) Identity {
	return Identity{Type: typ, ID: id}
}

// Key returns the identity-map key: "type:id", or "type:@lid" for records
// that have no server id yet.
func (i Identity) Key() string {
	if i.ID != "" {
		return i.Type + ":" + i.ID
	}
	return i.Type + ":@" + i.LID
}

// IsZero reports whether the identity names nothing.
func (i Identity) IsZero() bool {
	return i.Type == "" && i.ID == "" && i.LID == ""
}

// Valid reports whether the identity can key a record.
func (i Identity) Valid() bool {
	return i.Type != "" && (i.ID != "" || i.LID != "")
}

// String implements fmt.Stringer.
func (i Identity) String() string {
	return i.Key()
}

// ParseIdentity parses the "type:id" form produced by Key. Local ids
// ("type:@lid") are accepted as well.
func ParseIdentity(s string) (Identity, error) {
	typ, rest, ok := strings.Cut(s, ":")
	if !ok || typ == "" || rest == "" {
		return Identity{}, fmt.Errorf("invalid identity %q: want type:id", s)
	}
	if lid, isLocal := strings.CutPrefix(rest, "@"); isLocal {
		return Identity{Type: typ, LID: lid}, nil
	}
	return Identity{Type: typ, ID: rest}, nil
}

// RelKey addresses one relationship field of one record.
type RelKey struct {
	Owner Identity
	Field string
}

// String implements fmt.Stringer.
func (k RelKey) String() string {
	return k.Owner.Key() + "." + k.Field
}
