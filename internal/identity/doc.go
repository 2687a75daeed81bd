// Package identity holds the identity map: exactly one record handle per
// (type, id), stored in an arena and looked up through a key index.
//
// The map is not safe for concurrent mutation on its own. The store
// serializes every mutation under its turn lock. Record handles may be read
// from any goroutine.
package identity
