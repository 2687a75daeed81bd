// Package schema holds the static description of every model the cache
// knows: its attributes and its ordered relationship descriptors.
//
// A Registry is resolved once, before any record exists. Record handles read
// their relationship fields from it at construction; nothing is synthesized
// at runtime. Registries can be built in Go or compiled from CUE files:
//
//	model: post: {
//		attributes: ["title"]
//		relationships: comments: {kind: "hasMany", type: "comment", async: true, inverse: "post"}
//	}
package schema
