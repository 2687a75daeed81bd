// Package ir provides the foundational types shared by every layer of the
// entity cache: attribute values, resource identities, normalized documents,
// adapter operations and the error taxonomy.
//
// This package contains type definitions and pure helpers only. All other
// internal packages import ir; ir imports nothing internal.
//
// Key constraints:
//   - Identity is the only stable cross-request key. Record handles are
//     looked up by identity, never shared across stores.
//   - A Document is immutable once built. Accessors return copies.
//   - Canonical JSON (RFC 8785 key order, NFC strings) is the only encoding
//     used for fingerprints and golden snapshots.
package ir
