package ir

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
)

// Domain prefixes for content hashes. The version suffix allows the
// algorithm to change without colliding with older fingerprints.
const (
	DomainDocument = "entcache/document/v1"
	DomainResource = "entcache/resource/v1"
)

// hashWithDomain computes SHA256(domain + 0x00 + data).
// The null separator prevents domain/data boundary ambiguity.
func hashWithDomain(domain string, data []byte) string {
	h := sha256.New()
	h.Write([]byte(domain))
	h.Write([]byte{0x00})
	h.Write(data)
	return hex.EncodeToString(h.Sum(nil))
}

func (d *Document) computeFingerprint() (string, error) {
	canonical, err := MarshalCanonical(d.Value())
	if err != nil {
		return "", fmt.Errorf("document fingerprint: %w", err)
	}
	return hashWithDomain(DomainDocument, canonical), nil
}

// ResourceFingerprint hashes one resource. Two resources with the same
// identity, attributes and relationships hash identically regardless of map
// iteration order.
func ResourceFingerprint(r Resource) (string, error) {
	canonical, err := MarshalCanonical(r.Value())
	if err != nil {
		return "", fmt.Errorf("resource fingerprint: %w", err)
	}
	return hashWithDomain(DomainResource, canonical), nil
}
