// Package types holds the key, receipt and error types shared by the
// storage engines.
package types

import "strings"

// Key identifies one revision of one logical item. It is an opaque,
// immutable, ordered tuple, typically (item-id, revision-id). Keys are
// compared element-wise.
type Key []string

// ID returns a stable string form of the key, joining the elements with
// NUL bytes. It is used as a map key and as the record label inside group
// buffers.
func (k Key) ID() string {
	return strings.Join(k, "\x00")
}

// String returns a human readable form for logs and errors.
func (k Key) String() string {
	return strings.Join(k, ":")
}

// Equal reports whether two keys have the same elements.
func (k Key) Equal(other Key) bool {
	if len(k) != len(other) {
		return false
	}
	for i := range k {
		if k[i] != other[i] {
			return false
		}
	}
	return true
}

// WithSHA1 returns the key with an empty trailing element replaced by
// "sha1:<hex>". Keys with a concrete trailing element are returned
// unchanged. Callers that do not know a revision id up front leave the
// last element empty and let the content hash name the revision.
func (k Key) WithSHA1(sha string) Key {
	if len(k) == 0 || k[len(k)-1] != "" {
		return k
	}
	out := make(Key, len(k))
	copy(out, k)
	out[len(out)-1] = "sha1:" + sha
	return out
}

// KeyFromID is the inverse of ID.
func KeyFromID(id string) Key {
	return Key(strings.Split(id, "\x00"))
}

// SameParents reports whether two parent lists are identical.
func SameParents(a, b []Key) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if !a[i].Equal(b[i]) {
			return false
		}
	}
	return true
}

// Receipt describes a stored text: the (possibly hash-completed) key it
// was stored under, the sha1 of its content and the content length in
// bytes.
type Receipt struct {
	Key    Key
	SHA1   string
	Length int
}
