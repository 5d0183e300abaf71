// Package hashchain provides the deterministic serialization and hashing used
// to seal export packs and to verify them later. Sealing and verification must
// run the exact same bytes through SHA-256, so this is the single home for
// canonical form: one divergence in key order, whitespace, or null handling
// breaks verification silently.
package hashchain

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"
)

// indentUnit is the fixed indentation width of the canonical form.
const indentUnit = "  "

// Document is an ordered set of key/value pairs. Go maps do not preserve
// construction order, and canonical form depends on it, so writers and
// verifiers both describe a manifest by building the same Document in the
// same order.
type Document struct {
	keys   []string
	values map[string]any
}

// NewDocument creates an empty ordered document.
func NewDocument() *Document {
	return &Document{values: make(map[string]any)}
}

// Set appends a key/value pair, preserving construction order. Setting an
// existing key replaces its value in place without changing its position.
// Returns the document for chaining.
func (d *Document) Set(key string, value any) *Document {
	if _, exists := d.values[key]; !exists {
		d.keys = append(d.keys, key)
	}
	d.values[key] = value
	return d
}

// Get returns the value for a key and whether it is present.
func (d *Document) Get(key string) (any, bool) {
	v, ok := d.values[key]
	return v, ok
}

// Keys returns the keys in construction order.
func (d *Document) Keys() []string {
	out := make([]string, len(d.keys))
	copy(out, d.keys)
	return out
}

// Canonicalize renders the document as the byte-for-byte deterministic string
// that gets hashed: fixed two-space indentation, keys in construction order,
// nil values coalesced to the empty string, and the salt appended at the end.
func Canonicalize(d *Document, salt string) (string, error) {
	var b strings.Builder
	if err := writeValue(&b, d, 0); err != nil {
		return "", err
	}
	b.WriteString(salt)
	return b.String(), nil
}

// Digest returns the SHA-256 hex digest of the canonical form.
func Digest(d *Document, salt string) (string, error) {
	canonical, err := Canonicalize(d, salt)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256([]byte(canonical))
	return hex.EncodeToString(sum[:]), nil
}

func writeValue(b *strings.Builder, v any, depth int) error {
	switch t := v.(type) {
	case nil:
		// Coalesce null/missing to the empty string so optional fields hash
		// identically whether absent or explicitly nil.
		b.WriteString(`""`)
		return nil
	case *Document:
		return writeDocument(b, t, depth)
	case []any:
		return writeArray(b, t, depth)
	case string:
		return writeJSONScalar(b, t)
	case bool:
		fmt.Fprintf(b, "%t", t)
		return nil
	case int, int32, int64, uint, uint32, uint64:
		fmt.Fprintf(b, "%d", t)
		return nil
	case float64, float32, json.Number:
		return writeJSONScalar(b, t)
	default:
		return fmt.Errorf("hashchain: unsupported value type %T", v)
	}
}

func writeDocument(b *strings.Builder, d *Document, depth int) error {
	if len(d.keys) == 0 {
		b.WriteString("{}")
		return nil
	}
	b.WriteString("{\n")
	inner := strings.Repeat(indentUnit, depth+1)
	for i, key := range d.keys {
		b.WriteString(inner)
		if err := writeJSONScalar(b, key); err != nil {
			return err
		}
		b.WriteString(": ")
		if err := writeValue(b, d.values[key], depth+1); err != nil {
			return err
		}
		if i < len(d.keys)-1 {
			b.WriteString(",")
		}
		b.WriteString("\n")
	}
	b.WriteString(strings.Repeat(indentUnit, depth))
	b.WriteString("}")
	return nil
}

func writeArray(b *strings.Builder, arr []any, depth int) error {
	if len(arr) == 0 {
		b.WriteString("[]")
		return nil
	}
	b.WriteString("[\n")
	inner := strings.Repeat(indentUnit, depth+1)
	for i, elem := range arr {
		b.WriteString(inner)
		if err := writeValue(b, elem, depth+1); err != nil {
			return err
		}
		if i < len(arr)-1 {
			b.WriteString(",")
		}
		b.WriteString("\n")
	}
	b.WriteString(strings.Repeat(indentUnit, depth))
	b.WriteString("]")
	return nil
}

func writeJSONScalar(b *strings.Builder, v any) error {
	encoded, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("hashchain: encode scalar: %w", err)
	}
	b.Write(encoded)
	return nil
}

// HashBytes computes the SHA-256 hex digest of raw bytes.
func HashBytes(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}
