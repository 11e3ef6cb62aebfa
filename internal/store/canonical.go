// Package store provides database operations for the catalog.
//
// This file implements canonical JSON encoding and content-addressed
// digests. The digest is a pure function of bytes: two structure bodies
// that are JSON-equal up to key order and whitespace produce identical
// digests, across processes and restarts.
package store

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"strconv"

	cerr "github.com/bluesky/tiled/internal/errors"
)

// DigestPrefix identifies the digest algorithm in stored identifiers.
const DigestPrefix = "sha256-"

// CanonicalJSON encodes v as canonical JSON: object keys sorted, no
// insignificant whitespace, and fixed numeric formatting (integral values
// without fraction or exponent, minimal form otherwise). NaN and infinities
// are rejected.
func CanonicalJSON(v interface{}) ([]byte, error) {
	// Round-trip through encoding/json first so struct values, json.Number
	// and typed maps all collapse to the same generic tree.
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("%v: %w", err, cerr.ErrInvalidStructure)
	}

	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()

	var tree interface{}
	if err := dec.Decode(&tree); err != nil {
		return nil, fmt.Errorf("%v: %w", err, cerr.ErrInvalidStructure)
	}

	var buf bytes.Buffer
	if err := writeCanonical(&buf, tree); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// Digest returns the content address of a structure body: the hex sha256 of
// its canonical JSON form, prefixed with the algorithm name.
func Digest(v interface{}) (string, error) {
	canonical, err := CanonicalJSON(v)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(canonical)
	return DigestPrefix + hex.EncodeToString(sum[:]), nil
}

func writeCanonical(buf *bytes.Buffer, v interface{}) error {
	switch val := v.(type) {
	case nil:
		buf.WriteString("null")

	case bool:
		if val {
			buf.WriteString("true")
		} else {
			buf.WriteString("false")
		}

	case string:
		escaped, err := json.Marshal(val)
		if err != nil {
			return fmt.Errorf("%v: %w", err, cerr.ErrInvalidStructure)
		}
		buf.Write(escaped)

	case json.Number:
		return writeCanonicalNumber(buf, val)

	case []interface{}:
		buf.WriteByte('[')
		for i, elem := range val {
			if i > 0 {
				buf.WriteByte(',')
			}
			if err := writeCanonical(buf, elem); err != nil {
				return err
			}
		}
		buf.WriteByte(']')

	case map[string]interface{}:
		keys := make([]string, 0, len(val))
		for k := range val {
			keys = append(keys, k)
		}
		sort.Strings(keys)

		buf.WriteByte('{')
		for i, k := range keys {
			if i > 0 {
				buf.WriteByte(',')
			}
			escaped, err := json.Marshal(k)
			if err != nil {
				return fmt.Errorf("%v: %w", err, cerr.ErrInvalidStructure)
			}
			buf.Write(escaped)
			buf.WriteByte(':')
			if err := writeCanonical(buf, val[k]); err != nil {
				return err
			}
		}
		buf.WriteByte('}')

	default:
		return fmt.Errorf("unsupported value %T: %w", v, cerr.ErrInvalidStructure)
	}
	return nil
}

// writeCanonicalNumber normalizes numeric representations: 1, 1.0 and 1e0
// all encode as "1"; non-integral values use the shortest round-trippable
// decimal form.
func writeCanonicalNumber(buf *bytes.Buffer, n json.Number) error {
	if i, err := n.Int64(); err == nil {
		buf.WriteString(strconv.FormatInt(i, 10))
		return nil
	}

	f, err := n.Float64()
	if err != nil {
		return fmt.Errorf("number %q: %w", n.String(), cerr.ErrInvalidStructure)
	}
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return fmt.Errorf("number %q is not finite: %w", n.String(), cerr.ErrInvalidStructure)
	}

	if f == math.Trunc(f) && math.Abs(f) < 1<<53 {
		buf.WriteString(strconv.FormatInt(int64(f), 10))
		return nil
	}

	buf.WriteString(strconv.FormatFloat(f, 'g', -1, 64))
	return nil
}
