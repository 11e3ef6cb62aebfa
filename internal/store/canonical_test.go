package store

import (
	"math"
	"strings"
	"testing"
)

func TestCanonicalJSON_KeyOrder(t *testing.T) {
	a := map[string]interface{}{"b": 1, "a": 2, "c": map[string]interface{}{"z": true, "y": false}}
	b := map[string]interface{}{"c": map[string]interface{}{"y": false, "z": true}, "a": 2, "b": 1}

	ca, err := CanonicalJSON(a)
	if err != nil {
		t.Fatalf("CanonicalJSON: %v", err)
	}
	cb, err := CanonicalJSON(b)
	if err != nil {
		t.Fatalf("CanonicalJSON: %v", err)
	}

	if string(ca) != string(cb) {
		t.Errorf("canonical forms differ:\n%s\n%s", ca, cb)
	}
	if want := `{"a":2,"b":1,"c":{"y":false,"z":true}}`; string(ca) != want {
		t.Errorf("expected %s, got %s", want, ca)
	}
}

func TestCanonicalJSON_NumberNormalization(t *testing.T) {
	// 1, 1.0 and 1e0 must all canonicalize identically.
	forms := []interface{}{
		map[string]interface{}{"n": 1},
		map[string]interface{}{"n": 1.0},
		map[string]interface{}{"n": float32(1)},
	}

	var first string
	for i, form := range forms {
		c, err := CanonicalJSON(form)
		if err != nil {
			t.Fatalf("CanonicalJSON form %d: %v", i, err)
		}
		if i == 0 {
			first = string(c)
			continue
		}
		if string(c) != first {
			t.Errorf("form %d canonicalized to %s, expected %s", i, c, first)
		}
	}

	if first != `{"n":1}` {
		t.Errorf("expected {\"n\":1}, got %s", first)
	}
}

func TestCanonicalJSON_RejectsNonFinite(t *testing.T) {
	_, err := CanonicalJSON(map[string]interface{}{"n": math.NaN()})
	if err == nil {
		t.Fatal("expected error for NaN")
	}
}

func TestDigest_EqualUpToKeyOrder(t *testing.T) {
	d1, err := Digest(map[string]interface{}{"shape": []interface{}{10, 20}, "dtype": "float64"})
	if err != nil {
		t.Fatalf("Digest: %v", err)
	}
	d2, err := Digest(map[string]interface{}{"dtype": "float64", "shape": []interface{}{10, 20}})
	if err != nil {
		t.Fatalf("Digest: %v", err)
	}

	if d1 != d2 {
		t.Errorf("digests differ: %s vs %s", d1, d2)
	}
	if !strings.HasPrefix(d1, DigestPrefix) {
		t.Errorf("digest %s missing prefix %s", d1, DigestPrefix)
	}
}

func TestDigest_DifferentBodies(t *testing.T) {
	d1, _ := Digest(map[string]interface{}{"dtype": "float64"})
	d2, _ := Digest(map[string]interface{}{"dtype": "int64"})
	if d1 == d2 {
		t.Error("different bodies produced equal digests")
	}
}
