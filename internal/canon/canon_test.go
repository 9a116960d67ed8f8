package canon_test

import (
	"bytes"
	"testing"

	"github.com/sovereign-ledger/sovereign/internal/canon"
)

func TestMarshal_sortedKeys(t *testing.T) {
	got, err := canon.Marshal(map[string]any{"b": 2, "a": 1, "c": 3})
	if err != nil {
		t.Fatal(err)
	}
	want := `{"a":1,"b":2,"c":3}`
	if string(got) != want {
		t.Errorf("got %s, want %s", got, want)
	}
}

func TestMarshal_deterministicAcrossRuns(t *testing.T) {
	payload := map[string]any{
		"outer": map[string]any{"z": []any{1, 2, 3}, "a": "x"},
		"n":     42,
		"f":     1.5,
	}
	first, err := canon.Marshal(payload)
	if err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 50; i++ {
		again, err := canon.Marshal(payload)
		if err != nil {
			t.Fatal(err)
		}
		if !bytes.Equal(first, again) {
			t.Fatalf("iteration %d: got %s, want %s", i, again, first)
		}
	}
}

func TestMarshal_numericNormalization(t *testing.T) {
	asInt, err := canon.Marshal(map[string]any{"x": int64(7)})
	if err != nil {
		t.Fatal(err)
	}
	asFloat, err := canon.Marshal(map[string]any{"x": float64(7)})
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(asInt, asFloat) {
		t.Errorf("int and float encodings differ: %s vs %s", asInt, asFloat)
	}
}

func TestMarshal_structCollapsesToObject(t *testing.T) {
	type payload struct {
		B int    `json:"b"`
		A string `json:"a"`
	}
	fromStruct, err := canon.Marshal(payload{B: 1, A: "x"})
	if err != nil {
		t.Fatal(err)
	}
	fromMap, err := canon.Marshal(map[string]any{"a": "x", "b": 1})
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(fromStruct, fromMap) {
		t.Errorf("struct and map encodings differ: %s vs %s", fromStruct, fromMap)
	}
}

func TestMarshal_noHTMLEscaping(t *testing.T) {
	got, err := canon.Marshal(map[string]any{"url": "https://a.example/v1?x=1&y=2"})
	if err != nil {
		t.Fatal(err)
	}
	if bytes.Contains(got, []byte(`&`)) {
		t.Errorf("ampersand was HTML-escaped: %s", got)
	}
}

func TestSortedKeys(t *testing.T) {
	keys := canon.SortedKeys(map[string]any{"c": 1, "a": 2, "b": 3})
	want := []string{"a", "b", "c"}
	for i, k := range want {
		if keys[i] != k {
			t.Fatalf("got %v, want %v", keys, want)
		}
	}
}
