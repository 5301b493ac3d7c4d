package auditlog

import (
	"strings"
	"testing"
)

func TestRowCodecCells(t *testing.T) {
	schema := Schema{Topic: "orders", Fields: []string{"_id", "amount", "paid", "note", "tags"}}
	codec := NewRowCodec(schema)

	ev, err := NewEvent(map[string]any{
		"_id":    "abc",
		"amount": 12.5,
		"paid":   true,
		"tags":   []any{"a", "b"},
	})
	if err != nil {
		t.Fatalf("NewEvent: %v", err)
	}

	cells := codec.Cells(ev)
	want := []string{"abc", "12.5", "true", "", `["a","b"]`}
	for i, w := range want {
		if cells[i] != w {
			t.Errorf("cell %d: got %q want %q", i, cells[i], w)
		}
	}
}

func TestRowCodecHeader(t *testing.T) {
	schema := Schema{Topic: "t", Fields: []string{"_id", "timestamp"}}
	codec := NewRowCodec(schema)
	header := codec.Header()
	want := []string{"_id", "timestamp", "HMAC", "SIGNATURE"}
	if len(header) != len(want) {
		t.Fatalf("header length: got %d want %d", len(header), len(want))
	}
	for i := range want {
		if header[i] != want[i] {
			t.Errorf("header[%d]: got %q want %q", i, header[i], want[i])
		}
	}
}

func TestCanonicalJSONSortsKeys(t *testing.T) {
	a := canonicalJSON(map[string]any{"b": 1.0, "a": 2.0})
	b := canonicalJSON(map[string]any{"a": 2.0, "b": 1.0})
	if a != b {
		t.Fatalf("canonicalJSON not order-independent: %q vs %q", a, b)
	}
	if a != `{"a":2,"b":1}` {
		t.Fatalf("unexpected canonical form: %q", a)
	}
}

func TestWriteRowQuotesEveryCell(t *testing.T) {
	var b strings.Builder
	if err := WriteRow(&b, []string{"plain", `has "quotes"`, ""}); err != nil {
		t.Fatalf("WriteRow: %v", err)
	}
	want := "\"plain\",\"has \"\"quotes\"\"\",\"\"\n"
	if b.String() != want {
		t.Fatalf("got %q want %q", b.String(), want)
	}
}

func TestRowRoundTrip(t *testing.T) {
	var b strings.Builder
	cells := []string{"a", "b,c", `d"e`, ""}
	if err := WriteRow(&b, cells); err != nil {
		t.Fatalf("WriteRow: %v", err)
	}

	rr := newRowReader(strings.NewReader(b.String()))
	got, err := rr.ReadRow()
	if err != nil {
		t.Fatalf("ReadRow: %v", err)
	}
	for i := range cells {
		if got[i] != cells[i] {
			t.Errorf("cell %d: got %q want %q", i, got[i], cells[i])
		}
	}
}

func TestValidateHeaderRejectsWrongTrailingColumns(t *testing.T) {
	if err := validateHeader([]string{"_id", "foo", "bar"}); err == nil {
		t.Fatalf("expected rejection of non-HMAC/SIGNATURE trailing columns")
	}
	if err := validateHeader([]string{"_id", "HMAC", "SIGNATURE"}); err != nil {
		t.Fatalf("valid header rejected: %v", err)
	}
}
