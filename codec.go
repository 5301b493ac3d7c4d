package auditlog

import (
	"bufio"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"strconv"
	"strings"

	"google.golang.org/protobuf/types/known/structpb"
)

// HeaderHMACColumn and HeaderSignatureColumn are the two trailing column
// names of every secured log. They are part of the on-disk format:
// changing them breaks existing logs, so they are literal constants, not
// configuration.
const (
	HeaderHMACColumn      = "HMAC"
	HeaderSignatureColumn = "SIGNATURE"
)

// RowCodec canonicalizes an Event into the schema-fixed ordered cell
// list and reads/writes text rows under a fixed quoting discipline, so a
// verifier can reproduce a writer's bytes exactly.
type RowCodec struct{ schema Schema }

// NewRowCodec binds a codec to one topic's schema.
func NewRowCodec(schema Schema) *RowCodec { return &RowCodec{schema: schema} }

// Header returns the schema fields in declared order, followed by the two
// fixed trailing columns.
func (c *RowCodec) Header() []string {
	out := make([]string, 0, len(c.schema.Fields)+2)
	out = append(out, c.schema.Fields...)
	out = append(out, HeaderHMACColumn, HeaderSignatureColumn)
	return out
}

// Cells renders ev's schema fields into ordered text cells. Fields
// absent from the event render as empty cells; nested arrays/objects
// render as deterministic JSON text.
func (c *RowCodec) Cells(ev Event) []string {
	cells := make([]string, len(c.schema.Fields))
	for i, field := range c.schema.Fields {
		v, ok := ev.Get(field)
		if !ok {
			cells[i] = ""
			continue
		}
		cells[i] = renderValue(v)
	}
	return cells
}

// renderValue implements the Row Codec's null/bool/number/string/
// array/object rendering rule.
func renderValue(v *structpb.Value) string {
	switch kind := v.GetKind().(type) {
	case *structpb.Value_NullValue, nil:
		return ""
	case *structpb.Value_BoolValue:
		return strconv.FormatBool(kind.BoolValue)
	case *structpb.Value_NumberValue:
		return strconv.FormatFloat(kind.NumberValue, 'g', -1, 64)
	case *structpb.Value_StringValue:
		return kind.StringValue
	case *structpb.Value_ListValue, *structpb.Value_StructValue:
		return canonicalJSON(v.AsInterface())
	default:
		return ""
	}
}

// canonicalJSON renders a nested Go value (as produced by
// structpb.Value.AsInterface) as deterministic JSON text: map keys are
// sorted so two equal trees always serialize identically, which the
// verifier's byte-for-byte replay depends on.
func canonicalJSON(v any) string {
	switch t := v.(type) {
	case map[string]any:
		keys := make([]string, 0, len(t))
		for k := range t {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		var b strings.Builder
		b.WriteByte('{')
		for i, k := range keys {
			if i > 0 {
				b.WriteByte(',')
			}
			kb, _ := json.Marshal(k)
			b.Write(kb)
			b.WriteByte(':')
			b.WriteString(canonicalJSON(t[k]))
		}
		b.WriteByte('}')
		return b.String()
	case []any:
		var b strings.Builder
		b.WriteByte('[')
		for i, e := range t {
			if i > 0 {
				b.WriteByte(',')
			}
			b.WriteString(canonicalJSON(e))
		}
		b.WriteByte(']')
		return b.String()
	default:
		b, _ := json.Marshal(t)
		return string(b)
	}
}

// WriteRow writes cells with every cell quoted, embedded quotes doubled,
// cells comma-separated, and the row terminated by a bare '\n'. Not
// encoding/csv.Writer: that only quotes fields that need it, which would
// break the verifier's byte-exact replay.
func WriteRow(w io.Writer, cells []string) error {
	var b strings.Builder
	for i, cell := range cells {
		if i > 0 {
			b.WriteByte(',')
		}
		b.WriteByte('"')
		b.WriteString(strings.ReplaceAll(cell, `"`, `""`))
		b.WriteByte('"')
	}
	b.WriteByte('\n')
	_, err := io.WriteString(w, b.String())
	if err != nil {
		return newErr(CodeIO, "WriteRow", err)
	}
	return nil
}

// rowReader reads bit-exact rows back. encoding/csv.Reader correctly
// parses this format (always-quoted is a writer-side discipline; the
// standard CSV grammar reads it with no special casing), so we reuse it
// here rather than hand-rolling a parser too.
type rowReader struct {
	r *csv.Reader
}

func newRowReader(r io.Reader) *rowReader {
	cr := csv.NewReader(bufio.NewReader(r))
	cr.FieldsPerRecord = -1
	return &rowReader{r: cr}
}

// ReadRow returns the next row's cells, or io.EOF when the file ends.
func (rr *rowReader) ReadRow() ([]string, error) {
	rec, err := rr.r.Read()
	if err != nil {
		if err == io.EOF {
			return nil, io.EOF
		}
		return nil, newErr(CodeIO, "rowReader.ReadRow", err)
	}
	return rec, nil
}

// validateHeader checks that the last two header columns are literally
// HMAC and SIGNATURE; any other header is not a secured log.
func validateHeader(header []string) error {
	if len(header) < 2 {
		return newErr(CodeCrypto, "validateHeader", fmt.Errorf("header too short"))
	}
	last2 := header[len(header)-2:]
	if last2[0] != HeaderHMACColumn || last2[1] != HeaderSignatureColumn {
		return newErr(CodeCrypto, "validateHeader", fmt.Errorf("expected trailing columns %s,%s, got %s,%s",
			HeaderHMACColumn, HeaderSignatureColumn, last2[0], last2[1]))
	}
	return nil
}
