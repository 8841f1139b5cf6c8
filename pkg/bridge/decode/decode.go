package decode

import (
	"bytes"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/edgeflare/mqtt2pg/pkg/bridge/message"
	"github.com/edgeflare/mqtt2pg/pkg/bridge/route"
	json "github.com/goccy/go-json"
)

var ErrMalformedPayload = errors.New("malformed payload")

// DecodeError describes why a payload does not fit its table's column schema.
type DecodeError struct {
	Topic  string
	Table  string
	Column string
	Err    error
}

func (e *DecodeError) Error() string {
	if e.Column != "" {
		return fmt.Sprintf("decode %q into %s.%s: %v", e.Topic, e.Table, e.Column, e.Err)
	}
	return fmt.Sprintf("decode %q into %s: %v", e.Topic, e.Table, e.Err)
}

func (e *DecodeError) Unwrap() error { return e.Err }

// Decode turns an inbound message into a record for target.
// Payload columns come first, then topic fields, then metadata columns.
func Decode(msg message.Inbound, target route.Target) (message.Record, error) {
	fail := func(column string, format string, args ...any) (message.Record, error) {
		return message.Record{}, &DecodeError{
			Topic:  msg.Topic,
			Table:  target.Qualified(),
			Column: column,
			Err:    fmt.Errorf("%w: "+format, append([]any{ErrMalformedPayload}, args...)...),
		}
	}

	var (
		columns []message.Column
		column  string
		err     error
	)
	switch target.Format {
	case route.FormatJSON:
		columns, column, err = decodeJSON(msg.Payload, target.Columns)
	default:
		columns, column, err = decodeCSV(msg.Payload, target.Columns)
	}
	if err != nil {
		return fail(column, "%v", err)
	}

	topicValues, err := target.TopicValues(msg.Topic)
	if err != nil {
		return fail("", "%w", err)
	}
	for _, tv := range topicValues {
		v, err := FromText(tv.Raw, route.ColumnSpec{Name: tv.Field, Type: tv.Type})
		if err != nil {
			return fail(tv.Field, "%v", err)
		}
		columns = append(columns, message.Column{Name: tv.Field, Value: v})
	}

	if name := target.Metadata.Topic; name != "" {
		columns = append(columns, message.Column{Name: name, Value: msg.Topic})
	}
	if name := target.Metadata.QoS; name != "" {
		columns = append(columns, message.Column{Name: name, Value: int64(msg.QoS)})
	}
	if name := target.Metadata.ReceivedAt; name != "" {
		columns = append(columns, message.Column{Name: name, Value: msg.ReceivedAt.UTC()})
	}

	return message.Record{
		Table:   target.Table,
		Schema:  target.Schema,
		Columns: columns,
		Origin:  msg,
	}, nil
}

func decodeCSV(payload []byte, specs []route.ColumnSpec) ([]message.Column, string, error) {
	r := csv.NewReader(bytes.NewReader(quoteSQLStrings(payload)))
	r.TrimLeadingSpace = true
	r.LazyQuotes = true
	r.FieldsPerRecord = -1

	fields, err := r.Read()
	if err == io.EOF {
		fields = []string{""}
	} else if err != nil {
		return nil, "", fmt.Errorf("csv: %v", err)
	}
	if _, err := r.Read(); err != io.EOF {
		return nil, "", fmt.Errorf("expected a single line of values")
	}

	if len(fields) != len(specs) {
		return nil, "", fmt.Errorf("got %d fields, table has %d columns", len(fields), len(specs))
	}

	columns := make([]message.Column, len(specs))
	for i, spec := range specs {
		raw := strings.TrimSpace(fields[i])
		if spec.Type == route.TypeString {
			raw = unquote(raw)
		}
		v, err := FromText(raw, spec)
		if err != nil {
			return nil, spec.Name, err
		}
		columns[i] = message.Column{Name: spec.Name, Value: v}
	}
	return columns, "", nil
}

// unquote strips SQL-style single quotes from payloads written as the
// body of a VALUES (...) list.
func unquote(s string) string {
	if len(s) >= 2 && s[0] == '\'' && s[len(s)-1] == '\'' {
		return strings.ReplaceAll(s[1:len(s)-1], "''", "'")
	}
	return s
}

// quoteSQLStrings wraps each single-quoted field in CSV double quotes so
// commas inside it do not split the field. The single quotes are kept for
// unquote.
func quoteSQLStrings(p []byte) []byte {
	if bytes.IndexByte(p, '\'') < 0 {
		return p
	}
	out := make([]byte, 0, len(p)+8)
	fieldStart := true
	for i := 0; i < len(p); i++ {
		ch := p[i]
		if fieldStart && (ch == ' ' || ch == '\t') {
			out = append(out, ch)
			continue
		}
		if fieldStart && (ch == '\'' || ch == '"') {
			end := closingQuote(p, i)
			if end < 0 {
				return append(out, p[i:]...)
			}
			if ch == '"' {
				out = append(out, p[i:end+1]...)
			} else {
				out = append(out, '"')
				out = append(out, bytes.ReplaceAll(p[i:end+1], []byte(`"`), []byte(`""`))...)
				out = append(out, '"')
			}
			for end+1 < len(p) && (p[end+1] == ' ' || p[end+1] == '\t') {
				end++
			}
			i = end
			fieldStart = false
			continue
		}
		out = append(out, ch)
		fieldStart = ch == ',' || ch == '\n'
	}
	return out
}

// closingQuote returns the index of the quote that ends the field opened at
// p[start], treating a doubled quote as an escape, or -1.
func closingQuote(p []byte, start int) int {
	q := p[start]
	for j := start + 1; j < len(p); j++ {
		if p[j] != q {
			continue
		}
		if j+1 < len(p) && p[j+1] == q {
			j++
			continue
		}
		return j
	}
	return -1
}

func decodeJSON(payload []byte, specs []route.ColumnSpec) ([]message.Column, string, error) {
	trimmed := bytes.TrimSpace(payload)
	if len(trimmed) == 0 {
		return nil, "", fmt.Errorf("empty json payload")
	}

	raws := make([]json.RawMessage, len(specs))
	switch trimmed[0] {
	case '{':
		var obj map[string]json.RawMessage
		if err := json.Unmarshal(trimmed, &obj); err != nil {
			return nil, "", fmt.Errorf("json: %v", err)
		}
		if len(obj) > len(specs) {
			return nil, "", fmt.Errorf("got %d fields, table has %d columns", len(obj), len(specs))
		}
		for i, spec := range specs {
			raw, ok := obj[spec.Name]
			if !ok && !spec.Nullable {
				return nil, spec.Name, fmt.Errorf("missing field")
			}
			raws[i] = raw
		}
		if len(obj) > countPresent(raws) {
			return nil, "", fmt.Errorf("unexpected fields in object")
		}
	case '[':
		var arr []json.RawMessage
		if err := json.Unmarshal(trimmed, &arr); err != nil {
			return nil, "", fmt.Errorf("json: %v", err)
		}
		if len(arr) != len(specs) {
			return nil, "", fmt.Errorf("got %d fields, table has %d columns", len(arr), len(specs))
		}
		copy(raws, arr)
	default:
		return nil, "", fmt.Errorf("json payload must be an object or an array")
	}

	columns := make([]message.Column, len(specs))
	for i, spec := range specs {
		v, err := FromJSON(raws[i], spec)
		if err != nil {
			return nil, spec.Name, err
		}
		columns[i] = message.Column{Name: spec.Name, Value: v}
	}
	return columns, "", nil
}

func countPresent(raws []json.RawMessage) int {
	n := 0
	for _, r := range raws {
		if r != nil {
			n++
		}
	}
	return n
}

// FromText converts a textual field to the Go value bound for spec's type.
func FromText(raw string, spec route.ColumnSpec) (any, error) {
	if raw == "" || strings.EqualFold(raw, "null") {
		if spec.Nullable {
			return nil, nil
		}
		if spec.Type != route.TypeString || raw == "" {
			return nil, fmt.Errorf("value required")
		}
	}

	switch spec.Type {
	case route.TypeInt:
		v, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("not an integer: %q", raw)
		}
		return v, nil
	case route.TypeFloat:
		v, err := strconv.ParseFloat(raw, 64)
		if err != nil || math.IsNaN(v) || math.IsInf(v, 0) {
			return nil, fmt.Errorf("not a finite number: %q", raw)
		}
		return v, nil
	case route.TypeBool:
		v, err := strconv.ParseBool(raw)
		if err != nil {
			return nil, fmt.Errorf("not a boolean: %q", raw)
		}
		return v, nil
	case route.TypeTimestamp:
		return parseTimestamp(raw)
	case route.TypeJSON:
		if !json.Valid([]byte(raw)) {
			return nil, fmt.Errorf("not valid json")
		}
		return raw, nil
	default:
		return raw, nil
	}
}

// FromJSON converts a JSON field to the Go value bound for spec's type.
func FromJSON(raw json.RawMessage, spec route.ColumnSpec) (any, error) {
	if raw == nil || string(raw) == "null" {
		if spec.Nullable {
			return nil, nil
		}
		return nil, fmt.Errorf("value required")
	}

	switch spec.Type {
	case route.TypeInt:
		var n json.Number
		if err := json.Unmarshal(raw, &n); err != nil || raw[0] == '"' {
			return nil, fmt.Errorf("not an integer: %s", raw)
		}
		v, err := n.Int64()
		if err != nil {
			return nil, fmt.Errorf("not an integer: %s", raw)
		}
		return v, nil
	case route.TypeFloat:
		var v float64
		if err := json.Unmarshal(raw, &v); err != nil {
			return nil, fmt.Errorf("not a number: %s", raw)
		}
		return v, nil
	case route.TypeBool:
		var v bool
		if err := json.Unmarshal(raw, &v); err != nil {
			return nil, fmt.Errorf("not a boolean: %s", raw)
		}
		return v, nil
	case route.TypeString:
		var v string
		if err := json.Unmarshal(raw, &v); err != nil {
			return nil, fmt.Errorf("not a string: %s", raw)
		}
		return v, nil
	case route.TypeTimestamp:
		var s string
		if err := json.Unmarshal(raw, &s); err == nil {
			return parseTimestamp(s)
		}
		return parseTimestamp(string(raw))
	case route.TypeJSON:
		var buf bytes.Buffer
		if err := json.Compact(&buf, raw); err != nil {
			return nil, fmt.Errorf("not valid json: %v", err)
		}
		return buf.String(), nil
	}
	return nil, fmt.Errorf("unsupported column type %q", spec.Type)
}

func parseTimestamp(raw string) (time.Time, error) {
	if t, err := time.Parse(time.RFC3339Nano, raw); err == nil {
		return t.UTC(), nil
	}
	if secs, err := strconv.ParseInt(raw, 10, 64); err == nil {
		return time.Unix(secs, 0).UTC(), nil
	}
	if f, err := strconv.ParseFloat(raw, 64); err == nil && !math.IsNaN(f) && !math.IsInf(f, 0) {
		sec, frac := math.Modf(f)
		return time.Unix(int64(sec), int64(frac*1e9)).UTC(), nil
	}
	return time.Time{}, fmt.Errorf("not a timestamp: %q", raw)
}
