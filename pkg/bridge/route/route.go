package route

import (
	"errors"
	"fmt"
	"regexp"
	"sort"
	"strings"
)

var (
	ErrUnknownTopic   = errors.New("unknown topic")
	ErrMalformedTopic = errors.New("malformed topic")
	ErrInvalidMapping = errors.New("invalid topic table mapping")
)

// RoutingError is returned by Route for topics that cannot be mapped to a table.
type RoutingError struct {
	Topic string
	Key   string
	Err   error
}

func (e *RoutingError) Error() string {
	if e.Key != "" {
		return fmt.Sprintf("route %q (key %q): %v", e.Topic, e.Key, e.Err)
	}
	return fmt.Sprintf("route %q: %v", e.Topic, e.Err)
}

func (e *RoutingError) Unwrap() error { return e.Err }

// Payload formats understood by the decoder.
const (
	FormatCSV  = "csv"
	FormatJSON = "json"
)

// ColumnType is the declared type of a column value.
type ColumnType string

const (
	TypeInt       ColumnType = "int"
	TypeFloat     ColumnType = "float"
	TypeBool      ColumnType = "bool"
	TypeString    ColumnType = "string"
	TypeTimestamp ColumnType = "timestamp"
	TypeJSON      ColumnType = "json"
)

func (t ColumnType) valid() bool {
	switch t {
	case TypeInt, TypeFloat, TypeBool, TypeString, TypeTimestamp, TypeJSON:
		return true
	}
	return false
}

// ColumnSpec declares one payload column of a table.
type ColumnSpec struct {
	Name     string     `mapstructure:"name" json:"name"`
	Type     ColumnType `mapstructure:"type" json:"type"`
	Nullable bool       `mapstructure:"nullable" json:"nullable,omitempty"`
}

// Metadata names optional columns filled from the message envelope rather than the payload.
type Metadata struct {
	Topic      string `mapstructure:"topic" json:"topic,omitempty"`
	QoS        string `mapstructure:"qos" json:"qos,omitempty"`
	ReceivedAt string `mapstructure:"receivedAt" json:"receivedAt,omitempty"`
}

// TableSpec is the configured target of one topic suffix.
type TableSpec struct {
	// Suffix overrides the mapping key. Config loaders may fold keys to lower case.
	Suffix      string       `mapstructure:"suffix" json:"suffix,omitempty"`
	Table       string       `mapstructure:"table" json:"table"`
	Schema      string       `mapstructure:"schema" json:"schema,omitempty"`
	Format      string       `mapstructure:"format" json:"format,omitempty"`
	Columns     []ColumnSpec `mapstructure:"columns" json:"columns"`
	TopicFields []TopicField `mapstructure:"topicFields" json:"topicFields,omitempty"`
	Metadata    Metadata     `mapstructure:"metadata" json:"metadata,omitempty"`
}

// Target is a resolved route.
type Target struct {
	Key         string
	Table       string
	Schema      string
	Format      string
	Columns     []ColumnSpec
	Metadata    Metadata
	topicFields []compiledField
}

// Qualified returns schema.table, or table when no schema is set.
func (t Target) Qualified() string {
	return Qualify(t.Schema, t.Table)
}

// Qualify joins schema and table the way allow-list keys are built.
func Qualify(schema, table string) string {
	if schema == "" {
		return table
	}
	return schema + "." + table
}

var identifierRe = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]{0,62}$`)

// ValidIdentifier reports whether s is acceptable as a table, schema or column name.
func ValidIdentifier(s string) bool {
	return identifierRe.MatchString(s)
}

// AllowList is the fixed set of tables the bridge may write to.
type AllowList map[string]struct{}

func (a AllowList) Allows(schema, table string) bool {
	_, ok := a[Qualify(schema, table)]
	return ok
}

// Tables returns the allowed qualified table names, sorted.
func (a AllowList) Tables() []string {
	tables := make([]string, 0, len(a))
	for t := range a {
		tables = append(tables, t)
	}
	sort.Strings(tables)
	return tables
}

// Router maps topics to targets using a static mapping. It is safe for concurrent use.
type Router struct {
	targets map[string]Target
	allow   AllowList
}

// NewRouter validates the mapping and builds a router and its allow-list.
func NewRouter(mapping map[string]TableSpec) (*Router, error) {
	if len(mapping) == 0 {
		return nil, fmt.Errorf("%w: no routes configured", ErrInvalidMapping)
	}

	r := &Router{
		targets: make(map[string]Target, len(mapping)),
		allow:   make(AllowList, len(mapping)),
	}

	for key, spec := range mapping {
		target, err := compileTarget(key, spec)
		if err != nil {
			return nil, err
		}
		if _, dup := r.targets[target.Key]; dup {
			return nil, fmt.Errorf("%w: duplicate topic suffix %q", ErrInvalidMapping, target.Key)
		}
		r.targets[target.Key] = target
		r.allow[target.Qualified()] = struct{}{}
	}

	return r, nil
}

func compileTarget(key string, spec TableSpec) (Target, error) {
	if spec.Suffix != "" {
		key = spec.Suffix
	}
	if key == "" || strings.ContainsAny(key, "/+#\x00") {
		return Target{}, fmt.Errorf("%w: invalid topic suffix %q", ErrInvalidMapping, key)
	}
	if !ValidIdentifier(spec.Table) {
		return Target{}, fmt.Errorf("%w: suffix %q: invalid table name %q", ErrInvalidMapping, key, spec.Table)
	}
	if spec.Schema != "" && !ValidIdentifier(spec.Schema) {
		return Target{}, fmt.Errorf("%w: suffix %q: invalid schema name %q", ErrInvalidMapping, key, spec.Schema)
	}

	format := strings.ToLower(spec.Format)
	switch format {
	case "":
		format = FormatCSV
	case FormatCSV, FormatJSON:
	default:
		return Target{}, fmt.Errorf("%w: suffix %q: unsupported payload format %q", ErrInvalidMapping, key, spec.Format)
	}

	if len(spec.Columns) == 0 {
		return Target{}, fmt.Errorf("%w: suffix %q: no columns", ErrInvalidMapping, key)
	}

	seen := make(map[string]bool)
	claim := func(name string) error {
		if !ValidIdentifier(name) {
			return fmt.Errorf("%w: suffix %q: invalid column name %q", ErrInvalidMapping, key, name)
		}
		if seen[name] {
			return fmt.Errorf("%w: suffix %q: duplicate column %q", ErrInvalidMapping, key, name)
		}
		seen[name] = true
		return nil
	}

	columns := make([]ColumnSpec, len(spec.Columns))
	for i, c := range spec.Columns {
		if err := claim(c.Name); err != nil {
			return Target{}, err
		}
		c.Type = ColumnType(strings.ToLower(string(c.Type)))
		if c.Type == "" {
			c.Type = TypeString
		}
		if !c.Type.valid() {
			return Target{}, fmt.Errorf("%w: suffix %q: column %q has unknown type %q", ErrInvalidMapping, key, c.Name, c.Type)
		}
		columns[i] = c
	}

	fields := make([]compiledField, len(spec.TopicFields))
	for i, f := range spec.TopicFields {
		if err := claim(f.Field); err != nil {
			return Target{}, err
		}
		cf, err := compileField(f)
		if err != nil {
			return Target{}, fmt.Errorf("%w: suffix %q: %v", ErrInvalidMapping, key, err)
		}
		fields[i] = cf
	}

	for _, name := range []string{spec.Metadata.Topic, spec.Metadata.QoS, spec.Metadata.ReceivedAt} {
		if name == "" {
			continue
		}
		if err := claim(name); err != nil {
			return Target{}, err
		}
	}

	return Target{
		Key:         key,
		Table:       spec.Table,
		Schema:      spec.Schema,
		Format:      format,
		Columns:     columns,
		Metadata:    spec.Metadata,
		topicFields: fields,
	}, nil
}

// Route resolves topic to its configured target.
func (r *Router) Route(topic string) (Target, error) {
	key, err := TopicKey(topic)
	if err != nil {
		return Target{}, &RoutingError{Topic: topic, Err: err}
	}
	target, ok := r.targets[key]
	if !ok {
		return Target{}, &RoutingError{Topic: topic, Key: key, Err: ErrUnknownTopic}
	}
	return target, nil
}

// AllowList returns the tables this router can route to.
func (r *Router) AllowList() AllowList {
	return r.allow
}

// TopicKey returns the segment after the last separator of a well-formed topic.
func TopicKey(topic string) (string, error) {
	if topic == "" {
		return "", fmt.Errorf("%w: empty topic", ErrMalformedTopic)
	}
	if strings.ContainsAny(topic, "+#\x00") {
		return "", fmt.Errorf("%w: wildcard or NUL in topic name", ErrMalformedTopic)
	}
	key := topic[strings.LastIndexByte(topic, '/')+1:]
	if key == "" {
		return "", fmt.Errorf("%w: empty last segment", ErrMalformedTopic)
	}
	return key, nil
}
