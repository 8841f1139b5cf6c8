package route

import (
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

var ErrTopicField = errors.New("topic field not present")

// TopicField fills a column from the topic instead of the payload.
// Static wins over Index, and Index over Pattern.
type TopicField struct {
	Field   string     `mapstructure:"field" json:"field"`
	Index   string     `mapstructure:"index" json:"index,omitempty"` // "0", "1", "-1", etc.
	Pattern string     `mapstructure:"pattern" json:"pattern,omitempty"`
	Static  string     `mapstructure:"static" json:"static,omitempty"`
	Type    ColumnType `mapstructure:"type" json:"type,omitempty"`
}

// TopicValue is the raw text extracted for a topic field.
type TopicValue struct {
	Field string
	Type  ColumnType
	Raw   string
}

type compiledField struct {
	TopicField
	index   int
	pattern *regexp.Regexp
}

func compileField(f TopicField) (compiledField, error) {
	cf := compiledField{TopicField: f}
	cf.Type = ColumnType(strings.ToLower(string(f.Type)))
	if cf.Type == "" {
		cf.Type = TypeString
	}
	if !cf.Type.valid() {
		return cf, fmt.Errorf("topic field %q has unknown type %q", f.Field, f.Type)
	}

	switch {
	case f.Static != "":
	case f.Index != "":
		idx, err := strconv.Atoi(f.Index)
		if err != nil {
			return cf, fmt.Errorf("topic field %q: invalid index %q", f.Field, f.Index)
		}
		cf.index = idx
	case f.Pattern != "":
		re, err := regexp.Compile(f.Pattern)
		if err != nil {
			return cf, fmt.Errorf("topic field %q: invalid pattern: %v", f.Field, err)
		}
		if re.NumSubexp() < 1 {
			return cf, fmt.Errorf("topic field %q: pattern needs a capture group", f.Field)
		}
		cf.pattern = re
	default:
		return cf, fmt.Errorf("topic field %q: one of index, pattern or static is required", f.Field)
	}
	return cf, nil
}

func (f compiledField) extract(topic string, segments []string) (string, bool) {
	switch {
	case f.Static != "":
		return f.Static, true
	case f.Index != "":
		idx := f.index
		if idx < 0 {
			idx = len(segments) + idx // negative indices count from the end
		}
		if idx >= 0 && idx < len(segments) && segments[idx] != "" {
			return segments[idx], true
		}
	case f.pattern != nil:
		if matches := f.pattern.FindStringSubmatch(topic); len(matches) > 1 && matches[1] != "" {
			return matches[1], true
		}
	}
	return "", false
}

// TopicValues extracts the configured topic fields from topic, in configuration order.
func (t Target) TopicValues(topic string) ([]TopicValue, error) {
	if len(t.topicFields) == 0 {
		return nil, nil
	}
	segments := strings.Split(strings.Trim(topic, "/"), "/")
	values := make([]TopicValue, 0, len(t.topicFields))
	for _, f := range t.topicFields {
		raw, ok := f.extract(topic, segments)
		if !ok {
			return nil, fmt.Errorf("%w: %q", ErrTopicField, f.Field)
		}
		values = append(values, TopicValue{Field: f.Field, Type: f.Type, Raw: raw})
	}
	return values, nil
}
