package query

import (
	"bytes"
	"regexp"

	"github.com/hashicorp/go-msgpack/codec"
	"github.com/pkg/errors"
)

// FilterType tags the kind of query filter encoded in a QueryMessage.Filters
// entry, per spec §4.9 ("NodeFilter, TagFilter, etc.").
type FilterType uint8

const (
	FilterNode FilterType = iota
	FilterTag
)

var filterHandle = &codec.MsgpackHandle{}

type nodeFilter struct {
	Nodes []string
}

type tagFilter struct {
	Tag  string
	Expr string
}

// EncodeFilter serializes a filter body with its leading FilterType byte.
func EncodeFilter(t FilterType, v interface{}) ([]byte, error) {
	buf := bytes.NewBuffer(nil)
	buf.WriteByte(uint8(t))
	enc := codec.NewEncoder(buf, filterHandle)
	if err := enc.Encode(v); err != nil {
		return nil, errors.Wrap(err, "query: encode filter")
	}
	return buf.Bytes(), nil
}

// NewNodeFilter builds a filter that only matches one of the named nodes.
func NewNodeFilter(nodes []string) ([]byte, error) {
	return EncodeFilter(FilterNode, &nodeFilter{Nodes: nodes})
}

// NewTagFilter builds a filter that matches when tag's value satisfies expr.
func NewTagFilter(tag, expr string) ([]byte, error) {
	return EncodeFilter(FilterTag, &tagFilter{Tag: tag, Expr: expr})
}

// EvaluateFilters reports whether (name, tags) passes every filter (AND
// semantics); a malformed filter rejects rather than silently passing.
func EvaluateFilters(filters [][]byte, name string, tags map[string]string) bool {
	for _, raw := range filters {
		if !evaluateOne(raw, name, tags) {
			return false
		}
	}
	return true
}

func evaluateOne(raw []byte, name string, tags map[string]string) bool {
	if len(raw) < 1 {
		return false
	}
	t := FilterType(raw[0])
	dec := codec.NewDecoder(bytes.NewReader(raw[1:]), filterHandle)

	switch t {
	case FilterNode:
		var f nodeFilter
		if err := dec.Decode(&f); err != nil {
			return false
		}
		for _, n := range f.Nodes {
			if n == name {
				return true
			}
		}
		return false
	case FilterTag:
		var f tagFilter
		if err := dec.Decode(&f); err != nil {
			return false
		}
		re, err := regexp.Compile(f.Expr)
		if err != nil {
			return false
		}
		val, ok := tags[f.Tag]
		return ok && re.MatchString(val)
	default:
		return false
	}
}
