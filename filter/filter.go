// Package filter evaluates the visibility expressions attached to stores.
// An expression is a JMESPath query run over a product's metadata; the
// product is visible when the result is truthy:
//
//	platform == 'Sentinel-1' && size < `1000`
//	(mission == 'S2A' || mission == 'S2B') && !(cloud_cover > `30`)
//	starts_with(name, 'S1A') && contains(name, 'GRDH')
//
// Metadata values that read as numbers are searched as numbers, so they
// compare against backquoted literals. A field the product does not have is
// null, and a query that fails while running is not a match.
package filter

import (
	"fmt"
	"strconv"

	"github.com/jmespath/go-jmespath"
)

// An Expression decides whether a product is visible.
type Expression interface {
	Match(meta map[string]string) bool
	String() string
}

// ParseError describes where an expression could not be compiled.
type ParseError struct {
	Input  string
	Offset int
	Msg    string
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("filter %q at %d: %s", e.Input, e.Offset, e.Msg)
}

// Query is a compiled JMESPath expression.
type Query struct {
	source string
	path   *jmespath.JMESPath
}

func (q *Query) Match(meta map[string]string) bool {
	result, err := q.path.Search(document(meta))
	if err != nil {
		return false
	}
	return truthy(result)
}

func (q *Query) String() string { return q.source }

// document turns metadata into the JSON shaped value JMESPath searches.
func document(meta map[string]string) map[string]interface{} {
	doc := make(map[string]interface{}, len(meta))
	for k, v := range meta {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			doc[k] = f
			continue
		}
		doc[k] = v
	}
	return doc
}

// truthy follows JMESPath: false, null, and empty strings, lists, and
// objects are false.
func truthy(v interface{}) bool {
	switch x := v.(type) {
	case nil:
		return false
	case bool:
		return x
	case string:
		return x != ""
	case []interface{}:
		return len(x) > 0
	case map[string]interface{}:
		return len(x) > 0
	}
	return true
}

// All matches everything. It is what an empty filter parses to.
type All struct{}

func (All) Match(map[string]string) bool { return true }
func (All) String() string               { return "" }

// Parse compiles an expression. The empty string gives All.
func Parse(input string) (Expression, error) {
	if input == "" {
		return All{}, nil
	}
	path, err := jmespath.Compile(input)
	if err != nil {
		perr := &ParseError{Input: input, Msg: err.Error()}
		if se, ok := err.(jmespath.SyntaxError); ok {
			perr.Offset = se.Offset
		}
		return nil, perr
	}
	return &Query{source: input, path: path}, nil
}

// MustParse is Parse, panicking on error. For tests and constants.
func MustParse(input string) Expression {
	e, err := Parse(input)
	if err != nil {
		panic(err)
	}
	return e
}
