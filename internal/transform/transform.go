// Package transform holds the closed set of named input transforms a step may
// apply to its upstream values. Transforms are pure: same values in, same
// bytes out.
package transform

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/tidwall/gjson"
)

// Kind identifies a registered transform.
type Kind string

const (
	Passthrough Kind = "passthrough"
	Merge       Kind = "merge"
	Extract     Kind = "extract"
	Concat      Kind = "concat"
)

// ErrNoMatch is returned by Extract when the path selects nothing.
var ErrNoMatch = errors.New("transform: path matched nothing")

var registry = map[Kind]func(Input) (json.RawMessage, error){
	Passthrough: passthrough,
	Merge:       merge,
	Extract:     extract,
	Concat:      concat,
}

// Lookup resolves a transform name. An empty name resolves to Passthrough.
func Lookup(name string) (Kind, bool) {
	if name == "" {
		return Passthrough, true
	}
	k := Kind(name)
	_, ok := registry[k]
	return k, ok
}

// Names returns the registered transform names in sorted order.
func Names() []string {
	names := make([]string, 0, len(registry))
	for k := range registry {
		names = append(names, string(k))
	}
	sort.Strings(names)
	return names
}

// RequiresPath reports whether the transform needs Input.Path.
func (k Kind) RequiresPath() bool {
	return k == Extract
}

// Value is one named input value: a step result, or the request payload.
type Value struct {
	Name string
	Data json.RawMessage
}

// Input is the ordered set of values a transform combines.
type Input struct {
	Values []Value
	Path   string
}

// Apply runs the transform over in.
func Apply(k Kind, in Input) (json.RawMessage, error) {
	fn, ok := registry[k]
	if !ok {
		return nil, fmt.Errorf("transform: unknown transform %q", k)
	}
	return fn(in)
}

// passthrough returns a single value unchanged, or an object keyed by value
// name when there are several.
func passthrough(in Input) (json.RawMessage, error) {
	switch len(in.Values) {
	case 0:
		return json.RawMessage("null"), nil
	case 1:
		return normalize(in.Values[0].Data), nil
	}
	return keyed(in.Values)
}

// merge deep-merges object values in order; later keys win. Non-object values
// are placed under their value name.
func merge(in Input) (json.RawMessage, error) {
	acc := map[string]any{}
	for _, v := range in.Values {
		decoded, err := decode(v.Data)
		if err != nil {
			return nil, fmt.Errorf("transform: merge %s: %w", v.Name, err)
		}
		if obj, ok := decoded.(map[string]any); ok {
			deepMerge(acc, obj)
			continue
		}
		acc[v.Name] = decoded
	}
	return json.Marshal(acc)
}

// extract selects Path from the input using gjson syntax.
func extract(in Input) (json.RawMessage, error) {
	if in.Path == "" {
		return nil, fmt.Errorf("transform: extract requires a path")
	}
	src, err := passthrough(Input{Values: in.Values})
	if err != nil {
		return nil, err
	}
	res := gjson.GetBytes(src, in.Path)
	if !res.Exists() {
		return nil, fmt.Errorf("%w: %q", ErrNoMatch, in.Path)
	}
	return json.RawMessage(res.Raw), nil
}

// concat joins values as text, separated by blank lines. String values are
// unquoted; everything else is rendered as compact JSON.
func concat(in Input) (json.RawMessage, error) {
	parts := make([]string, 0, len(in.Values))
	for _, v := range in.Values {
		parts = append(parts, Text(v.Data))
	}
	return json.Marshal(strings.Join(parts, "\n\n"))
}

// Text renders a JSON value as plain text.
func Text(raw json.RawMessage) string {
	res := gjson.ParseBytes(raw)
	if res.Type == gjson.String {
		return res.String()
	}
	var buf bytes.Buffer
	if err := json.Compact(&buf, raw); err != nil {
		return string(raw)
	}
	return buf.String()
}

func keyed(values []Value) (json.RawMessage, error) {
	out := make(map[string]json.RawMessage, len(values))
	for _, v := range values {
		out[v.Name] = normalize(v.Data)
	}
	return json.Marshal(out)
}

func normalize(raw json.RawMessage) json.RawMessage {
	if len(bytes.TrimSpace(raw)) == 0 {
		return json.RawMessage("null")
	}
	return raw
}

func decode(raw json.RawMessage) (any, error) {
	dec := json.NewDecoder(bytes.NewReader(normalize(raw)))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return nil, err
	}
	return v, nil
}

func deepMerge(dst, src map[string]any) {
	for k, v := range src {
		srcObj, srcIsObj := v.(map[string]any)
		dstObj, dstIsObj := dst[k].(map[string]any)
		if srcIsObj && dstIsObj {
			deepMerge(dstObj, srcObj)
			continue
		}
		dst[k] = v
	}
}
