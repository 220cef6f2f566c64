// Package render implements the lazy-compiled, LRU-cached template renderer
// (spec §4.6, component F). It wraps text/template with sprig's helper
// function library (grounded on Azure-containerization-assist's go.mod,
// which pairs sprig with text/template) and adds two behaviors text/template
// does not provide out of the box:
//
//  1. Typed single-reference extraction: a template that is exactly
//     "{{ a.b.c }}" returns the underlying Go value at that path, not its
//     string form, so routing conditions and args preserve booleans,
//     numbers, and nested structures (spec §4.6, §8 property 8).
//  2. Strict-undefined errors for everything except loop-collection
//     normalization, which must tolerate an unresolved template by
//     collapsing to an empty list rather than erroring (spec §9).
package render

import (
	"bytes"
	"fmt"
	"reflect"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"text/template"

	"github.com/Masterminds/sprig/v3"
	lru "github.com/hashicorp/golang-lru/v2"
)

// singleRefPattern matches a template that is, after trimming whitespace,
// exactly one {{ ... }} reference with no other surrounding text, e.g.
// "{{ a.b.c }}" or "{{a.b[0].c}}". Anything else renders as a string.
var singleRefPattern = regexp.MustCompile(`^\{\{\s*([A-Za-z_][A-Za-z0-9_.\[\]]*)\s*\}\}$`)

// ErrUndefined is returned (wrapped) when a template references a name that
// is absent from the context, per the strict-undefined requirement.
type ErrUndefined struct {
	Path string
}

func (e *ErrUndefined) Error() string {
	return fmt.Sprintf("render: undefined reference %q", e.Path)
}

// Renderer lazily compiles and caches text templates keyed by source text.
// A single Renderer is safe for concurrent use.
type Renderer struct {
	cache *lru.Cache[string, *template.Template]
	mu    sync.Mutex
	funcs template.FuncMap
}

// New constructs a Renderer with a bounded LRU cache of compiled templates
// (spec §5 resource bounds: template LRU ~500 entries).
func New() *Renderer {
	c, _ := lru.New[string, *template.Template](500)
	return &Renderer{cache: c, funcs: sprig.TxtFuncMap()}
}

// compile returns the parsed template for src, compiling and caching it on
// first use.
func (r *Renderer) compile(src string) (*template.Template, error) {
	if t, ok := r.cache.Get(src); ok {
		return t, nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if t, ok := r.cache.Get(src); ok {
		return t, nil
	}
	t, err := template.New("tmpl").Funcs(r.funcs).Option("missingkey=error").Parse(src)
	if err != nil {
		return nil, fmt.Errorf("render: parse %q: %w", src, err)
	}
	r.cache.Add(src, t)
	return t, nil
}

// RenderString renders src against ctx and returns the resulting string.
// Undefined references are a hard error.
func (r *Renderer) RenderString(src string, ctx map[string]any) (string, error) {
	t, err := r.compile(src)
	if err != nil {
		return "", err
	}
	var buf bytes.Buffer
	if err := t.Execute(&buf, ctx); err != nil {
		if isMissingKey(err) {
			return "", &ErrUndefined{Path: src}
		}
		return "", fmt.Errorf("render: execute %q: %w", src, err)
	}
	return buf.String(), nil
}

func isMissingKey(err error) bool {
	return strings.Contains(err.Error(), "map has no entry for key") ||
		strings.Contains(err.Error(), "nil pointer evaluating") ||
		strings.Contains(err.Error(), "is not a method but has arguments")
}

// RenderValue renders src and returns a typed value: if src is exactly one
// {{ a.b.c }} reference, the underlying value at that path is returned
// unchanged (spec §4.6, §8 property 8); otherwise the string render is
// returned, except for the special coercion of "true"/"false" literal
// strings back to bool, used by routing conditions (spec §4.6).
func (r *Renderer) RenderValue(src string, ctx map[string]any) (any, error) {
	trimmed := strings.TrimSpace(src)
	if m := singleRefPattern.FindStringSubmatch(trimmed); m != nil {
		v, err := resolvePath(ctx, m[1])
		if err != nil {
			return nil, err
		}
		return v, nil
	}
	s, err := r.RenderString(src, ctx)
	if err != nil {
		return nil, err
	}
	switch s {
	case "true":
		return true, nil
	case "false":
		return false, nil
	}
	return s, nil
}

// RenderBool renders src and coerces the result to a boolean per spec §4.6:
// a non-empty, non-"false" string is true. Used for `when` clause
// evaluation (spec §4.7.2).
func (r *Renderer) RenderBool(src string, ctx map[string]any) (bool, error) {
	v, err := r.RenderValue(src, ctx)
	if err != nil {
		return false, err
	}
	return coerceBool(v), nil
}

func coerceBool(v any) bool {
	switch t := v.(type) {
	case bool:
		return t
	case string:
		return t != "" && t != "false"
	case nil:
		return false
	case int, int64, float64:
		return t != 0
	default:
		rv := reflect.ValueOf(v)
		switch rv.Kind() {
		case reflect.Slice, reflect.Map, reflect.Array:
			return rv.Len() > 0
		}
		return true
	}
}

// pathSegmentPattern splits "a.b[0].c" into ["a","b","[0]","c"].
var pathSegmentPattern = regexp.MustCompile(`[^.\[\]]+|\[\d+\]`)

// resolvePath walks ctx following a dotted/indexed path, returning
// ErrUndefined if any segment is missing (strict-undefined requirement).
func resolvePath(ctx map[string]any, path string) (any, error) {
	segments := pathSegmentPattern.FindAllString(path, -1)
	var cur any = ctx
	for _, seg := range segments {
		if strings.HasPrefix(seg, "[") {
			idx, err := strconv.Atoi(strings.Trim(seg, "[]"))
			if err != nil {
				return nil, &ErrUndefined{Path: path}
			}
			slice, ok := cur.([]any)
			if !ok || idx < 0 || idx >= len(slice) {
				return nil, &ErrUndefined{Path: path}
			}
			cur = slice[idx]
			continue
		}
		m, ok := cur.(map[string]any)
		if !ok {
			return nil, &ErrUndefined{Path: path}
		}
		v, present := m[seg]
		if !present {
			return nil, &ErrUndefined{Path: path}
		}
		cur = v
	}
	return cur, nil
}

// RenderRecursive walks an arbitrary nested value (map/slice/string/scalar)
// and renders every string leaf, recursing through maps and slices. Used for
// rendering step `args`, `set_ctx` values, and arc `args` (spec §4.7.2:
// "render arc args (recursive, strict)").
func (r *Renderer) RenderRecursive(v any, ctx map[string]any) (any, error) {
	switch t := v.(type) {
	case string:
		return r.RenderValue(t, ctx)
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, vv := range t {
			rv, err := r.RenderRecursive(vv, ctx)
			if err != nil {
				return nil, err
			}
			out[k] = rv
		}
		return out, nil
	case []any:
		out := make([]any, len(t))
		for i, vv := range t {
			rv, err := r.RenderRecursive(vv, ctx)
			if err != nil {
				return nil, err
			}
			out[i] = rv
		}
		return out, nil
	default:
		return v, nil
	}
}

// RenderCollection renders a loop `in` expression and normalizes the result
// per spec §4.7.3: lists pass through; tuples/sets become lists; strings are
// wrapped as [string] (never character-split); unresolved template strings
// collapse to []; dicts wrap as [dict]; other iterables are materialized.
// Unlike RenderValue/RenderRecursive, this is tolerant of undefined
// references (spec §9: "tolerant of unresolved collection templates when
// normalizing loop inputs (yield empty list, not a split string)").
func (r *Renderer) RenderCollection(src string, ctx map[string]any) []any {
	v, err := r.RenderValue(src, ctx)
	if err != nil {
		return []any{}
	}
	return NormalizeCollection(v)
}

// NormalizeCollection applies the collection normalization rules of spec
// §4.7.3 to an already-rendered value.
func NormalizeCollection(v any) []any {
	switch t := v.(type) {
	case nil:
		return []any{}
	case []any:
		return t
	case string:
		if t == "" {
			return []any{}
		}
		return []any{t}
	case map[string]any:
		return []any{t}
	default:
		rv := reflect.ValueOf(v)
		switch rv.Kind() {
		case reflect.Slice, reflect.Array:
			out := make([]any, rv.Len())
			for i := 0; i < rv.Len(); i++ {
				out[i] = rv.Index(i).Interface()
			}
			return out
		default:
			return []any{v}
		}
	}
}
