package render

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRenderString_Basic(t *testing.T) {
	r := New()
	out, err := r.RenderString("hello {{ .name }}", map[string]any{"name": "world"})
	require.NoError(t, err)
	assert.Equal(t, "hello world", out)
}

func TestRenderString_UndefinedIsError(t *testing.T) {
	r := New()
	_, err := r.RenderString("{{ .missing }}", map[string]any{})
	assert.Error(t, err)
	var undef *ErrUndefined
	assert.ErrorAs(t, err, &undef)
}

func TestRenderValue_SingleReferencePreservesType(t *testing.T) {
	r := New()
	ctx := map[string]any{"a": map[string]any{"b": 42}}
	v, err := r.RenderValue("{{ a.b }}", ctx)
	require.NoError(t, err)
	assert.Equal(t, 42, v)
}

func TestRenderValue_MixedTextRendersAsString(t *testing.T) {
	r := New()
	ctx := map[string]any{"a": map[string]any{"b": 42}}
	v, err := r.RenderValue("value is {{ .a.b }}", ctx)
	require.NoError(t, err)
	assert.Equal(t, "value is 42", v)
}

func TestRenderValue_BoolLiteralCoercion(t *testing.T) {
	r := New()
	ctx := map[string]any{"ok": true}
	v, err := r.RenderValue("{{ .ok }}", ctx)
	require.NoError(t, err)
	assert.Equal(t, true, v)
}

func TestRenderBool(t *testing.T) {
	r := New()
	cases := []struct {
		src  string
		ctx  map[string]any
		want bool
	}{
		{"{{ flag }}", map[string]any{"flag": true}, true},
		{"{{ flag }}", map[string]any{"flag": false}, false},
		{"{{ name }}", map[string]any{"name": ""}, false},
		{"{{ name }}", map[string]any{"name": "set"}, true},
	}
	for _, c := range cases {
		got, err := r.RenderBool(c.src, c.ctx)
		require.NoError(t, err)
		assert.Equal(t, c.want, got)
	}
}

func TestRenderRecursive_NestedStructures(t *testing.T) {
	r := New()
	ctx := map[string]any{"x": 1, "y": "two"}
	in := map[string]any{
		"a": "{{ x }}",
		"b": []any{"{{ y }}", "literal"},
	}
	out, err := r.RenderRecursive(in, ctx)
	require.NoError(t, err)
	m := out.(map[string]any)
	assert.Equal(t, 1, m["a"])
	assert.Equal(t, []any{"two", "literal"}, m["b"])
}

func TestRenderCollection_TolerantOfUndefined(t *testing.T) {
	r := New()
	got := r.RenderCollection("{{ missing }}", map[string]any{})
	assert.Equal(t, []any{}, got)
}

func TestNormalizeCollection(t *testing.T) {
	cases := []struct {
		name string
		in   any
		want []any
	}{
		{"nil", nil, []any{}},
		{"empty string", "", []any{}},
		{"non-empty string wraps", "abc", []any{"abc"}},
		{"list passes through", []any{1, 2}, []any{1, 2}},
		{"map wraps", map[string]any{"k": "v"}, []any{map[string]any{"k": "v"}}},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			assert.Equal(t, c.want, NormalizeCollection(c.in))
		})
	}
}

func TestRenderCollection_ListOfMaps(t *testing.T) {
	r := New()
	ctx := map[string]any{"items": []any{map[string]any{"id": 1}, map[string]any{"id": 2}}}
	got := r.RenderCollection("{{ items }}", ctx)
	require.Len(t, got, 2)
}
