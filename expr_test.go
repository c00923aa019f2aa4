package capnweb

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func mustParseArray(t *testing.T, raw []any) Expr {
	t.Helper()
	e, err := parseArrayExpr(raw)
	require.Nil(t, err)
	return e
}

func TestParseExprLiterals(t *testing.T) {
	e, err := ParseExpr(nil)
	require.Nil(t, err)
	assert.Equal(t, Literal{Value: nil}, e)

	e, err = ParseExpr("hello")
	require.Nil(t, err)
	assert.Equal(t, Literal{Value: "hello"}, e)

	e, err = ParseExpr(true)
	require.Nil(t, err)
	assert.Equal(t, Literal{Value: true}, e)
}

func TestParseExprDate(t *testing.T) {
	e := mustParseArray(t, []any{"date", float64(1700000000000)})
	assert.Equal(t, DateExpr{Millis: 1700000000000}, e)
}

func TestParseExprError(t *testing.T) {
	e := mustParseArray(t, []any{"error", "NotFound", "no such user"})
	assert.Equal(t, ErrorExpr{Kind: "NotFound", Message: "no such user"}, e)

	e = mustParseArray(t, []any{"error", "Internal", "boom", "stack trace here"})
	assert.Equal(t, ErrorExpr{Kind: "Internal", Message: "boom", Stack: "stack trace here", HasStack: true}, e)
}

func TestParseExprImportWithPathAndArgs(t *testing.T) {
	e := mustParseArray(t, []any{"import", float64(1), []any{"hello"}, []any{"World"}})
	imp, ok := e.(ImportExpr)
	require.True(t, ok)
	assert.Equal(t, ImportID(1), imp.ID)
	assert.Equal(t, []PropertyKey{{Name: "hello"}}, imp.Path)
	require.NotNil(t, imp.Args)
	lit, ok := imp.Args.(ArrayExpr)
	require.True(t, ok)
	assert.Equal(t, Literal{Value: "World"}, lit.Items[0])
}

func TestParseExprPipelineBare(t *testing.T) {
	e := mustParseArray(t, []any{"pipeline", float64(-3)})
	pipe, ok := e.(PipelineExpr)
	require.True(t, ok)
	assert.Equal(t, ImportID(-3), pipe.ID)
	assert.Nil(t, pipe.Path)
	assert.Nil(t, pipe.Args)
}

func TestParseExprExportAndPromise(t *testing.T) {
	e := mustParseArray(t, []any{"export", float64(5)})
	assert.Equal(t, ExportExpr{ID: 5}, e)

	e = mustParseArray(t, []any{"promise", float64(7)})
	assert.Equal(t, PromiseExpr{ID: 7}, e)
}

func TestParseExprEscapedArrayOfPlainItems(t *testing.T) {
	// [["cookie-123"]] escapes the one-element literal sequence ["cookie-123"];
	// its inner array's first element isn't a reserved tag, so each of the
	// inner array's own elements becomes one sequence item.
	e := mustParseArray(t, []any{[]any{"cookie-123"}})
	escaped, ok := e.(EscapedArrayExpr)
	require.True(t, ok)
	require.Len(t, escaped.Items, 1)
	assert.Equal(t, Literal{Value: "cookie-123"}, escaped.Items[0])
}

func TestParseExprEscapedArrayOfTaggedExpr(t *testing.T) {
	// [["date", 1]] escapes a one-element sequence whose sole element is
	// itself a tagged Date expression, not a two-element literal list.
	e := mustParseArray(t, []any{[]any{"date", float64(1)}})
	escaped, ok := e.(EscapedArrayExpr)
	require.True(t, ok)
	require.Len(t, escaped.Items, 1)
	assert.Equal(t, DateExpr{Millis: 1}, escaped.Items[0])
}

func TestParseExprRemap(t *testing.T) {
	e := mustParseArray(t, []any{
		"remap", float64(2), []any{}, // id, path
		[]any{[]any{"import", float64(9)}}, // captures
		[]any{[]any{"pipeline", float64(0)}}, // instructions
	})
	remap, ok := e.(RemapExpr)
	require.True(t, ok)
	assert.Equal(t, ImportID(2), remap.ID)
	require.Len(t, remap.Captures, 1)
	assert.Equal(t, CaptureRef{Import: 9}, remap.Captures[0])
	require.Len(t, remap.Instructions, 1)
}

func TestParseExprMalformedMessagesAreBadRequest(t *testing.T) {
	_, err := parseArrayExpr([]any{"date"})
	require.NotNil(t, err)
	assert.Equal(t, KindBadRequest, err.Kind)

	_, err = parseArrayExpr([]any{"import", "not-a-number"})
	require.NotNil(t, err)
	assert.Equal(t, KindBadRequest, err.Kind)
}

func TestToWireRoundTrip(t *testing.T) {
	orig := mustParseArray(t, []any{"import", float64(4), []any{"foo", float64(1)}, []any{"bar"}})
	wire, err := toWire(orig)
	require.Nil(t, err)

	arr, ok := wire.([]any)
	require.True(t, ok)
	assert.Equal(t, "import", arr[0])
	assert.Equal(t, int64(4), arr[1])
}
