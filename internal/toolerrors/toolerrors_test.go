package toolerrors

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestFromHTTPStatus(t *testing.T) {
	cases := []struct {
		status        int
		wantKind      Kind
		wantRetryable bool
	}{
		{429, KindRateLimit, true},
		{401, KindAuth, false},
		{403, KindAuth, false},
		{404, KindNotFound, false},
		{500, KindServerError, true},
		{503, KindServerError, true},
		{400, KindClientError, false},
		{200, KindUnknown, false},
	}
	for _, c := range cases {
		e := FromHTTPStatus(c.status, "msg", 0)
		assert.Equal(t, c.wantKind, e.Kind, "status %d", c.status)
		assert.Equal(t, c.wantRetryable, e.Retryable, "status %d", c.status)
	}
}

func TestFromPostgresSQLState(t *testing.T) {
	cases := []struct {
		sqlstate      string
		wantKind      Kind
		wantRetryable bool
	}{
		{"40P01", KindDBDeadlock, true},
		{"40001", KindDBDeadlock, true},
		{"23505", KindDBConstraint, false},
		{"57014", KindDBTimeout, true},
		{"08006", KindDBConnection, true},
		{"99999", KindUnknown, false},
	}
	for _, c := range cases {
		e := FromPostgresSQLState(c.sqlstate, "msg")
		assert.Equal(t, c.wantKind, e.Kind, "sqlstate %s", c.sqlstate)
		assert.Equal(t, c.wantRetryable, e.Retryable, "sqlstate %s", c.sqlstate)
	}
}

func TestFromPythonException(t *testing.T) {
	cases := []struct {
		exc           string
		wantKind      Kind
		wantRetryable bool
	}{
		{"TimeoutError", KindTimeout, true},
		{"json.JSONDecodeError", KindParse, false},
		{"ValueError", KindParse, false},
		{"jsonschema.ValidationError", KindSchema, false},
		{"KeyError", KindSchema, false},
		{"RuntimeError", KindUnknown, false},
	}
	for _, c := range cases {
		e := FromPythonException(c.exc, "msg")
		assert.Equal(t, c.wantKind, e.Kind, "exc %s", c.exc)
		assert.Equal(t, c.wantRetryable, e.Retryable, "exc %s", c.exc)
	}
}

func TestFromStorageError(t *testing.T) {
	cases := []struct {
		code          string
		wantKind      Kind
		wantRetryable bool
	}{
		{"quota_exceeded", KindStorageQuota, false},
		{"access_denied", KindStorageAccess, false},
		{"timeout", KindTimeout, true},
		{"connection", KindConnection, true},
		{"whatever", KindUnknown, false},
	}
	for _, c := range cases {
		e := FromStorageError(c.code, "msg")
		assert.Equal(t, c.wantKind, e.Kind, "code %s", c.code)
		assert.Equal(t, c.wantRetryable, e.Retryable, "code %s", c.code)
	}
}

func TestAsMap_OnlyPopulatedOptionalFields(t *testing.T) {
	e := FromHTTPStatus(404, "nope", 0)
	m := e.AsMap()
	assert.Equal(t, "not_found", m["kind"])
	assert.Equal(t, false, m["retryable"])
	assert.Contains(t, m, "http_status")
	assert.NotContains(t, m, "retry_after")
	assert.NotContains(t, m, "pg_code")
}

func TestError_NilReceiverSafe(t *testing.T) {
	var e *ToolError
	assert.Equal(t, "", e.Error())
}
