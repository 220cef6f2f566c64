// Package toolerrors implements the closed error taxonomy of spec §7/§4.8:
// every worker tool error is classified into a Kind, carries a Retryable
// flag, a source-specific Code, and optional helper fields so that eval
// expressions like {{ outcome.error.retryable }} observe a stable shape
// regardless of which tool produced the error.
package toolerrors

import "fmt"

// Kind enumerates the closed set of error classifications.
type Kind string

const (
	KindConnection    Kind = "connection"
	KindTimeout       Kind = "timeout"
	KindRateLimit     Kind = "rate_limit"
	KindAuth          Kind = "auth"
	KindNotFound      Kind = "not_found"
	KindClientError   Kind = "client_error"
	KindServerError   Kind = "server_error"
	KindSchema        Kind = "schema"
	KindParse         Kind = "parse"
	KindTransform     Kind = "transform"
	KindDBConnection  Kind = "db_connection"
	KindDBConstraint  Kind = "db_constraint"
	KindDBDeadlock    Kind = "db_deadlock"
	KindDBTimeout     Kind = "db_timeout"
	KindStorageQuota  Kind = "storage_quota"
	KindStorageAccess Kind = "storage_access"
	KindUnknown       Kind = "unknown"
)

// ToolError is the structured error surfaced to eval expressions as
// outcome.error and propagated on call.error events.
type ToolError struct {
	Kind          Kind   `json:"kind"`
	Retryable     bool   `json:"retryable"`
	Code          string `json:"code"`
	Message       string `json:"message"`
	Source        string `json:"source"`
	HTTPStatus    int    `json:"http_status,omitempty"`
	RetryAfterSec float64 `json:"retry_after,omitempty"`
	PGCode        string `json:"pg_code,omitempty"`
	ExceptionType string `json:"exception_type,omitempty"`
}

// Error implements the error interface.
func (e *ToolError) Error() string {
	if e == nil {
		return ""
	}
	return fmt.Sprintf("%s: %s (%s)", e.Kind, e.Message, e.Code)
}

// AsMap renders the error as a plain map for inclusion in outcome.error
// template contexts, keeping only fields that are actually populated.
func (e *ToolError) AsMap() map[string]any {
	m := map[string]any{
		"kind":      string(e.Kind),
		"retryable": e.Retryable,
		"code":      e.Code,
		"message":   e.Message,
		"source":    e.Source,
	}
	if e.HTTPStatus != 0 {
		m["http_status"] = e.HTTPStatus
	}
	if e.RetryAfterSec != 0 {
		m["retry_after"] = e.RetryAfterSec
	}
	if e.PGCode != "" {
		m["pg_code"] = e.PGCode
	}
	if e.ExceptionType != "" {
		m["exception_type"] = e.ExceptionType
	}
	return m
}

// FromHTTPStatus classifies an HTTP response status per §4.8: rate_limit,
// auth, not_found, client_error, or server_error. Retryable iff 5xx or 429.
func FromHTTPStatus(status int, message string, retryAfterSec float64) *ToolError {
	e := &ToolError{Source: "http", HTTPStatus: status, Message: message, RetryAfterSec: retryAfterSec}
	switch {
	case status == 429:
		e.Kind, e.Retryable, e.Code = KindRateLimit, true, "HTTP_429"
	case status == 401 || status == 403:
		e.Kind, e.Retryable, e.Code = KindAuth, false, fmt.Sprintf("HTTP_%d", status)
	case status == 404:
		e.Kind, e.Retryable, e.Code = KindNotFound, false, "HTTP_404"
	case status >= 500:
		e.Kind, e.Retryable, e.Code = KindServerError, true, fmt.Sprintf("HTTP_%d", status)
	case status >= 400:
		e.Kind, e.Retryable, e.Code = KindClientError, false, fmt.Sprintf("HTTP_%d", status)
	default:
		e.Kind, e.Retryable, e.Code = KindUnknown, false, fmt.Sprintf("HTTP_%d", status)
	}
	return e
}

// pgDeadlockCodes, pgConnectionClasses and pgTimeoutCodes list the SQLSTATE
// codes (and, for connection errors, class prefixes) classified as
// retryable deadlock, connection and timeout errors.
var pgDeadlockCodes = map[string]bool{"40P01": true, "40001": true}
var pgConnectionClasses = map[string]bool{"08": true, "57P03": true}
var pgTimeoutCodes = map[string]bool{"57014": true}

// FromPostgresSQLState classifies a Postgres SQLSTATE code per §4.8:
// db_deadlock, db_constraint, db_connection, or db_timeout.
func FromPostgresSQLState(sqlstate, message string) *ToolError {
	e := &ToolError{Source: "postgres", PGCode: sqlstate, Message: message, Code: "PG_" + sqlstate}
	switch {
	case pgDeadlockCodes[sqlstate]:
		e.Kind, e.Retryable = KindDBDeadlock, true
	case len(sqlstate) >= 2 && sqlstate[:2] == "23":
		e.Kind, e.Retryable = KindDBConstraint, false
	case pgTimeoutCodes[sqlstate]:
		e.Kind, e.Retryable = KindDBTimeout, true
	case len(sqlstate) >= 2 && pgConnectionClasses[sqlstate[:2]]:
		e.Kind, e.Retryable = KindDBConnection, true
	case pgConnectionClasses[sqlstate]:
		e.Kind, e.Retryable = KindDBConnection, true
	default:
		e.Kind, e.Retryable = KindUnknown, false
	}
	return e
}

// FromPythonException classifies a Python tool failure per §4.8: parse,
// schema, timeout, or unknown, keyed by the exception class name.
func FromPythonException(exceptionType, message string) *ToolError {
	e := &ToolError{Source: "python", ExceptionType: exceptionType, Message: message, Code: "PY_" + exceptionType}
	switch exceptionType {
	case "TimeoutError":
		e.Kind, e.Retryable = KindTimeout, true
	case "json.JSONDecodeError", "SyntaxError", "ValueError":
		e.Kind, e.Retryable = KindParse, false
	case "jsonschema.ValidationError", "TypeError", "KeyError":
		e.Kind, e.Retryable = KindSchema, false
	default:
		e.Kind, e.Retryable = KindUnknown, false
	}
	return e
}

// FromStorageError classifies a storage/externalization failure per §4.8:
// storage_quota, storage_access, timeout, or connection.
func FromStorageError(code, message string) *ToolError {
	e := &ToolError{Source: "storage", Message: message, Code: code}
	switch code {
	case "quota_exceeded":
		e.Kind, e.Retryable = KindStorageQuota, false
	case "access_denied":
		e.Kind, e.Retryable = KindStorageAccess, false
	case "timeout":
		e.Kind, e.Retryable = KindTimeout, true
	case "connection":
		e.Kind, e.Retryable = KindConnection, true
	default:
		e.Kind, e.Retryable = KindUnknown, false
	}
	return e
}
