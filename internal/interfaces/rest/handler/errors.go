package handler

import (
	"net/http"

	"github.com/pot-code/lesson-gate/internal/infrastructure/validate"
)

// RESTStandardError response error
type RESTStandardError struct {
	Type    string `json:"type,omitempty"`
	Code    int    `json:"code"`
	Title   string `json:"title"`
	Detail  string `json:"detail,omitempty"`
	TraceID string `json:"trace_id,omitempty"`
}

func NewRESTStandardError(code int, detail string) *RESTStandardError {
	return &RESTStandardError{
		Code:   code,
		Title:  http.StatusText(code),
		Detail: detail,
	}
}

func (re RESTStandardError) Error() string {
	return re.Detail
}

func (re RESTStandardError) SetTraceID(traceID string) RESTStandardError {
	re.TraceID = traceID
	return re
}

// SetType .
func (re *RESTStandardError) SetType(typ string) *RESTStandardError {
	re.Type = typ
	return re
}

// RESTValidationError standard validation error
type RESTValidationError struct {
	RESTStandardError
	InvalidParams []*validate.FieldError `json:"invalid_params"`
}

func NewRESTValidationError(code int, detail string, internal []*validate.FieldError) *RESTValidationError {
	return &RESTValidationError{
		RESTStandardError: RESTStandardError{
			Code:   code,
			Title:  http.StatusText(code),
			Detail: detail,
		},
		InvalidParams: internal,
	}
}

func (rve RESTValidationError) Error() string {
	return rve.Detail
}

func (rve RESTValidationError) SetTraceID(traceID string) RESTValidationError {
	rve.RESTStandardError.TraceID = traceID
	return rve
}

// RESTRedirectError tells the client to leave the page, eg. the course can not be loaded
type RESTRedirectError struct {
	RESTStandardError
	Redirect string `json:"redirect"`
}

func NewRESTRedirectError(code int, detail, redirect string) *RESTRedirectError {
	return &RESTRedirectError{
		RESTStandardError: RESTStandardError{
			Code:   code,
			Title:  http.StatusText(code),
			Detail: detail,
		},
		Redirect: redirect,
	}
}
