package errcode

import (
	"encoding/json"
	"fmt"
	"net/http"
)

// maxWarningBytes caps the combined size of all Warning headers on a
// single response. Warnings past the cap are dropped.
const maxWarningBytes = 4096

// errorEnvelope is the wire form of a single error response:
//
//	{ "code": "<symbolic>", "message": "<static>", "detail": "<free>" }
type errorEnvelope struct {
	Code    ErrorCode   `json:"code"`
	Message string      `json:"message"`
	Detail  interface{} `json:"detail,omitempty"`
}

// ServeJSON writes err as the registry error response. The HTTP status is
// taken from the first error's descriptor; every carried error contributes a
// Warning header up to the combined budget.
func ServeJSON(w http.ResponseWriter, err error) error {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")

	var errs Errors
	switch t := err.(type) {
	case Errors:
		errs = t
	case ErrorCoder:
		errs = Errors{err}
	default:
		errs = Errors{ErrorCodeUnknown.WithDetail(err.Error())}
	}

	if len(errs) == 0 {
		errs = Errors{ErrorCodeUnknown}
	}

	sc := http.StatusInternalServerError
	if coder, ok := errs[0].(ErrorCoder); ok {
		if status := coder.ErrorCode().Descriptor().HTTPStatusCode; status != 0 {
			sc = status
		}
	}

	appendWarningHeaders(w.Header(), errs)

	env := envelope(errs[0])
	w.WriteHeader(sc)

	return json.NewEncoder(w).Encode(env)
}

func envelope(err error) errorEnvelope {
	switch t := err.(type) {
	case Error:
		msg := t.Message
		if msg == "" {
			msg = t.Code.Message()
		}
		return errorEnvelope{Code: t.Code, Message: msg, Detail: t.Detail}
	case ErrorCode:
		return errorEnvelope{Code: t, Message: t.Message()}
	default:
		return errorEnvelope{Code: ErrorCodeUnknown, Message: ErrorCodeUnknown.Message(), Detail: err.Error()}
	}
}

// appendWarningHeaders adds a `299 - "<message>"` warning per error while the
// combined header size stays within maxWarningBytes.
func appendWarningHeaders(h http.Header, errs Errors) {
	budget := maxWarningBytes
	for _, err := range errs {
		coder, ok := err.(ErrorCoder)
		if !ok {
			continue
		}
		warning := fmt.Sprintf("299 - %q", coder.ErrorCode().Message())
		if len(warning) > budget {
			return
		}
		budget -= len(warning)
		h.Add("Warning", warning)
	}
}
