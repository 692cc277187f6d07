package errcode

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"reflect"
	"strings"
	"testing"
)

// TestErrorsManagement does a quick check of the Errors type to ensure that
// members are properly pushed and marshaled.
func TestErrorsManagement(t *testing.T) {
	var errs Errors

	errs = append(errs, ErrorCodeDigestInvalid)
	errs = append(errs, ErrorCodeBlobUnknown.WithDetail(
		map[string]interface{}{"digest": "sometestblobsumdoesntmatter"}))
	errs = append(errs, ErrorCodeBlobUploadUnknown.WithMessage("my custom message"))

	p, err := json.Marshal(errs)
	if err != nil {
		t.Fatalf("error marshaling errors: %v", err)
	}

	expectedJSON := `{"errors":[` +
		`{"code":"DIGEST_INVALID","message":"provided digest did not match uploaded content"},` +
		`{"code":"BLOB_UNKNOWN","message":"blob unknown to registry","detail":{"digest":"sometestblobsumdoesntmatter"}},` +
		`{"code":"BLOB_UPLOAD_UNKNOWN","message":"my custom message"}` +
		`]}`

	if string(p) != expectedJSON {
		t.Fatalf("unexpected json:\ngot:\n%q\n\nexpected:\n%q", string(p), expectedJSON)
	}

	// Unmarshal the same errors and check equality modulo the custom message,
	// which unmarshals back into a full Error value.
	var unmarshaled Errors
	if err := json.Unmarshal(p, &unmarshaled); err != nil {
		t.Fatalf("unexpected error unmarshaling error envelope: %v", err)
	}

	expected := Errors{
		ErrorCodeDigestInvalid,
		ErrorCodeBlobUnknown.WithDetail(map[string]interface{}{"digest": "sometestblobsumdoesntmatter"}),
		ErrorCodeBlobUploadUnknown.WithMessage("my custom message"),
	}
	if !reflect.DeepEqual(expected, unmarshaled) {
		t.Fatalf("errors not equal after round trip:\ngot:\n%#v\n\nexpected:\n%#v", unmarshaled, expected)
	}
}

func TestErrorCodeText(t *testing.T) {
	if ErrorCodeDigestInvalid.String() != "DIGEST_INVALID" {
		t.Fatalf("unexpected string value: %q", ErrorCodeDigestInvalid.String())
	}
	if ParseErrorCode("MANIFEST_UNKNOWN") != ErrorCodeManifestUnknown {
		t.Fatalf("parse did not round trip MANIFEST_UNKNOWN")
	}
	if ParseErrorCode("NO_SUCH_CODE") != ErrorCodeUnknown {
		t.Fatalf("unknown value should parse to ErrorCodeUnknown")
	}
}

func TestServeJSON(t *testing.T) {
	rec := httptest.NewRecorder()
	if err := ServeJSON(rec, ErrorCodeManifestUnknown.WithDetail("no such manifest")); err != nil {
		t.Fatalf("unexpected error serving json: %v", err)
	}

	if rec.Code != http.StatusNotFound {
		t.Errorf("unexpected status code: %d != %d", rec.Code, http.StatusNotFound)
	}

	var body struct {
		Code    string `json:"code"`
		Message string `json:"message"`
		Detail  string `json:"detail"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("unexpected error unmarshaling body: %v", err)
	}
	if body.Code != "MANIFEST_UNKNOWN" {
		t.Errorf("unexpected code: %q", body.Code)
	}
	if body.Detail != "no such manifest" {
		t.Errorf("unexpected detail: %q", body.Detail)
	}

	warning := rec.Header().Get("Warning")
	if !strings.HasPrefix(warning, "299 - ") {
		t.Errorf("warning header missing 299 warn-code: %q", warning)
	}
}

func TestWarningBudget(t *testing.T) {
	// Enough repeated errors to blow well past the combined budget. The
	// response must stay under 4096 bytes of warning data.
	var errs Errors
	for i := 0; i < 500; i++ {
		errs = append(errs, ErrorCodeDigestInvalid)
	}

	rec := httptest.NewRecorder()
	if err := ServeJSON(rec, errs); err != nil {
		t.Fatalf("unexpected error serving json: %v", err)
	}

	total := 0
	for _, w := range rec.Header().Values("Warning") {
		total += len(w)
	}
	if total > 4096 {
		t.Errorf("combined warning headers exceed budget: %d bytes", total)
	}
	if total == 0 {
		t.Error("expected at least one warning header")
	}
}
