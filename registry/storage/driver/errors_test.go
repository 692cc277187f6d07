package driver

import (
	"encoding/json"
	"errors"
	"fmt"
	"testing"
)

func TestErrorFormat(t *testing.T) {
	drvName := "inmemory"
	errMsg := "no such blob path"

	e := Error{
		DriverName: drvName,
		Detail:     errors.New(errMsg),
	}

	exp := fmt.Sprintf("%s: %s", drvName, errMsg)

	if e.Error() != exp {
		t.Errorf("expected: %s, got: %s", exp, e.Error())
	}

	b, err := json.Marshal(&e)
	if err != nil {
		t.Fatal(err)
	}
	expJSON := `{"driver":"inmemory","detail":"no such blob path"}`
	if gotJSON := string(b); gotJSON != expJSON {
		t.Fatalf("expected JSON: %s,\n got: %s", expJSON, gotJSON)
	}
}

func TestErrors(t *testing.T) {
	t.Parallel()
	drvName := "s3"

	testCases := []struct {
		name    string
		errs    Errors
		exp     string
		expJSON string
	}{
		{
			name:    "no details",
			errs:    Errors{DriverName: drvName},
			exp:     fmt.Sprintf("%s: <nil>", drvName),
			expJSON: `{"driver":"s3","details":[]}`,
		},
		{
			name:    "single detail",
			errs:    Errors{DriverName: drvName, Errs: []error{errors.New("upload interrupted")}},
			exp:     fmt.Sprintf("%s: upload interrupted", drvName),
			expJSON: `{"driver":"s3","details":["upload interrupted"]}`,
		},
		{
			name:    "multiple details",
			errs:    Errors{DriverName: drvName, Errs: []error{errors.New("upload interrupted"), errors.New("bucket unreachable")}},
			exp:     fmt.Sprintf("%s: errors:\nupload interrupted\nbucket unreachable\n", drvName),
			expJSON: `{"driver":"s3","details":["upload interrupted","bucket unreachable"]}`,
		},
	}

	for _, tc := range testCases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			if got := tc.errs.Error(); got != tc.exp {
				t.Errorf("got error: %s, expected: %s", got, tc.exp)
			}
			b, err := json.Marshal(&tc.errs)
			if err != nil {
				t.Fatal(err)
			}
			if gotJSON := string(b); gotJSON != tc.expJSON {
				t.Errorf("expected JSON: %s,\n got: %s", tc.expJSON, gotJSON)
			}
		})
	}
}
