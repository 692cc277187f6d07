package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"path/filepath"
	"strconv"
	"strings"
	"testing"

	"github.com/opencontainers/go-digest"
	"golang.org/x/crypto/bcrypt"

	"github.com/quayd/quayd/configuration"
	v2 "github.com/quayd/quayd/registry/api/v2"
	"github.com/quayd/quayd/registry/auth"
	"github.com/quayd/quayd/registry/manifest"
	"github.com/quayd/quayd/registry/metadata"
	"github.com/quayd/quayd/registry/storage"
	"github.com/quayd/quayd/registry/storage/driver/inmemory"
)

const testSecret = "api-test-secret"

type testEnv struct {
	t        *testing.T
	server   *httptest.Server
	builder  *v2.URLBuilder
	registry *storage.Registry
	issuer   *auth.TokenIssuer
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	db, err := metadata.Open(filepath.Join(t.TempDir(), "registry.db"))
	if err != nil {
		t.Fatalf("unexpected error opening metadata store: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	reg := storage.NewRegistry(db, inmemory.New())

	var config configuration.Configuration
	config.HTTP.Secret = testSecret
	config.HTTP.Host = "http://registry.example"

	app := NewAppWithRegistry(config, reg)
	server := httptest.NewServer(app)
	t.Cleanup(server.Close)

	builder, err := v2.NewURLBuilderFromString(server.URL, false)
	if err != nil {
		t.Fatalf("unexpected error creating url builder: %v", err)
	}

	return &testEnv{
		t:        t,
		server:   server,
		builder:  builder,
		registry: reg,
		issuer:   auth.NewTokenIssuer([]byte(testSecret)),
	}
}

// adminToken returns a bearer token whose claims bypass scope checks.
func (env *testEnv) adminToken() string {
	env.t.Helper()
	token, err := env.issuer.Issue("admin", true, auth.Scope{})
	if err != nil {
		env.t.Fatalf("unexpected error issuing token: %v", err)
	}
	return token
}

func (env *testEnv) userToken(subject string, scope auth.Scope) string {
	env.t.Helper()
	token, err := env.issuer.Issue(subject, false, scope)
	if err != nil {
		env.t.Fatalf("unexpected error issuing token: %v", err)
	}
	return token
}

// do sends the request with an optional bearer token and returns the
// response.
func (env *testEnv) do(req *http.Request, token string) *http.Response {
	env.t.Helper()
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		env.t.Fatalf("unexpected error issuing request: %v", err)
	}
	return resp
}

func (env *testEnv) request(method, urlStr string, body io.Reader, token string) *http.Response {
	env.t.Helper()
	req, err := http.NewRequest(method, urlStr, body)
	if err != nil {
		env.t.Fatalf("unexpected error creating request: %v", err)
	}
	return env.do(req, token)
}

func checkResponse(t *testing.T, msg string, resp *http.Response, expectedStatus int) {
	t.Helper()
	if resp.StatusCode != expectedStatus {
		body, _ := io.ReadAll(resp.Body)
		t.Fatalf("%s: unexpected status %v, expected %v: %s", msg, resp.StatusCode, expectedStatus, body)
	}
}

func checkHeaders(t *testing.T, resp *http.Response, headers map[string]string) {
	t.Helper()
	for k, v := range headers {
		if got := resp.Header.Get(k); got != v {
			t.Errorf("unexpected header %s: %q != %q", k, got, v)
		}
	}
}

// checkErrorCode decodes the single-error response body and verifies the
// symbolic code.
func checkErrorCode(t *testing.T, resp *http.Response, code string) {
	t.Helper()
	var envl struct {
		Code string `json:"code"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&envl); err != nil {
		t.Fatalf("unexpected error decoding error body: %v", err)
	}
	if envl.Code != code {
		t.Errorf("unexpected error code %q, expected %q", envl.Code, code)
	}
}

// pushBlob uploads content monolithically and returns its digest.
func (env *testEnv) pushBlob(repo string, content []byte, token string) digest.Digest {
	env.t.Helper()
	dgst := digest.Canonical.FromBytes(content)

	uploadURL, err := env.builder.BuildBlobUploadURL(repo, url.Values{"digest": []string{dgst.String()}})
	if err != nil {
		env.t.Fatalf("unexpected error building upload url: %v", err)
	}

	resp := env.request(http.MethodPost, uploadURL, bytes.NewReader(content), token)
	defer resp.Body.Close()
	checkResponse(env.t, "pushing blob", resp, http.StatusCreated)
	return dgst
}

// pushManifest builds a manifest over the layer digests, uploads the config
// blob and pushes the manifest under reference.
func (env *testEnv) pushManifest(repo, reference string, token string, layers ...digest.Digest) (digest.Digest, []byte) {
	env.t.Helper()

	configBlob := []byte(fmt.Sprintf(`{"architecture":"amd64","repo":%q,"ref":%q}`, repo, reference))
	configDgst := env.pushBlob(repo, configBlob, token)

	m := manifest.ImageManifest{
		SchemaVersion: 2,
		MediaType:     manifest.MediaTypeManifest,
		Config: manifest.Descriptor{
			MediaType: manifest.MediaTypeConfig,
			Digest:    configDgst,
			Size:      int64(len(configBlob)),
		},
	}
	for _, layer := range layers {
		m.Layers = append(m.Layers, manifest.Descriptor{
			MediaType: manifest.MediaTypeLayer,
			Digest:    layer,
			Size:      1,
		})
	}
	body, err := json.Marshal(m)
	if err != nil {
		env.t.Fatalf("unexpected error marshaling manifest: %v", err)
	}

	manifestURL, err := env.builder.BuildManifestURL(repo, reference)
	if err != nil {
		env.t.Fatalf("unexpected error building manifest url: %v", err)
	}
	resp := env.request(http.MethodPut, manifestURL, bytes.NewReader(body), token)
	defer resp.Body.Close()
	checkResponse(env.t, "pushing manifest", resp, http.StatusCreated)

	dgst := digest.Digest(resp.Header.Get("Docker-Content-Digest"))
	if dgst != digest.Canonical.FromBytes(body) {
		env.t.Fatalf("unexpected manifest digest: %v", dgst)
	}
	return dgst, body
}

func TestBaseEndpoint(t *testing.T) {
	env := newTestEnv(t)

	baseURL, err := env.builder.BuildBaseURL()
	if err != nil {
		t.Fatalf("unexpected error building base url: %v", err)
	}

	resp := env.request(http.MethodGet, baseURL, nil, "")
	defer resp.Body.Close()
	checkResponse(t, "anonymous base check", resp, http.StatusUnauthorized)
	if challenge := resp.Header.Get("WWW-Authenticate"); !strings.HasPrefix(challenge, "Bearer realm=") {
		t.Errorf("expected bearer challenge, got %q", challenge)
	}

	resp = env.request(http.MethodGet, baseURL, nil, env.adminToken())
	defer resp.Body.Close()
	checkResponse(t, "authenticated base check", resp, http.StatusOK)
	checkHeaders(t, resp, map[string]string{
		"Docker-Distribution-API-Version": "registry/2.0",
	})
}

func TestBlobMonolithicPush(t *testing.T) {
	env := newTestEnv(t)
	token := env.adminToken()

	content := []byte("some layer contents")
	dgst := env.pushBlob("test/mono", content, token)

	blobURL, err := env.builder.BuildBlobURL("test/mono", dgst)
	if err != nil {
		t.Fatalf("unexpected error building blob url: %v", err)
	}

	resp := env.request(http.MethodHead, blobURL, nil, token)
	defer resp.Body.Close()
	checkResponse(t, "checking head", resp, http.StatusOK)
	checkHeaders(t, resp, map[string]string{
		"Content-Length":        strconv.Itoa(len(content)),
		"Docker-Content-Digest": dgst.String(),
	})

	resp = env.request(http.MethodGet, blobURL, nil, token)
	defer resp.Body.Close()
	checkResponse(t, "fetching layer", resp, http.StatusOK)
	got, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("unexpected error reading body: %v", err)
	}
	if !bytes.Equal(got, content) {
		t.Errorf("fetched layer does not match pushed content")
	}
}

func TestBlobPushEmptyLayer(t *testing.T) {
	env := newTestEnv(t)
	token := env.adminToken()

	dgst := env.pushBlob("test/empty", nil, token)

	blobURL, err := env.builder.BuildBlobURL("test/empty", dgst)
	if err != nil {
		t.Fatalf("unexpected error building blob url: %v", err)
	}
	resp := env.request(http.MethodHead, blobURL, nil, token)
	defer resp.Body.Close()
	checkResponse(t, "checking empty layer", resp, http.StatusOK)
	checkHeaders(t, resp, map[string]string{"Content-Length": "0"})
}

func TestBlobMonolithicPushDigestMismatch(t *testing.T) {
	env := newTestEnv(t)
	token := env.adminToken()

	bogus := digest.Canonical.FromString("not the content")
	uploadURL, err := env.builder.BuildBlobUploadURL("test/mismatch", url.Values{"digest": []string{bogus.String()}})
	if err != nil {
		t.Fatalf("unexpected error building upload url: %v", err)
	}

	resp := env.request(http.MethodPost, uploadURL, strings.NewReader("actual content"), token)
	defer resp.Body.Close()
	checkResponse(t, "bad digest push", resp, http.StatusBadRequest)
	checkErrorCode(t, resp, "DIGEST_INVALID")
}

func TestBlobUnknown(t *testing.T) {
	env := newTestEnv(t)
	token := env.adminToken()

	env.pushBlob("test/unknown", []byte("seed the repository"), token)

	blobURL, err := env.builder.BuildBlobURL("test/unknown", digest.Canonical.FromString("missing"))
	if err != nil {
		t.Fatalf("unexpected error building blob url: %v", err)
	}
	resp := env.request(http.MethodGet, blobURL, nil, token)
	defer resp.Body.Close()
	checkResponse(t, "fetching unknown blob", resp, http.StatusNotFound)
	checkErrorCode(t, resp, "BLOB_UNKNOWN")
}

func TestBlobChunkedUpload(t *testing.T) {
	env := newTestEnv(t)
	token := env.adminToken()
	repo := "test/chunked"

	uploadURL, err := env.builder.BuildBlobUploadURL(repo, nil)
	if err != nil {
		t.Fatalf("unexpected error building upload url: %v", err)
	}

	resp := env.request(http.MethodPost, uploadURL, nil, token)
	defer resp.Body.Close()
	checkResponse(t, "starting upload", resp, http.StatusAccepted)
	checkHeaders(t, resp, map[string]string{"Range": "0-0"})
	location := resp.Header.Get("Location")
	if location == "" {
		t.Fatal("upload response missing Location header")
	}
	if resp.Header.Get("Docker-Upload-UUID") == "" {
		t.Fatal("upload response missing Docker-Upload-UUID header")
	}

	patch := func(chunk string, contentRange string) *http.Response {
		req, err := http.NewRequest(http.MethodPatch, location, strings.NewReader(chunk))
		if err != nil {
			t.Fatalf("unexpected error creating patch request: %v", err)
		}
		req.Header.Set("Content-Range", contentRange)
		return env.do(req, token)
	}

	resp = patch("hello", "0-4")
	defer resp.Body.Close()
	checkResponse(t, "patching first chunk", resp, http.StatusAccepted)
	checkHeaders(t, resp, map[string]string{"Range": "0-4"})

	// Replaying the first chunk must not corrupt the session.
	resp = patch("hello", "0-4")
	defer resp.Body.Close()
	checkResponse(t, "replaying first chunk", resp, http.StatusRequestedRangeNotSatisfiable)
	checkHeaders(t, resp, map[string]string{"Range": "0-4"})
	checkErrorCode(t, resp, "RANGE_INVALID")

	resp = patch("world", "5-9")
	defer resp.Body.Close()
	checkResponse(t, "patching second chunk", resp, http.StatusAccepted)
	checkHeaders(t, resp, map[string]string{"Range": "0-9"})

	resp = env.request(http.MethodGet, location, nil, token)
	defer resp.Body.Close()
	checkResponse(t, "checking upload status", resp, http.StatusNoContent)
	checkHeaders(t, resp, map[string]string{"Range": "0-9"})

	content := []byte("helloworld")
	dgst := digest.Canonical.FromBytes(content)
	finishURL := location + "?digest=" + url.QueryEscape(dgst.String())
	resp = env.request(http.MethodPut, finishURL, nil, token)
	defer resp.Body.Close()
	checkResponse(t, "finishing upload", resp, http.StatusCreated)
	checkHeaders(t, resp, map[string]string{"Docker-Content-Digest": dgst.String()})

	blobURL, err := env.builder.BuildBlobURL(repo, dgst)
	if err != nil {
		t.Fatalf("unexpected error building blob url: %v", err)
	}
	resp = env.request(http.MethodGet, blobURL, nil, token)
	defer resp.Body.Close()
	checkResponse(t, "fetching assembled blob", resp, http.StatusOK)
	got, _ := io.ReadAll(resp.Body)
	if !bytes.Equal(got, content) {
		t.Errorf("assembled blob does not match chunks: %q", got)
	}
}

func TestBlobUploadCancel(t *testing.T) {
	env := newTestEnv(t)
	token := env.adminToken()

	uploadURL, err := env.builder.BuildBlobUploadURL("test/cancel", nil)
	if err != nil {
		t.Fatalf("unexpected error building upload url: %v", err)
	}
	resp := env.request(http.MethodPost, uploadURL, nil, token)
	defer resp.Body.Close()
	checkResponse(t, "starting upload", resp, http.StatusAccepted)
	location := resp.Header.Get("Location")

	resp = env.request(http.MethodDelete, location, nil, token)
	defer resp.Body.Close()
	checkResponse(t, "cancelling upload", resp, http.StatusNoContent)

	resp = env.request(http.MethodGet, location, nil, token)
	defer resp.Body.Close()
	checkResponse(t, "checking cancelled upload", resp, http.StatusNotFound)
	checkErrorCode(t, resp, "BLOB_UPLOAD_UNKNOWN")
}

func TestBlobCrossRepositoryMount(t *testing.T) {
	env := newTestEnv(t)
	token := env.adminToken()

	content := []byte("shared base layer")
	dgst := env.pushBlob("test/source", content, token)

	mountURL, err := env.builder.BuildBlobUploadURL("test/dest", url.Values{
		"mount": []string{dgst.String()},
		"from":  []string{"test/source"},
	})
	if err != nil {
		t.Fatalf("unexpected error building mount url: %v", err)
	}
	resp := env.request(http.MethodPost, mountURL, nil, token)
	defer resp.Body.Close()
	checkResponse(t, "mounting blob", resp, http.StatusCreated)
	checkHeaders(t, resp, map[string]string{"Docker-Content-Digest": dgst.String()})

	blobURL, err := env.builder.BuildBlobURL("test/dest", dgst)
	if err != nil {
		t.Fatalf("unexpected error building blob url: %v", err)
	}
	resp = env.request(http.MethodGet, blobURL, nil, token)
	defer resp.Body.Close()
	checkResponse(t, "fetching mounted blob", resp, http.StatusOK)

	// An unmountable digest falls back to a regular upload session.
	fallbackURL, err := env.builder.BuildBlobUploadURL("test/dest", url.Values{
		"mount": []string{digest.Canonical.FromString("absent").String()},
		"from":  []string{"test/source"},
	})
	if err != nil {
		t.Fatalf("unexpected error building mount url: %v", err)
	}
	resp = env.request(http.MethodPost, fallbackURL, nil, token)
	defer resp.Body.Close()
	checkResponse(t, "mount fallback", resp, http.StatusAccepted)
	if resp.Header.Get("Docker-Upload-UUID") == "" {
		t.Error("fallback response missing upload session")
	}
}

func TestManifestPushAndPull(t *testing.T) {
	env := newTestEnv(t)
	token := env.adminToken()
	repo := "test/manifests"

	layer := env.pushBlob(repo, []byte("layer contents"), token)
	dgst, body := env.pushManifest(repo, "latest", token, layer)

	for _, reference := range []string{"latest", dgst.String()} {
		manifestURL, err := env.builder.BuildManifestURL(repo, reference)
		if err != nil {
			t.Fatalf("unexpected error building manifest url: %v", err)
		}
		resp := env.request(http.MethodGet, manifestURL, nil, token)
		defer resp.Body.Close()
		checkResponse(t, "fetching manifest by "+reference, resp, http.StatusOK)
		checkHeaders(t, resp, map[string]string{
			"Docker-Content-Digest": dgst.String(),
			"Content-Type":          manifest.MediaTypeManifest,
		})
		got, _ := io.ReadAll(resp.Body)
		if !bytes.Equal(got, body) {
			t.Errorf("manifest body mismatch fetching by %s", reference)
		}

		resp = env.request(http.MethodHead, manifestURL, nil, token)
		defer resp.Body.Close()
		checkResponse(t, "heading manifest by "+reference, resp, http.StatusOK)
		checkHeaders(t, resp, map[string]string{"Docker-Content-Digest": dgst.String()})
	}
}

func TestManifestUnknown(t *testing.T) {
	env := newTestEnv(t)
	token := env.adminToken()

	env.pushBlob("test/nomanifest", []byte("seed"), token)

	manifestURL, err := env.builder.BuildManifestURL("test/nomanifest", "missing")
	if err != nil {
		t.Fatalf("unexpected error building manifest url: %v", err)
	}
	resp := env.request(http.MethodGet, manifestURL, nil, token)
	defer resp.Body.Close()
	checkResponse(t, "fetching unknown manifest", resp, http.StatusNotFound)
	checkErrorCode(t, resp, "MANIFEST_UNKNOWN")
}

func TestManifestPushUnknownLayer(t *testing.T) {
	env := newTestEnv(t)
	token := env.adminToken()
	repo := "test/badmanifest"

	configBlob := []byte(`{"architecture":"amd64"}`)
	configDgst := env.pushBlob(repo, configBlob, token)

	m := manifest.ImageManifest{
		SchemaVersion: 2,
		MediaType:     manifest.MediaTypeManifest,
		Config: manifest.Descriptor{
			MediaType: manifest.MediaTypeConfig,
			Digest:    configDgst,
			Size:      int64(len(configBlob)),
		},
		Layers: []manifest.Descriptor{{
			MediaType: manifest.MediaTypeLayer,
			Digest:    digest.Canonical.FromString("never pushed"),
			Size:      1,
		}},
	}
	body, _ := json.Marshal(m)

	manifestURL, err := env.builder.BuildManifestURL(repo, "latest")
	if err != nil {
		t.Fatalf("unexpected error building manifest url: %v", err)
	}
	resp := env.request(http.MethodPut, manifestURL, bytes.NewReader(body), token)
	defer resp.Body.Close()
	checkResponse(t, "pushing manifest with unknown layer", resp, http.StatusBadRequest)
	checkErrorCode(t, resp, "MANIFEST_BLOB_UNKNOWN")
}

func TestManifestDeleteReleasesBlobs(t *testing.T) {
	env := newTestEnv(t)
	token := env.adminToken()
	repo := "test/refcount"

	layer := env.pushBlob(repo, []byte("referenced layer"), token)
	dgst, _ := env.pushManifest(repo, "v1", token, layer)

	blobURL, err := env.builder.BuildBlobURL(repo, layer)
	if err != nil {
		t.Fatalf("unexpected error building blob url: %v", err)
	}

	// The layer is pinned by the manifest.
	resp := env.request(http.MethodDelete, blobURL, nil, token)
	defer resp.Body.Close()
	checkResponse(t, "deleting referenced blob", resp, http.StatusConflict)
	checkErrorCode(t, resp, "BLOB_REFERENCED")

	manifestURL, err := env.builder.BuildManifestURL(repo, dgst.String())
	if err != nil {
		t.Fatalf("unexpected error building manifest url: %v", err)
	}
	resp = env.request(http.MethodDelete, manifestURL, nil, token)
	defer resp.Body.Close()
	checkResponse(t, "deleting manifest", resp, http.StatusNoContent)

	resp = env.request(http.MethodGet, manifestURL, nil, token)
	defer resp.Body.Close()
	checkResponse(t, "fetching deleted manifest", resp, http.StatusNotFound)

	// The delete cascade already removed the layer along with its last
	// reference.
	resp = env.request(http.MethodGet, blobURL, nil, token)
	defer resp.Body.Close()
	checkResponse(t, "fetching released blob", resp, http.StatusNotFound)
	checkErrorCode(t, resp, "BLOB_UNKNOWN")

	resp = env.request(http.MethodDelete, blobURL, nil, token)
	defer resp.Body.Close()
	checkResponse(t, "deleting released blob", resp, http.StatusNotFound)
	checkErrorCode(t, resp, "BLOB_UNKNOWN")
}

func TestTagDelete(t *testing.T) {
	env := newTestEnv(t)
	token := env.adminToken()
	repo := "test/tagdelete"

	layer := env.pushBlob(repo, []byte("tagged layer"), token)
	dgst, _ := env.pushManifest(repo, "stable", token, layer)

	tagURL := env.server.URL + "/v2/" + repo + "/tags/stable"
	resp := env.request(http.MethodDelete, tagURL, nil, token)
	defer resp.Body.Close()
	checkResponse(t, "deleting tag", resp, http.StatusAccepted)

	// The manifest stays addressable by digest.
	manifestURL, err := env.builder.BuildManifestURL(repo, dgst.String())
	if err != nil {
		t.Fatalf("unexpected error building manifest url: %v", err)
	}
	resp = env.request(http.MethodGet, manifestURL, nil, token)
	defer resp.Body.Close()
	checkResponse(t, "fetching manifest after tag delete", resp, http.StatusOK)

	tagResolveURL, err := env.builder.BuildManifestURL(repo, "stable")
	if err != nil {
		t.Fatalf("unexpected error building manifest url: %v", err)
	}
	resp = env.request(http.MethodGet, tagResolveURL, nil, token)
	defer resp.Body.Close()
	checkResponse(t, "resolving deleted tag", resp, http.StatusNotFound)

	resp = env.request(http.MethodDelete, tagURL, nil, token)
	defer resp.Body.Close()
	checkResponse(t, "deleting absent tag", resp, http.StatusNotFound)
	checkErrorCode(t, resp, "MANIFEST_UNKNOWN")
}

func TestTagsPagination(t *testing.T) {
	env := newTestEnv(t)
	token := env.adminToken()
	repo := "test/tags"

	layer := env.pushBlob(repo, []byte("paging layer"), token)
	for _, tag := range []string{"delta", "alpha", "echo", "bravo", "charlie"} {
		env.pushManifest(repo, tag, token, layer)
	}

	fetch := func(values url.Values) (tags []string, link string) {
		t.Helper()
		tagsURL, err := env.builder.BuildTagsURL(repo, values)
		if err != nil {
			t.Fatalf("unexpected error building tags url: %v", err)
		}
		resp := env.request(http.MethodGet, tagsURL, nil, token)
		defer resp.Body.Close()
		checkResponse(t, "listing tags", resp, http.StatusOK)
		var body struct {
			Name string   `json:"name"`
			Tags []string `json:"tags"`
		}
		if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
			t.Fatalf("unexpected error decoding tags body: %v", err)
		}
		if body.Name != repo {
			t.Errorf("unexpected name in tags body: %q", body.Name)
		}
		return body.Tags, resp.Header.Get("Link")
	}

	tags, link := fetch(nil)
	expected := []string{"alpha", "bravo", "charlie", "delta", "echo"}
	if strings.Join(tags, ",") != strings.Join(expected, ",") {
		t.Fatalf("unexpected full tag list: %v", tags)
	}
	if link != "" {
		t.Errorf("unexpected Link header on unpaged response: %q", link)
	}

	tags, link = fetch(url.Values{"n": []string{"2"}})
	if strings.Join(tags, ",") != "alpha,bravo" {
		t.Fatalf("unexpected first page: %v", tags)
	}
	if !strings.Contains(link, `rel="next"`) || !strings.Contains(link, "last=bravo") {
		t.Fatalf("unexpected Link header: %q", link)
	}

	tags, link = fetch(url.Values{"n": []string{"2"}, "last": []string{"bravo"}})
	if strings.Join(tags, ",") != "charlie,delta" {
		t.Fatalf("unexpected second page: %v", tags)
	}

	tags, link = fetch(url.Values{"n": []string{"2"}, "last": []string{"delta"}})
	if strings.Join(tags, ",") != "echo" {
		t.Fatalf("unexpected final page: %v", tags)
	}
	if link != "" {
		t.Errorf("unexpected Link header on final page: %q", link)
	}

	tagsURL, err := env.builder.BuildTagsURL(repo, url.Values{"n": []string{"-1"}})
	if err != nil {
		t.Fatalf("unexpected error building tags url: %v", err)
	}
	resp := env.request(http.MethodGet, tagsURL, nil, token)
	defer resp.Body.Close()
	checkResponse(t, "listing tags with negative n", resp, http.StatusBadRequest)
	checkErrorCode(t, resp, "PAGINATION_NUMBER_INVALID")
}

func TestAnonymousAccess(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	token := env.adminToken()

	if _, err := env.registry.CreateRepository(ctx, "public/app", true); err != nil {
		t.Fatalf("unexpected error creating repository: %v", err)
	}
	dgst := env.pushBlob("public/app", []byte("public layer"), token)

	env.pushBlob("private/app", []byte("private layer"), token)

	publicURL, err := env.builder.BuildBlobURL("public/app", dgst)
	if err != nil {
		t.Fatalf("unexpected error building blob url: %v", err)
	}
	resp := env.request(http.MethodGet, publicURL, nil, "")
	defer resp.Body.Close()
	checkResponse(t, "anonymous public pull", resp, http.StatusOK)

	privateURL, err := env.builder.BuildBlobURL("private/app", dgst)
	if err != nil {
		t.Fatalf("unexpected error building blob url: %v", err)
	}
	resp = env.request(http.MethodGet, privateURL, nil, "")
	defer resp.Body.Close()
	checkResponse(t, "anonymous private pull", resp, http.StatusUnauthorized)
	challenge := resp.Header.Get("WWW-Authenticate")
	if !strings.Contains(challenge, `scope="repository:private/app:pull"`) {
		t.Errorf("challenge missing scope: %q", challenge)
	}

	uploadURL, err := env.builder.BuildBlobUploadURL("public/app", nil)
	if err != nil {
		t.Fatalf("unexpected error building upload url: %v", err)
	}
	resp = env.request(http.MethodPost, uploadURL, nil, "")
	defer resp.Body.Close()
	checkResponse(t, "anonymous push", resp, http.StatusUnauthorized)
}

func TestScopeEnforcement(t *testing.T) {
	env := newTestEnv(t)

	env.pushBlob("team/app", []byte("scoped layer"), env.adminToken())
	dgst := digest.Canonical.FromBytes([]byte("scoped layer"))

	pullOnly := env.userToken("user-1", auth.Scope{"team/app": auth.ActionPull})

	blobURL, err := env.builder.BuildBlobURL("team/app", dgst)
	if err != nil {
		t.Fatalf("unexpected error building blob url: %v", err)
	}
	resp := env.request(http.MethodGet, blobURL, nil, pullOnly)
	defer resp.Body.Close()
	checkResponse(t, "pull with pull grant", resp, http.StatusOK)

	uploadURL, err := env.builder.BuildBlobUploadURL("team/app", nil)
	if err != nil {
		t.Fatalf("unexpected error building upload url: %v", err)
	}
	resp = env.request(http.MethodPost, uploadURL, nil, pullOnly)
	defer resp.Body.Close()
	checkResponse(t, "push with pull grant", resp, http.StatusForbidden)
	checkErrorCode(t, resp, "DENIED")

	otherRepo, err := env.builder.BuildBlobURL("other/app", dgst)
	if err != nil {
		t.Fatalf("unexpected error building blob url: %v", err)
	}
	env.pushBlob("other/app", []byte("scoped layer"), env.adminToken())
	resp = env.request(http.MethodGet, otherRepo, nil, pullOnly)
	defer resp.Body.Close()
	checkResponse(t, "pull outside granted repo", resp, http.StatusForbidden)
}

func TestRegisterLoginTokenFlow(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	registerURL := env.server.URL + "/v2/auth/register"
	body := strings.NewReader(`{"email":"dev@example.com","password":"hunter22"}`)
	resp := env.request(http.MethodPost, registerURL, body, "")
	defer resp.Body.Close()
	checkResponse(t, "registering user", resp, http.StatusCreated)

	// Duplicate registration conflicts.
	body = strings.NewReader(`{"email":"dev@example.com","password":"hunter22"}`)
	resp = env.request(http.MethodPost, registerURL, body, "")
	defer resp.Body.Close()
	checkResponse(t, "re-registering user", resp, http.StatusConflict)

	// Weak passwords are rejected.
	body = strings.NewReader(`{"email":"weak@example.com","password":"short1"}`)
	resp = env.request(http.MethodPost, registerURL, body, "")
	defer resp.Body.Close()
	checkResponse(t, "registering weak password", resp, http.StatusBadRequest)

	user, err := env.registry.Metadata().FindUserByEmail(ctx, "dev@example.com")
	if err != nil {
		t.Fatalf("unexpected error finding registered user: %v", err)
	}
	if err := bcrypt.CompareHashAndPassword([]byte(user.Password), []byte("hunter22")); err != nil {
		t.Errorf("stored hash does not match password: %v", err)
	}

	repoRow, err := env.registry.Metadata().CreateRepository(ctx, "dev/app", false)
	if err != nil {
		t.Fatalf("unexpected error creating repository: %v", err)
	}
	if err := env.registry.Metadata().GrantScope(ctx, user.ID, repoRow.ID, true, true, false); err != nil {
		t.Fatalf("unexpected error granting scope: %v", err)
	}

	loginReq, err := http.NewRequest(http.MethodPost, env.server.URL+"/v2/auth/login", nil)
	if err != nil {
		t.Fatalf("unexpected error creating login request: %v", err)
	}
	loginReq.SetBasicAuth("dev@example.com", "hunter22")
	resp = env.do(loginReq, "")
	defer resp.Body.Close()
	checkResponse(t, "logging in", resp, http.StatusOK)

	var tokenBody struct {
		Token       string `json:"token"`
		AccessToken string `json:"access_token"`
		ExpiresIn   int64  `json:"expires_in"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&tokenBody); err != nil {
		t.Fatalf("unexpected error decoding token body: %v", err)
	}
	if tokenBody.Token == "" || tokenBody.Token != tokenBody.AccessToken {
		t.Fatalf("unexpected token body: %+v", tokenBody)
	}
	if tokenBody.ExpiresIn != 86400 {
		t.Errorf("unexpected token lifetime: %d", tokenBody.ExpiresIn)
	}

	// The JSON body form works without an Authorization header.
	body = strings.NewReader(`{"email":"dev@example.com","password":"hunter22"}`)
	resp = env.request(http.MethodPost, env.server.URL+"/v2/auth/login", body, "")
	defer resp.Body.Close()
	checkResponse(t, "logging in with json body", resp, http.StatusOK)

	body = strings.NewReader(`{"email":"dev@example.com","password":"wrong"}`)
	resp = env.request(http.MethodPost, env.server.URL+"/v2/auth/login", body, "")
	defer resp.Body.Close()
	checkResponse(t, "logging in with bad password", resp, http.StatusUnauthorized)

	// The issued token carries the user's push grant.
	uploadURL, err := env.builder.BuildBlobUploadURL("dev/app", nil)
	if err != nil {
		t.Fatalf("unexpected error building upload url: %v", err)
	}
	resp = env.request(http.MethodPost, uploadURL, nil, tokenBody.Token)
	defer resp.Body.Close()
	checkResponse(t, "pushing with issued token", resp, http.StatusAccepted)
}

func TestTokenEndpointScopeSubsetting(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	hash, err := bcrypt.GenerateFromPassword([]byte("secret"), bcrypt.MinCost)
	if err != nil {
		t.Fatalf("unexpected error hashing password: %v", err)
	}
	user, err := env.registry.Metadata().CreateUser(ctx, "puller@example.com", string(hash), false)
	if err != nil {
		t.Fatalf("unexpected error creating user: %v", err)
	}
	repoRow, err := env.registry.Metadata().CreateRepository(ctx, "limited/app", false)
	if err != nil {
		t.Fatalf("unexpected error creating repository: %v", err)
	}
	if err := env.registry.Metadata().GrantScope(ctx, user.ID, repoRow.ID, true, false, false); err != nil {
		t.Fatalf("unexpected error granting scope: %v", err)
	}

	// Anonymous token requests are challenged.
	tokenURL := env.server.URL + "/v2/auth/token?scope=" + url.QueryEscape("repository:limited/app:pull")
	resp := env.request(http.MethodGet, tokenURL, nil, "")
	defer resp.Body.Close()
	checkResponse(t, "anonymous token request", resp, http.StatusUnauthorized)

	// A push request from a pull-only user is downgraded to pull.
	tokenURL = env.server.URL + "/v2/auth/token?scope=" + url.QueryEscape("repository:limited/app:push")
	req, err := http.NewRequest(http.MethodGet, tokenURL, nil)
	if err != nil {
		t.Fatalf("unexpected error creating token request: %v", err)
	}
	req.SetBasicAuth("puller@example.com", "secret")
	resp = env.do(req, "")
	defer resp.Body.Close()
	checkResponse(t, "requesting token", resp, http.StatusOK)

	var tokenBody struct {
		Token string `json:"token"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&tokenBody); err != nil {
		t.Fatalf("unexpected error decoding token body: %v", err)
	}

	claims, err := env.issuer.Verify(tokenBody.Token)
	if err != nil {
		t.Fatalf("unexpected error verifying issued token: %v", err)
	}
	if !claims.Grants("limited/app", auth.ActionPull) {
		t.Error("issued token missing pull grant")
	}
	if claims.Grants("limited/app", auth.ActionPush) {
		t.Error("issued token carries ungranted push")
	}
}

func TestRepositoriesEndpoint(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	token := env.adminToken()

	if _, err := env.registry.CreateRepository(ctx, "public/one", true); err != nil {
		t.Fatalf("unexpected error creating repository: %v", err)
	}
	env.pushBlob("private/two", []byte("private data"), token)

	listURL := env.server.URL + "/repositories"

	fetch := func(tok string) []string {
		t.Helper()
		resp := env.request(http.MethodGet, listURL, nil, tok)
		defer resp.Body.Close()
		checkResponse(t, "listing repositories", resp, http.StatusOK)
		var summaries []struct {
			Name string `json:"name"`
		}
		if err := json.NewDecoder(resp.Body).Decode(&summaries); err != nil {
			t.Fatalf("unexpected error decoding repositories body: %v", err)
		}
		names := make([]string, 0, len(summaries))
		for _, s := range summaries {
			names = append(names, s.Name)
		}
		return names
	}

	anonymous := fetch("")
	if strings.Join(anonymous, ",") != "public/one" {
		t.Errorf("anonymous listing leaked private repositories: %v", anonymous)
	}

	admin := fetch(token)
	if len(admin) != 2 {
		t.Errorf("admin listing missing repositories: %v", admin)
	}
}

func TestRepositoryCreateEndpoint(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	createURL := env.server.URL + "/repositories/shared/tools/true"

	resp := env.request(http.MethodPost, createURL, nil, "")
	defer resp.Body.Close()
	checkResponse(t, "anonymous create", resp, http.StatusUnauthorized)

	user := env.userToken("user-2", auth.Scope{})
	resp = env.request(http.MethodPost, createURL, nil, user)
	defer resp.Body.Close()
	checkResponse(t, "non-admin create", resp, http.StatusForbidden)

	resp = env.request(http.MethodPost, createURL, nil, env.adminToken())
	defer resp.Body.Close()
	checkResponse(t, "admin create", resp, http.StatusCreated)

	repo, err := env.registry.Repository(ctx, "shared/tools")
	if err != nil {
		t.Fatalf("unexpected error resolving created repository: %v", err)
	}
	if !repo.IsPublic() {
		t.Error("created repository is not public")
	}
}
