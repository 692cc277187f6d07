package manifest

import (
	"strings"
	"testing"

	v1 "github.com/opencontainers/image-spec/specs-go/v1"
)

const sampleManifest = `{
  "schemaVersion": 2,
  "mediaType": "application/vnd.docker.distribution.manifest.v2+json",
  "config": {
    "mediaType": "application/vnd.docker.container.image.v1+json",
    "size": 7023,
    "digest": "sha256:b5b2b2c507a0944348e0303114d8d93aaaa081732b86451d9bce1f432a537bc7"
  },
  "layers": [
    {
      "mediaType": "application/vnd.docker.image.rootfs.diff.tar.gzip",
      "size": 32654,
      "digest": "sha256:e692418e4cbaf90ca69d05a66403747baa33ee08806650b51fab815ad7fc331f"
    },
    {
      "mediaType": "application/vnd.docker.image.rootfs.diff.tar.gzip",
      "size": 16724,
      "digest": "sha256:3c3a4604a545cdc127456d94e421cd355bca5b528f4a9c1905b15da2eb4a4c6b"
    }
  ],
  "annotations": {"org.example.key": "value"}
}`

func TestParse(t *testing.T) {
	m, err := Parse([]byte(sampleManifest))
	if err != nil {
		t.Fatalf("unexpected error parsing manifest: %v", err)
	}
	if m.SchemaVersion != 2 {
		t.Errorf("unexpected schema version: %d", m.SchemaVersion)
	}
	if m.MediaType != MediaTypeManifest {
		t.Errorf("unexpected media type: %q", m.MediaType)
	}
	if len(m.Layers) != 2 {
		t.Fatalf("unexpected layer count: %d", len(m.Layers))
	}
	if m.Layers[0].Size != 32654 {
		t.Errorf("unexpected layer size: %d", m.Layers[0].Size)
	}
	if m.Annotations["org.example.key"] != "value" {
		t.Errorf("annotations not preserved: %v", m.Annotations)
	}
}

func TestParseDefaultsToOCIMediaType(t *testing.T) {
	body := strings.Replace(sampleManifest,
		`"mediaType": "application/vnd.docker.distribution.manifest.v2+json",`, "", 1)
	m, err := Parse([]byte(body))
	if err != nil {
		t.Fatalf("unexpected error parsing manifest: %v", err)
	}
	if m.MediaType != v1.MediaTypeImageManifest {
		t.Errorf("unexpected default media type: %q", m.MediaType)
	}
}

func TestParseRejects(t *testing.T) {
	for _, tc := range []struct {
		name string
		body string
	}{
		{"not json", "not a manifest"},
		{"wrong schema version", strings.Replace(sampleManifest, `"schemaVersion": 2`, `"schemaVersion": 1`, 1)},
		{"unknown media type", strings.Replace(sampleManifest, MediaTypeManifest, "application/octet-stream", 1)},
		{"bad layer digest", strings.Replace(sampleManifest, "sha256:e692418e4cbaf90ca69d05a66403747baa33ee08806650b51fab815ad7fc331f", "sha256:nothex", 1)},
	} {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := Parse([]byte(tc.body)); err == nil {
				t.Fatal("expected parse error")
			} else if _, ok := err.(InvalidError); !ok {
				t.Fatalf("expected InvalidError, got %T", err)
			}
		})
	}
}
