// Package manifest implements parsing and validation of image manifests in
// the schema2/OCI form: a config descriptor plus an ordered list of layer
// descriptors.
package manifest

import (
	"encoding/json"
	"fmt"

	"github.com/opencontainers/go-digest"
	v1 "github.com/opencontainers/image-spec/specs-go/v1"
)

const (
	// MediaTypeManifest is the default media type for manifests pushed by
	// docker clients.
	MediaTypeManifest = "application/vnd.docker.distribution.manifest.v2+json"

	// MediaTypeConfig is the media type used for image configs pushed by
	// docker clients.
	MediaTypeConfig = "application/vnd.docker.container.image.v1+json"

	// MediaTypeLayer is the media type used for gzipped layers pushed by
	// docker clients.
	MediaTypeLayer = "application/vnd.docker.image.rootfs.diff.tar.gzip"
)

// Descriptor describes targeted content: a media type, a size in bytes and a
// content-addressable digest.
type Descriptor struct {
	MediaType string        `json:"mediaType,omitempty"`
	Size      int64         `json:"size,omitempty"`
	Digest    digest.Digest `json:"digest,omitempty"`
}

// ImageManifest is the registry's view of a pushed manifest.
type ImageManifest struct {
	SchemaVersion int               `json:"schemaVersion"`
	MediaType     string            `json:"mediaType,omitempty"`
	Config        Descriptor        `json:"config"`
	Layers        []Descriptor      `json:"layers"`
	Annotations   map[string]string `json:"annotations,omitempty"`
}

// InvalidError is returned when a manifest body fails to parse or validate.
type InvalidError struct {
	Reason string
}

func (err InvalidError) Error() string {
	return fmt.Sprintf("invalid manifest: %s", err.Reason)
}

// Parse unmarshals and validates a manifest body. The OCI manifest media
// type is accepted alongside the docker schema2 one; an absent mediaType
// (OCI manifests may omit it) defaults to the OCI type.
func Parse(body []byte) (*ImageManifest, error) {
	var m ImageManifest
	if err := json.Unmarshal(body, &m); err != nil {
		return nil, InvalidError{Reason: err.Error()}
	}

	if m.SchemaVersion != 2 {
		return nil, InvalidError{Reason: fmt.Sprintf("unsupported schemaVersion %d", m.SchemaVersion)}
	}
	switch m.MediaType {
	case MediaTypeManifest, v1.MediaTypeImageManifest:
	case "":
		m.MediaType = v1.MediaTypeImageManifest
	default:
		return nil, InvalidError{Reason: fmt.Sprintf("unsupported mediaType %q", m.MediaType)}
	}

	for _, layer := range m.Layers {
		if err := layer.Digest.Validate(); err != nil {
			return nil, InvalidError{Reason: fmt.Sprintf("layer digest %q: %v", layer.Digest, err)}
		}
	}
	if m.Config.Digest != "" {
		if err := m.Config.Digest.Validate(); err != nil {
			return nil, InvalidError{Reason: fmt.Sprintf("config digest %q: %v", m.Config.Digest, err)}
		}
	}

	return &m, nil
}
