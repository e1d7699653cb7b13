package catalog

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
)

const maxManifestSize = 10 << 20

var ErrInvalidManifest = errors.New("invalid manifest")

// Manifest lists the videos an edge node should hold, grouped into sections.
type Manifest struct {
	Name     string    `json:"name"`
	Date     string    `json:"date"`
	Version  string    `json:"version"`
	Sections []Section `json:"sections"`
}

type Section struct {
	Name    string  `json:"name"`
	Content []Video `json:"content"`
}

type Video struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	URI      string `json:"uri"`
	SHA256   string `json:"sha256,omitempty"`
	FileSize int64  `json:"file_size,omitempty"`
}

// Parse decodes a manifest and checks that every video can be requested.
func Parse(r io.Reader) (*Manifest, error) {
	var m Manifest

	dec := json.NewDecoder(io.LimitReader(r, maxManifestSize))
	if err := dec.Decode(&m); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidManifest, err)
	}

	for _, s := range m.Sections {
		for _, v := range s.Content {
			if v.ID == "" || v.URI == "" {
				return nil, fmt.Errorf("%w: video %q in section %q needs an id and uri", ErrInvalidManifest, v.Name, s.Name)
			}
		}
	}

	return &m, nil
}

// NewerThan reports whether m replaces other. Dates are ISO 8601, so they
// order as strings. An identical document is never newer.
func (m *Manifest) NewerThan(other *Manifest) bool {
	if other == nil {
		return true
	}

	return m.Date > other.Date
}

// Videos returns every video once, in manifest order.
func (m *Manifest) Videos() []Video {
	seen := make(map[string]struct{})

	var videos []Video

	for _, s := range m.Sections {
		for _, v := range s.Content {
			if _, ok := seen[v.ID]; ok {
				continue
			}

			seen[v.ID] = struct{}{}
			videos = append(videos, v)
		}
	}

	return videos
}
