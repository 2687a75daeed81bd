package adapter

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// ManifestFile is the name of a fixture directory's manifest.
const ManifestFile = "fixture.yaml"

// Manifest lists the files of a fixture directory.
//
//	coalesce: true
//	documents: [posts.json, comments.json]
//	routes:
//	  /posts/1/comments: post-1-comments.json
//	failures:
//	  post:9: server unavailable
type Manifest struct {
	Coalesce  bool              `yaml:"coalesce"`
	Documents []string          `yaml:"documents"`
	Routes    map[string]string `yaml:"routes"`
	Failures  map[string]string `yaml:"failures"`
}

// LoadDir builds a fixture from a directory holding a fixture.yaml
// manifest and the JSON documents it names. Paths are relative to dir.
func LoadDir(dir string) (*Fixture, error) {
	raw, err := os.ReadFile(filepath.Join(dir, ManifestFile))
	if err != nil {
		return nil, fmt.Errorf("read fixture manifest: %w", err)
	}

	var m Manifest
	dec := yaml.NewDecoder(bytes.NewReader(raw))
	dec.KnownFields(true)
	if err := dec.Decode(&m); err != nil {
		return nil, fmt.Errorf("parse %s: %w", ManifestFile, err)
	}

	f := New()
	if err := f.Apply(m, dir); err != nil {
		return nil, err
	}
	return f, nil
}

// Apply loads the files named by m, resolved against dir.
func (f *Fixture) Apply(m Manifest, dir string) error {
	f.SetCoalesce(m.Coalesce)
	for _, name := range m.Documents {
		raw, err := os.ReadFile(filepath.Join(dir, name))
		if err != nil {
			return fmt.Errorf("read document %s: %w", name, err)
		}
		if err := f.AddDocument(raw); err != nil {
			return fmt.Errorf("%s: %w", name, err)
		}
	}
	for link, name := range m.Routes {
		raw, err := os.ReadFile(filepath.Join(dir, name))
		if err != nil {
			return fmt.Errorf("read route %s: %w", link, err)
		}
		if err := f.Route(link, raw); err != nil {
			return err
		}
	}
	for match, msg := range m.Failures {
		f.Fail(match, errors.New(msg))
	}
	return nil
}
