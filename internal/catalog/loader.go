package catalog

import (
	"bytes"
	"fmt"
	"io"
	"os"

	"gopkg.in/yaml.v3"
)

const maxCatalogFileSize = 4 * 1024 * 1024

type catalogFile struct {
	Goals []Goal `yaml:"goals"`
}

// Load reads a goals file from disk.
func Load(path string) (*Catalog, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open goals file: %w", err)
	}
	defer f.Close()

	data, err := io.ReadAll(io.LimitReader(f, maxCatalogFileSize+1))
	if err != nil {
		return nil, fmt.Errorf("failed to read goals file: %w", err)
	}
	if len(data) > maxCatalogFileSize {
		return nil, fmt.Errorf("goals file too large (max %d bytes)", maxCatalogFileSize)
	}

	c, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return c, nil
}

// Parse decodes a goals document. Unknown fields are rejected so typos in
// tool declarations fail loudly.
func Parse(data []byte) (*Catalog, error) {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)

	var file catalogFile
	if err := dec.Decode(&file); err != nil && err != io.EOF {
		return nil, fmt.Errorf("failed to parse goals: %w", err)
	}
	if len(file.Goals) == 0 {
		return nil, fmt.Errorf("no goals defined")
	}
	return New(file.Goals...)
}
