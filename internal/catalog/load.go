package catalog

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"viralsandbox/internal/model"
	"viralsandbox/internal/simerr"
)

// Format names a catalog document encoding.
type Format string

const (
	FormatJSON Format = "json"
	FormatYAML Format = "yaml"
)

// FormatForPath picks the encoding from a file extension. Anything that is
// not .yaml or .yml is read as JSON.
func FormatForPath(path string) Format {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return FormatYAML
	default:
		return FormatJSON
	}
}

// Decode reads a catalog document without validating it.
func Decode(data []byte, format Format) (model.CatalogDocument, error) {
	var doc model.CatalogDocument
	switch format {
	case FormatJSON:
		dec := json.NewDecoder(bytes.NewReader(data))
		dec.DisallowUnknownFields()
		if err := dec.Decode(&doc); err != nil {
			return model.CatalogDocument{}, simerr.Wrap(simerr.KindInvalidCatalog, "", err, "decode json catalog")
		}
	case FormatYAML:
		dec := yaml.NewDecoder(bytes.NewReader(data))
		dec.KnownFields(true)
		if err := dec.Decode(&doc); err != nil {
			return model.CatalogDocument{}, simerr.Wrap(simerr.KindInvalidCatalog, "", err, "decode yaml catalog")
		}
	default:
		return model.CatalogDocument{}, fmt.Errorf("unsupported catalog format: %s", format)
	}
	return doc, nil
}

// Parse decodes and validates a catalog document.
func Parse(data []byte, format Format) (*Catalog, error) {
	doc, err := Decode(data, format)
	if err != nil {
		return nil, err
	}
	return New(doc)
}

// LoadFile reads the catalog at path, choosing the format by extension.
func LoadFile(path string) (*Catalog, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read catalog %s: %w", path, err)
	}
	cat, err := Parse(data, FormatForPath(path))
	if err != nil {
		return nil, fmt.Errorf("load catalog %s: %w", path, err)
	}
	return cat, nil
}
