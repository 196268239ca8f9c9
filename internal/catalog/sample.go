package catalog

import (
	_ "embed"
	"fmt"
)

//go:embed sample/sandbox.yaml
var sampleYAML []byte

// SampleYAML returns the bundled starter catalog document.
func SampleYAML() []byte {
	return append([]byte(nil), sampleYAML...)
}

// Sample parses the bundled starter catalog.
func Sample() (*Catalog, error) {
	cat, err := Parse(sampleYAML, FormatYAML)
	if err != nil {
		return nil, fmt.Errorf("sample catalog: %w", err)
	}
	return cat, nil
}
