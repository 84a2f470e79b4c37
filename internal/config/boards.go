package config

import (
	_ "embed"
	"fmt"

	"gopkg.in/yaml.v3"
)

//go:embed boards.yaml
var boardsSource []byte

// BoardAllowlist maps a site key to the boards this deployment accepts
// watches on (SPEC_FULL.md §F). Kept on YAML rather than CUE: the
// shape is a flat map of string slices with no cross-field validation,
// the smaller config surface the teacher's own internal/cli reaches
// for when a schema doesn't need CUE's validation power.
type BoardAllowlist map[string][]string

// LoadBoardAllowlist decodes the embedded boards.yaml.
func LoadBoardAllowlist() (BoardAllowlist, error) {
	var allow BoardAllowlist
	if err := yaml.Unmarshal(boardsSource, &allow); err != nil {
		return nil, fmt.Errorf("config: decode boards.yaml: %w", err)
	}
	return allow, nil
}

// For returns the allowlist for siteName, or nil if the site is unknown.
func (b BoardAllowlist) For(siteName string) []string {
	return b[siteName]
}
