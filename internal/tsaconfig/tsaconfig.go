// Package tsaconfig reads the timestamping pipeline's TSA list and
// defaults, adapted from config/config.go's LoadConfig/ParseConfig
// (YAML file, via gopkg.in/yaml.v3) combined with the `timestamping.tsaN.*`
// per-repository overrides read from .git/config through internal/vcsrepo.
package tsaconfig

import (
	"fmt"
	"os"
	"strconv"

	"gopkg.in/yaml.v3"

	"github.com/georgepadayatti/tstamp/internal/appcheck"
)

// TSA describes one timestamp authority this repository commits against.
type TSA struct {
	URL      string `yaml:"url" json:"url"`
	Optional bool   `yaml:"optional" json:"optional,omitempty"`
}

// Defaults is the process-wide YAML defaults file (e.g. /etc/tstamp.yaml
// or ~/.config/tstamp/config.yaml), overridden per-repository by
// `timestamping.tsaN.*` config keys.
type Defaults struct {
	TSAs            []TSA  `yaml:"tsas"`
	FixedPointBound int    `yaml:"fixed-point-bound"`
	HashAlgorithm   string `yaml:"hash-algorithm"`
}

// DefaultFixedPointBound is spec.md §4.8's bound on the orchestrator's
// fixed-point loop before it fails with FixedPointDiverged.
const DefaultFixedPointBound = 4

// LoadDefaults loads a Defaults file, applying built-in defaults for any
// field the file leaves zero.
func LoadDefaults(filename string) (*Defaults, error) {
	data, err := os.ReadFile(filename)
	if err != nil {
		if os.IsNotExist(err) {
			return &Defaults{FixedPointBound: DefaultFixedPointBound, HashAlgorithm: "sha256"}, nil
		}
		return nil, fmt.Errorf("read defaults file: %w", err)
	}
	return ParseDefaults(data)
}

// ParseDefaults parses a Defaults file from raw YAML bytes.
func ParseDefaults(data []byte) (*Defaults, error) {
	var d Defaults
	if err := yaml.Unmarshal(data, &d); err != nil {
		return nil, fmt.Errorf("parse defaults: %w", err)
	}
	if d.FixedPointBound == 0 {
		d.FixedPointBound = DefaultFixedPointBound
	}
	if d.HashAlgorithm == "" {
		d.HashAlgorithm = "sha256"
	}
	return &d, nil
}

// ConfigReader is the subset of vcsrepo.Repo this package depends on, so
// it can be tested without a real git repository.
type ConfigReader interface {
	GetConfigString(section, subsection, key string) (string, bool)
}

// LoadTSAs reads `timestamping.tsaN.url`/`timestamping.tsaN.optional` for
// N = 0, 1, ... stopping at the first N with no url key set (spec.md §6).
// If the repository declares no TSAs at all, falls back to defaults.TSAs.
func LoadTSAs(repo ConfigReader, defaults *Defaults) ([]TSA, error) {
	var tsas []TSA
	for n := 0; ; n++ {
		sub := "tsa" + strconv.Itoa(n)
		url, ok := repo.GetConfigString("timestamping", sub, "url")
		if !ok {
			break
		}
		if url == "" {
			return nil, appcheck.NewConfigError(fmt.Sprintf("timestamping.%s.url", sub), "must not be empty")
		}
		optional := false
		if v, ok := repo.GetConfigString("timestamping", sub, "optional"); ok {
			optional = v == "true" || v == "1" || v == "yes"
		}
		tsas = append(tsas, TSA{URL: url, Optional: optional})
	}
	if len(tsas) == 0 {
		if defaults == nil || len(defaults.TSAs) == 0 {
			return nil, appcheck.NewConfigError("timestamping.tsa0.url", "no timestamp authorities configured")
		}
		return defaults.TSAs, nil
	}
	return tsas, nil
}

// RequireAtLeastOneMandatory rejects a TSA list in which every entry is
// optional, returning a ConfigError unless at least one TSA is mandatory.
func RequireAtLeastOneMandatory(tsas []TSA) error {
	for _, t := range tsas {
		if !t.Optional {
			return nil
		}
	}
	return appcheck.NewConfigError("timestamping.tsaN.optional", "at least one configured TSA must be mandatory")
}
