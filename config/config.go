// Package config loads an Options overlay for an AsyncTap from a YAML or
// TOML file on disk, for deployments that want to tune retry/cache
// behavior without a rebuild.
//
// Grounded on the teacher's own direct dependencies on gopkg.in/yaml.v2 and
// github.com/BurntSushi/toml (go.mod) and on
// internal/dependency/dependency.go's QueryOptions.Merge idiom ("merge
// user overrides onto defaults"), reimplemented here with
// github.com/imdario/mergo directly rather than hand-rolled field-by-field
// merging. Loosely-typed map decoding uses github.com/mitchellh/mapstructure;
// `~`-prefixed paths are expanded with github.com/mitchellh/go-homedir, the
// same pairing the teacher pulls in (both are teacher go.mod dependencies,
// direct and indirect respectively).
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"
	homedir "github.com/mitchellh/go-homedir"
	"github.com/mitchellh/mapstructure"
	"github.com/pkg/errors"
	"gopkg.in/yaml.v2"

	grip "github.com/owebeeone/grip-core"
)

// File is the on-disk shape of an Options overlay. Every field is optional;
// a zero value leaves the corresponding Options field untouched by Merge.
type File struct {
	CacheTtlMs            int64 `yaml:"cache_ttl_ms" toml:"cache_ttl_ms"`
	RefreshBeforeExpiryMs int64 `yaml:"refresh_before_expiry_ms" toml:"refresh_before_expiry_ms"`
	LatestOnly            *bool `yaml:"latest_only" toml:"latest_only"`
	HistorySize           *int  `yaml:"history_size" toml:"history_size"`

	Retry struct {
		MaxRetries        int     `yaml:"max_retries" toml:"max_retries"`
		InitialDelayMs    int64   `yaml:"initial_delay_ms" toml:"initial_delay_ms"`
		MaxDelayMs        int64   `yaml:"max_delay_ms" toml:"max_delay_ms"`
		BackoffMultiplier float64 `yaml:"backoff_multiplier" toml:"backoff_multiplier"`
	} `yaml:"retry" toml:"retry"`
}

// Load reads path (expanding a leading `~`), decodes it per its extension
// (.yaml/.yml or .toml), and returns the resulting File.
func Load(path string) (File, error) {
	var f File

	// decode maps the file's snake_case keys onto File through its
	// yaml/toml struct tags.
	decode := func(doc map[string]interface{}, tag string) error {
		dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{TagName: tag, Result: &f})
		if err != nil {
			return err
		}
		return dec.Decode(doc)
	}

	expanded, err := homedir.Expand(path)
	if err != nil {
		return f, errors.Wrapf(err, "config: expanding %s", path)
	}

	raw, err := os.ReadFile(expanded)
	if err != nil {
		return f, errors.Wrapf(err, "config: reading %s", expanded)
	}

	switch ext := strings.ToLower(filepath.Ext(expanded)); ext {
	case ".yaml", ".yml":
		var doc map[string]interface{}
		if err := yaml.Unmarshal(raw, &doc); err != nil {
			return f, errors.Wrapf(err, "config: parsing yaml %s", expanded)
		}
		if err := decode(doc, "yaml"); err != nil {
			return f, errors.Wrapf(err, "config: decoding yaml %s", expanded)
		}
	case ".toml":
		var doc map[string]interface{}
		if _, err := toml.Decode(string(raw), &doc); err != nil {
			return f, errors.Wrapf(err, "config: parsing toml %s", expanded)
		}
		if err := decode(doc, "toml"); err != nil {
			return f, errors.Wrapf(err, "config: decoding toml %s", expanded)
		}
	default:
		return f, fmt.Errorf("config: unsupported extension %q for %s", ext, expanded)
	}

	return f, nil
}

// Apply overlays f onto base, returning the merged Options. Fields left
// zero in f do not override base, mirroring QueryOptions.Merge's
// "non-zero overrides" behavior but delegated to mergo's WithOverride
// instead of a field-by-field switch.
func Apply(base grip.Options, f File) (grip.Options, error) {
	overlay := grip.Options{
		CacheTtlMs:            f.CacheTtlMs,
		RefreshBeforeExpiryMs: f.RefreshBeforeExpiryMs,
		LatestOnly:            f.LatestOnly,
		HistorySize:           f.HistorySize,
		Retry: grip.RetryConfig{
			MaxRetries:        f.Retry.MaxRetries,
			InitialDelayMs:    f.Retry.InitialDelayMs,
			MaxDelayMs:        f.Retry.MaxDelayMs,
			BackoffMultiplier: f.Retry.BackoffMultiplier,
		},
	}

	merged, err := grip.MergeOptions(base, overlay)
	if err != nil {
		return base, errors.Wrap(err, "config: applying overlay")
	}
	return merged, nil
}

// LoadAndApply is the common case: load path and merge it onto base.
func LoadAndApply(base grip.Options, path string) (grip.Options, error) {
	f, err := Load(path)
	if err != nil {
		return base, err
	}
	return Apply(base, f)
}
