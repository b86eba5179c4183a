// Package config loads, saves and watches the daemon configuration file.
//
// The format follows the file extension: .yaml/.yml, .toml or .json. Keys
// missing from the file keep their defaults; unknown keys are rejected.
package config

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/BurntSushi/toml"
	yamlv3 "gopkg.in/yaml.v3"

	"github.com/msageha/mergequeue/internal/model"
)

// DefaultFileName is the config file looked up in the state directory.
const DefaultFileName = "config.yaml"

type Format string

const (
	FormatYAML Format = "yaml"
	FormatTOML Format = "toml"
	FormatJSON Format = "json"
)

// FormatFor returns the format implied by path's extension.
func FormatFor(path string) (Format, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return FormatYAML, nil
	case ".toml":
		return FormatTOML, nil
	case ".json":
		return FormatJSON, nil
	}
	return "", model.NewError(model.KindConfig, "unsupported config extension %q (want .yaml, .yml, .toml or .json)", filepath.Ext(path))
}

// Load reads path over the defaults and validates the result. A missing file
// yields the defaults.
func Load(path string) (model.Config, error) {
	format, err := FormatFor(path)
	if err != nil {
		return model.Config{}, err
	}

	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return model.DefaultConfig(), nil
	}
	if err != nil {
		return model.Config{}, model.WrapError(model.KindConfig, err, "read %s", path)
	}

	cfg, err := Parse(data, format)
	if err != nil {
		return model.Config{}, model.WrapError(model.KindConfig, err, "parse %s", path)
	}
	if err := cfg.Validate(); err != nil {
		return model.Config{}, err
	}
	return cfg, nil
}

// Parse decodes data over the defaults without validating.
func Parse(data []byte, format Format) (model.Config, error) {
	cfg := model.DefaultConfig()
	if len(bytes.TrimSpace(data)) == 0 {
		return cfg, nil
	}

	switch format {
	case FormatYAML:
		dec := yamlv3.NewDecoder(bytes.NewReader(data))
		dec.KnownFields(true)
		if err := dec.Decode(&cfg); err != nil {
			return model.Config{}, fmt.Errorf("yaml decode: %w", err)
		}
	case FormatTOML:
		meta, err := toml.Decode(string(data), &cfg)
		if err != nil {
			return model.Config{}, fmt.Errorf("toml decode: %w", err)
		}
		if undecoded := meta.Undecoded(); len(undecoded) > 0 {
			keys := make([]string, len(undecoded))
			for i, k := range undecoded {
				keys[i] = k.String()
			}
			sort.Strings(keys)
			return model.Config{}, fmt.Errorf("toml decode: unknown keys %s", strings.Join(keys, ", "))
		}
	case FormatJSON:
		dec := json.NewDecoder(bytes.NewReader(data))
		dec.DisallowUnknownFields()
		if err := dec.Decode(&cfg); err != nil {
			return model.Config{}, fmt.Errorf("json decode: %w", err)
		}
	default:
		return model.Config{}, fmt.Errorf("unknown format %q", format)
	}
	return cfg, nil
}

// Marshal encodes cfg in format.
func Marshal(cfg model.Config, format Format) ([]byte, error) {
	switch format {
	case FormatYAML:
		return yamlv3.Marshal(cfg)
	case FormatTOML:
		var buf bytes.Buffer
		if err := toml.NewEncoder(&buf).Encode(cfg); err != nil {
			return nil, err
		}
		return buf.Bytes(), nil
	case FormatJSON:
		data, err := json.MarshalIndent(cfg, "", "  ")
		if err != nil {
			return nil, err
		}
		return append(data, '\n'), nil
	}
	return nil, fmt.Errorf("unknown format %q", format)
}

// Save validates cfg and writes it to path atomically, keeping the previous
// file as path.bak.
func Save(path string, cfg model.Config) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	format, err := FormatFor(path)
	if err != nil {
		return err
	}
	content, err := Marshal(cfg, format)
	if err != nil {
		return model.WrapError(model.KindConfig, err, "encode %s", path)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("create config dir: %w", err)
	}
	return atomicWrite(path, content, format)
}

// WriteRaw writes hand-authored config text to path atomically after checking
// that it parses and validates in path's format.
func WriteRaw(path string, content []byte) error {
	format, err := FormatFor(path)
	if err != nil {
		return err
	}
	cfg, err := Parse(content, format)
	if err != nil {
		return model.WrapError(model.KindConfig, err, "parse %s", path)
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("create config dir: %w", err)
	}
	return atomicWrite(path, content, format)
}
