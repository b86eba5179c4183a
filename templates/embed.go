// Package templates embeds the annotated default configuration.
package templates

import _ "embed"

// ConfigYAML is written by init-config. Its values equal model.DefaultConfig.
//
//go:embed config.yaml
var ConfigYAML []byte
