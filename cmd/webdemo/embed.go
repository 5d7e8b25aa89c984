package main

import _ "embed"

// embeddedConfig holds the YAML tunables embedded at build time. A config
// file passed with --config and the environment both take precedence.
//
//go:embed embed_config.yaml
var embeddedConfig []byte
