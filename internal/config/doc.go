// Package config provides configuration loading and validation for the radio
// ingestion service. Configuration is YAML decoded on top of Default, with
// ${VAR} references expanded from the environment (and an optional .env file).
package config
