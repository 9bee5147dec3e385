// Copyright (c) 2025 Darren Soothill
// Licensed under the MIT License

package config

import (
	_ "embed"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/xeipuuv/gojsonschema"
	"gopkg.in/yaml.v3"

	"github.com/soothill/sensorpush-logger/pkg/errors"
	"github.com/soothill/sensorpush-logger/pkg/util"
)

//go:embed schema.json
var schemaJSON []byte

// ValidateWithSchema checks the structure and value ranges of a YAML or JSON
// configuration file against the embedded JSON schema. It runs before
// defaults and environment overrides are applied, so it only sees what the
// file itself contains.
func ValidateWithSchema(configPath string) error {
	configData, err := util.ReadFileSafely(configPath)
	if err != nil {
		return fmt.Errorf("failed to read config: %w", err)
	}
	return ValidateSchemaBytes(configData)
}

// ValidateSchemaBytes validates a YAML or JSON document against the schema.
func ValidateSchemaBytes(configData []byte) error {
	var configObj interface{}
	if err := yaml.Unmarshal(configData, &configObj); err != nil {
		return fmt.Errorf("failed to parse config YAML: %w", err)
	}
	if configObj == nil {
		configObj = map[string]interface{}{}
	}

	// JSON schema validation works on JSON, and YAML is a superset.
	configJSON, err := json.Marshal(configObj)
	if err != nil {
		return fmt.Errorf("failed to convert config to JSON: %w", err)
	}

	result, err := gojsonschema.Validate(
		gojsonschema.NewBytesLoader(schemaJSON),
		gojsonschema.NewBytesLoader(configJSON),
	)
	if err != nil {
		return fmt.Errorf("schema validation failed: %w", err)
	}

	if !result.Valid() {
		return formatValidationErrors(result.Errors())
	}
	return nil
}

// formatValidationErrors lists every schema violation in one ConfigError.
func formatValidationErrors(resultErrors []gojsonschema.ResultError) error {
	if len(resultErrors) == 0 {
		return nil
	}

	var msg strings.Builder
	msg.WriteString("configuration validation errors:\n")
	for i, err := range resultErrors {
		fmt.Fprintf(&msg, "  %d. %s: %s\n", i+1, err.Field(), err.Description())
	}

	return errors.NewConfigError("schema", "", fmt.Errorf("%w: %s", errors.ErrInvalidConfig, msg.String()))
}

// GetSchemaJSON returns the embedded JSON schema as a string.
func GetSchemaJSON() string {
	return string(schemaJSON)
}
