package template

import (
	"crypto/sha256"
	_ "embed"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/xeipuuv/gojsonschema"
	"gopkg.in/yaml.v3"

	"github.com/pitabwire/approvals/model"
)

//go:embed template.schema.json
var seedSchema string

// Loader scans directories for YAML template seeds, checks each document
// against the embedded JSON schema and computes SHA-256 checksums.
type Loader struct {
	schema gojsonschema.JSONLoader
}

// NewLoader creates a new template Loader.
func NewLoader() *Loader {
	return &Loader{schema: gojsonschema.NewStringLoader(seedSchema)}
}

// LoadAll recursively scans directories for *.yaml and *.yml files and parses
// each into a WorkflowTemplate.
func (l *Loader) LoadAll(directories []string) ([]model.WorkflowTemplate, error) {
	var tpls []model.WorkflowTemplate

	for _, dir := range directories {
		err := filepath.WalkDir(dir, func(path string, d os.DirEntry, err error) error {
			if err != nil {
				return err
			}
			if d.IsDir() {
				return nil
			}
			ext := strings.ToLower(filepath.Ext(path))
			if ext != ".yaml" && ext != ".yml" {
				return nil
			}

			tpl, err := l.LoadFile(path)
			if err != nil {
				return fmt.Errorf("loading %s: %w", path, err)
			}
			tpls = append(tpls, tpl)
			return nil
		})
		if err != nil {
			return nil, fmt.Errorf("scanning directory %s: %w", dir, err)
		}
	}

	return tpls, nil
}

// LoadFile loads, schema-checks and parses a single template file. A seed
// without an explicit is_active flag is active.
func (l *Loader) LoadFile(path string) (model.WorkflowTemplate, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return model.WorkflowTemplate{}, fmt.Errorf("reading %s: %w", path, err)
	}

	var raw map[string]any
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return model.WorkflowTemplate{}, fmt.Errorf("parsing %s: %w", path, err)
	}
	if err := l.checkSchema(raw); err != nil {
		return model.WorkflowTemplate{}, fmt.Errorf("%s: %w", path, err)
	}

	var tpl model.WorkflowTemplate
	if err := yaml.Unmarshal(data, &tpl); err != nil {
		return model.WorkflowTemplate{}, fmt.Errorf("parsing %s: %w", path, err)
	}
	if _, set := raw["is_active"]; !set {
		tpl.IsActive = true
	}
	tpl.Checksum = fmt.Sprintf("%x", sha256.Sum256(data))

	return tpl, nil
}

func (l *Loader) checkSchema(doc map[string]any) error {
	body, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("encoding document: %w", err)
	}
	result, err := gojsonschema.Validate(l.schema, gojsonschema.NewBytesLoader(body))
	if err != nil {
		return fmt.Errorf("schema validation failed: %w", err)
	}
	if result.Valid() {
		return nil
	}
	details := make([]model.FieldError, 0, len(result.Errors()))
	for _, e := range result.Errors() {
		details = append(details, model.FieldError{
			Field:   e.Field(),
			Code:    "SCHEMA",
			Message: e.Description(),
		})
	}
	return model.NewValidationError(details)
}
