// SPDX-FileCopyrightText: Copyright 2025 MXCP authors
// SPDX-License-Identifier: Apache-2.0

package endpoints

import (
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

type fileDoc struct {
	MXCP     int       `yaml:"mxcp"`
	Tool     *bodyDoc  `yaml:"tool"`
	Resource *bodyDoc  `yaml:"resource"`
	Prompt   *promptDo `yaml:"prompt"`
}

type bodyDoc struct {
	Name        string         `yaml:"name"`
	URI         string         `yaml:"uri"`
	Description string         `yaml:"description"`
	Parameters  []Parameter    `yaml:"parameters"`
	Return      *TypeSpec      `yaml:"return"`
	Source      Source         `yaml:"source"`
	Scopes      []string       `yaml:"scopes"`
	Policies    Policies       `yaml:"policies"`
	Annotations map[string]any `yaml:"annotations"`
}

type promptDo struct {
	Name        string         `yaml:"name"`
	Description string         `yaml:"description"`
	Parameters  []Parameter    `yaml:"parameters"`
	Messages    []Message      `yaml:"messages"`
	Scopes      []string       `yaml:"scopes"`
	Policies    Policies       `yaml:"policies"`
	Annotations map[string]any `yaml:"annotations"`
}

// LoadDir walks dir recursively and loads every .yml/.yaml file as one
// endpoint definition. Any invalid file fails the whole load.
func LoadDir(dir string) ([]*Definition, error) {
	var defs []*Definition
	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		ext := strings.ToLower(filepath.Ext(path))
		if ext != ".yml" && ext != ".yaml" {
			return nil
		}
		def, err := LoadFile(path)
		if err != nil {
			return err
		}
		defs = append(defs, def)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to load endpoints from %s: %w", dir, err)
	}
	return defs, nil
}

// LoadFile loads and normalizes a single endpoint definition file.
func LoadFile(path string) (*Definition, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", path, err)
	}

	var raw any
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("%s: invalid YAML: %w", path, err)
	}
	if err := validateStructure(raw); err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}

	var doc fileDoc
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}

	def, err := normalize(&doc, path)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return def, nil
}

func normalize(doc *fileDoc, path string) (*Definition, error) {
	var def *Definition
	switch {
	case doc.Tool != nil:
		def = fromBody(KindTool, doc.Tool)
	case doc.Resource != nil:
		def = fromBody(KindResource, doc.Resource)
		if def.Name == "" {
			def.Name = def.URI
		}
		if err := def.compileURITemplate(); err != nil {
			return nil, err
		}
		// Template variables without an explicit declaration become
		// string parameters, so captures pass validation and are
		// bindable from SQL.
		for _, name := range def.uriVars {
			if _, ok := def.Parameter(name); !ok {
				def.Parameters = append(def.Parameters, Parameter{
					Name:     name,
					TypeSpec: TypeSpec{Type: "string"},
				})
			}
		}
	case doc.Prompt != nil:
		p := doc.Prompt
		def = &Definition{
			Kind:           KindPrompt,
			Name:           p.Name,
			Description:    p.Description,
			Parameters:     p.Parameters,
			Messages:       p.Messages,
			RequiredScopes: p.Scopes,
			Policies:       p.Policies,
			Annotations:    p.Annotations,
		}
	default:
		return nil, fmt.Errorf("no tool, resource, or prompt section")
	}
	def.SourcePath = path

	if err := checkParameters(def.Parameters); err != nil {
		return nil, err
	}

	if def.Kind != KindPrompt {
		if err := resolveSource(&def.Source, filepath.Dir(path)); err != nil {
			return nil, err
		}
	}
	return def, nil
}

func fromBody(kind Kind, b *bodyDoc) *Definition {
	return &Definition{
		Kind:           kind,
		Name:           b.Name,
		URI:            b.URI,
		Description:    b.Description,
		Parameters:     b.Parameters,
		Return:         b.Return,
		Source:         b.Source,
		RequiredScopes: b.Scopes,
		Policies:       b.Policies,
		Annotations:    b.Annotations,
	}
}

func checkParameters(params []Parameter) error {
	seen := make(map[string]bool, len(params))
	for _, p := range params {
		if seen[p.Name] {
			return fmt.Errorf("duplicate parameter %q", p.Name)
		}
		seen[p.Name] = true
	}
	return nil
}

// resolveSource reads file-referenced SQL into Source.Code so the rest of
// the system only ever sees inline code or a native name.
func resolveSource(src *Source, baseDir string) error {
	set := 0
	for _, s := range []string{src.Code, src.File, src.Native} {
		if s != "" {
			set++
		}
	}
	if set != 1 {
		return fmt.Errorf("source must set exactly one of code, file, native")
	}
	if src.File == "" {
		return nil
	}

	p := src.File
	if !filepath.IsAbs(p) {
		p = filepath.Join(baseDir, p)
	}
	data, err := os.ReadFile(p)
	if err != nil {
		return fmt.Errorf("failed to read source file %s: %w", src.File, err)
	}
	src.Code = strings.TrimSpace(string(data))
	src.File = ""
	return nil
}
