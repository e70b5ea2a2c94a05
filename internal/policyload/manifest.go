// Package policyload imports declarative permission manifests into the rule
// store. It is the writing counterpart of the policy engine: groups, model
// access, and record rules enter the database here and nowhere else.
package policyload

import (
	"encoding/csv"
	"fmt"
	"io"
	"strings"

	"gopkg.in/yaml.v3"
)

// Manifest is one module's permission declarations.
type Manifest struct {
	Module      string            `yaml:"module"`
	Groups      []GroupDecl       `yaml:"groups"`
	RecordRules []RecordRuleDecl  `yaml:"record_rules"`
	Assignments []PrincipalGroups `yaml:"assignments"`
}

// GroupDecl declares a permission group.
type GroupDecl struct {
	ID       string   `yaml:"id"`
	Name     string   `yaml:"name"`
	Category string   `yaml:"category"`
	Implies  []string `yaml:"implies"`
	Inactive bool     `yaml:"inactive"`
}

// RecordRuleDecl declares a row-level rule.
type RecordRuleDecl struct {
	Name       string   `yaml:"name"`
	Model      string   `yaml:"model"`
	Domain     string   `yaml:"domain"`
	Global     bool     `yaml:"global"`
	Groups     []string `yaml:"groups"`
	Operations []string `yaml:"operations"`
	Priority   int      `yaml:"priority"`
	Inactive   bool     `yaml:"inactive"`
}

// PrincipalGroups declares a principal's direct group assignments.
type PrincipalGroups struct {
	PrincipalID int64    `yaml:"principal_id"`
	Groups      []string `yaml:"groups"`
}

// AccessRow is one parsed line of a CSV model-access table.
type AccessRow struct {
	Model   string
	GroupID string // empty = global
	Read    bool
	Write   bool
	Create  bool
	Delete  bool
}

// ParseManifest decodes and validates a YAML manifest. A non-global record
// rule with no linked groups is a configuration error caught here, at load
// time: the evaluator must never see one.
func ParseManifest(data []byte) (Manifest, error) {
	var m Manifest
	if err := yaml.Unmarshal(data, &m); err != nil {
		return Manifest{}, fmt.Errorf("policyload: parse manifest: %w", err)
	}
	if m.Module == "" {
		return Manifest{}, fmt.Errorf("policyload: manifest missing module name")
	}
	for _, g := range m.Groups {
		if g.ID == "" {
			return Manifest{}, fmt.Errorf("policyload: module %s declares a group without id", m.Module)
		}
	}
	for _, r := range m.RecordRules {
		if r.Name == "" || r.Model == "" {
			return Manifest{}, fmt.Errorf("policyload: module %s declares an incomplete record rule", m.Module)
		}
		if !r.Global && len(r.Groups) == 0 {
			return Manifest{}, fmt.Errorf("policyload: rule %s is group-scoped but lists no groups", r.Name)
		}
		for _, op := range r.Operations {
			switch op {
			case "read", "write", "create", "delete":
			default:
				return Manifest{}, fmt.Errorf("policyload: rule %s has unknown operation %q", r.Name, op)
			}
		}
	}
	return m, nil
}

// ParseAccessCSV reads a model-access table. Expected header:
// model,group,read,write,create,delete. An empty group column declares a
// global grant.
func ParseAccessCSV(r io.Reader) ([]AccessRow, error) {
	reader := csv.NewReader(r)
	reader.TrimLeadingSpace = true
	header, err := reader.Read()
	if err != nil {
		return nil, fmt.Errorf("policyload: read access header: %w", err)
	}
	idx := make(map[string]int, len(header))
	for i, col := range header {
		idx[strings.ToLower(strings.TrimSpace(col))] = i
	}
	for _, required := range []string{"model", "group", "read", "write", "create", "delete"} {
		if _, ok := idx[required]; !ok {
			return nil, fmt.Errorf("policyload: access table missing column %q", required)
		}
	}

	var rows []AccessRow
	for line := 2; ; line++ {
		record, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("policyload: read access line %d: %w", line, err)
		}
		row := AccessRow{
			Model:   strings.TrimSpace(record[idx["model"]]),
			GroupID: strings.TrimSpace(record[idx["group"]]),
			Read:    parseFlag(record[idx["read"]]),
			Write:   parseFlag(record[idx["write"]]),
			Create:  parseFlag(record[idx["create"]]),
			Delete:  parseFlag(record[idx["delete"]]),
		}
		if row.Model == "" {
			return nil, fmt.Errorf("policyload: access line %d has no model", line)
		}
		rows = append(rows, row)
	}
	return rows, nil
}

func parseFlag(s string) bool {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "1", "true", "yes":
		return true
	}
	return false
}
