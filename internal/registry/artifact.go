package registry

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// artifactArg mirrors ArgSpec in a YAML-friendly shape; the registry
// artifact is the static description an editor collaborator consumes too
// (§6 "Verb registry artifact"), so field names are stable wire contract,
// not Go-idiomatic internal naming.
type artifactArg struct {
	Name       string   `yaml:"name"`
	Shape      string   `yaml:"shape"`
	Required   bool     `yaml:"required"`
	Lookup     bool     `yaml:"lookup"`
	Of         string   `yaml:"of,omitempty"`
	EnumValues []string `yaml:"enum_values,omitempty"`
}

type artifactVerb struct {
	Name              string            `yaml:"name"`
	Args              []artifactArg     `yaml:"args"`
	PositionalSugar   []string          `yaml:"positional_sugar,omitempty"`
	KeywordAliases    map[string]string `yaml:"keyword_aliases,omitempty"`
	VerbAliases       []string          `yaml:"verb_aliases,omitempty"`
	InvocationPhrases []string          `yaml:"invocation_phrases,omitempty"`
	DomainTag         string            `yaml:"domain_tag,omitempty"`
	CrudAsset         string            `yaml:"crud_asset,omitempty"`
	BoundedIteration  bool              `yaml:"bounded_iteration,omitempty"`
	Description       string            `yaml:"description,omitempty"`
}

type artifactFile struct {
	Verbs []artifactVerb `yaml:"verbs"`
}

var shapeByName = map[string]ArgShape{
	"string":      ShapeString,
	"int":         ShapeInt,
	"float":       ShapeFloat,
	"bool":        ShapeBool,
	"uuid":        ShapeUUID,
	"entity-ref":  ShapeEntityRef,
	"binding-ref": ShapeBindingRef,
	"list-of":     ShapeListOf,
	"enum":        ShapeEnum,
	"map":         ShapeMap,
	"decimal":     ShapeDecimal,
}

// LoadArtifact parses a YAML verb registry artifact and builds a Registry
// from it. The artifact format is the wire contract shared with editor
// tooling (§6); the core only ever reads the structural fields.
func LoadArtifact(data []byte) (*Registry, error) {
	var f artifactFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("registry: parse artifact: %w", err)
	}
	specs := make([]*VerbSpec, 0, len(f.Verbs))
	for _, v := range f.Verbs {
		spec, err := v.toSpec()
		if err != nil {
			return nil, fmt.Errorf("registry: verb %q: %w", v.Name, err)
		}
		specs = append(specs, spec)
	}
	return New(specs)
}

// LoadArtifactFile reads and parses a YAML verb registry artifact from
// disk.
func LoadArtifactFile(path string) (*Registry, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("registry: read artifact %s: %w", path, err)
	}
	return LoadArtifact(data)
}

func (v artifactVerb) toSpec() (*VerbSpec, error) {
	args := make([]ArgSpec, 0, len(v.Args))
	for _, a := range v.Args {
		shape, ok := shapeByName[a.Shape]
		if !ok {
			return nil, fmt.Errorf("arg %q: unknown shape %q", a.Name, a.Shape)
		}
		of := ArgShape(0)
		if a.Of != "" {
			ofShape, ok := shapeByName[a.Of]
			if !ok {
				return nil, fmt.Errorf("arg %q: unknown element shape %q", a.Name, a.Of)
			}
			of = ofShape
		}
		args = append(args, ArgSpec{
			Name:       a.Name,
			Shape:      shape,
			Required:   a.Required,
			Lookup:     a.Lookup,
			Of:         of,
			EnumValues: a.EnumValues,
		})
	}
	return &VerbSpec{
		Name:              v.Name,
		Args:              args,
		PositionalSugar:   v.PositionalSugar,
		KeywordAliases:    v.KeywordAliases,
		VerbAliases:       v.VerbAliases,
		InvocationPhrases: v.InvocationPhrases,
		DomainTag:         v.DomainTag,
		CrudAsset:         v.CrudAsset,
		BoundedIteration:  v.BoundedIteration,
	}, nil
}
