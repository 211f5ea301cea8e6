// Package searchconfig holds the search parameter declarations of every
// resource type: logical name to physical index field, value extraction
// paths and the join declarations used to denormalize children into parents.
package searchconfig

import (
	"fmt"
	"os"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/ansforge/annuaire-sante-fhir-serveur-sub000/internal/model"
)

// SearchType is the kind of index a parameter produces.
type SearchType string

const (
	TypeString    SearchType = "string"
	TypeToken     SearchType = "token"
	TypeNumber    SearchType = "number"
	TypeQuantity  SearchType = "quantity"
	TypeDate      SearchType = "date"
	TypeReference SearchType = "reference"
)

func (t SearchType) valid() bool {
	switch t {
	case TypeString, TypeToken, TypeNumber, TypeQuantity, TypeDate, TypeReference:
		return true
	}
	return false
}

// LinksField is the index sub-document holding denormalized children.
const LinksField = "links"

// Param is one search parameter of a resource type.
type Param struct {
	Resource   string     `yaml:"-"`
	Name       string     `yaml:"name"`
	Field      string     `yaml:"field"`
	Type       SearchType `yaml:"type"`
	Path       string     `yaml:"path"`
	Targets    []string   `yaml:"targets"`
	Compulsory bool       `yaml:"compulsory"`
	Modifiers  []string   `yaml:"modifiers"`

	accessor Accessor
}

// Supports reports whether the modifier may be used with this parameter.
// A parameter declaring no modifiers accepts all of them.
func (p *Param) Supports(modifier string) bool {
	if len(p.Modifiers) == 0 {
		return true
	}
	for _, m := range p.Modifiers {
		if m == modifier {
			return true
		}
	}
	return false
}

// TopLevelElement is the first element of the extraction path, used to keep
// the element in projected results.
func (p *Param) TopLevelElement() string {
	path := strings.TrimPrefix(strings.TrimPrefix(p.Path, "$"), ".")
	if i := strings.IndexAny(path, ".["); i >= 0 {
		path = path[:i]
	}
	return path
}

// Join declares that children of type Child referencing Parent through the
// Link parameter are denormalized into links.<Child> of the parent.
type Join struct {
	Parent string   `yaml:"parent"`
	Child  string   `yaml:"child"`
	Link   string   `yaml:"link"`
	Fields []string `yaml:"fields"`
}

// File is the YAML layout of a search configuration.
type File struct {
	Resources map[string]struct {
		Params []*Param `yaml:"params"`
	} `yaml:"resources"`
	Joins []*Join `yaml:"joins"`
}

// Config is the validated, immutable search configuration.
type Config struct {
	params map[string]map[string]*Param
	joins  map[string][]*Join
}

// Load reads and validates a YAML configuration file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read search config: %w", err)
	}
	return Parse(data)
}

// Parse validates a YAML configuration document.
func Parse(data []byte) (*Config, error) {
	var f File
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse search config: %w", err)
	}
	return New(f)
}

// New builds the registry, compiling every extraction path up front so that
// a bad declaration fails at startup instead of on the first stored record.
func New(f File) (*Config, error) {
	c := &Config{
		params: make(map[string]map[string]*Param),
		joins:  make(map[string][]*Join),
	}
	for resource, r := range f.Resources {
		byName := make(map[string]*Param, len(r.Params))
		for _, p := range r.Params {
			p.Resource = resource
			if p.Name == "" {
				return nil, model.NewConfigurationError(resource, "search parameter without name")
			}
			if p.Field == "" {
				p.Field = p.Name
			}
			if p.Field == LinksField || strings.Contains(p.Field, ".") {
				return nil, model.NewConfigurationError(resource+"."+p.Name, fmt.Sprintf("reserved or dotted field name %q", p.Field))
			}
			if !p.Type.valid() {
				return nil, model.NewConfigurationError(resource+"."+p.Name, fmt.Sprintf("unknown search type %q", p.Type))
			}
			acc, err := compileAccessor(p.Path)
			if err != nil {
				return nil, model.NewConfigurationError(resource+"."+p.Name, err.Error())
			}
			p.accessor = acc
			if _, dup := byName[p.Name]; dup {
				return nil, model.NewConfigurationError(resource+"."+p.Name, "duplicate search parameter")
			}
			byName[p.Name] = p
		}
		c.params[resource] = byName
	}

	for _, j := range f.Joins {
		if err := c.validateJoin(j); err != nil {
			return nil, err
		}
		c.joins[j.Parent] = append(c.joins[j.Parent], j)
	}
	return c, nil
}

func (c *Config) validateJoin(j *Join) error {
	name := fmt.Sprintf("join %s<-%s.%s", j.Parent, j.Child, j.Link)
	if _, ok := c.params[j.Parent]; !ok {
		return model.NewConfigurationError(name, "unknown parent resource")
	}
	link, err := c.Lookup(j.Child, j.Link)
	if err != nil {
		return model.NewConfigurationError(name, err.Error())
	}
	if link.Type != TypeReference {
		return model.NewConfigurationError(name, "link parameter is not a reference")
	}
	if len(link.Targets) > 0 && !contains(link.Targets, j.Parent) {
		return model.NewConfigurationError(name, "link parameter cannot target the parent type")
	}
	for _, f := range j.Fields {
		if _, err := c.Lookup(j.Child, f); err != nil {
			return model.NewConfigurationError(name, err.Error())
		}
	}
	return nil
}

// Lookup resolves a logical (resource, name) pair. Unknown pairs are
// configuration errors.
func (c *Config) Lookup(resource, name string) (*Param, error) {
	byName, ok := c.params[resource]
	if !ok {
		return nil, model.NewConfigurationError(resource, "resource type is not indexed")
	}
	p, ok := byName[name]
	if !ok {
		return nil, model.NewConfigurationError(resource+"."+name, "search parameter is not indexed")
	}
	return p, nil
}

// HasResource reports whether the resource type is declared.
func (c *Config) HasResource(resource string) bool {
	_, ok := c.params[resource]
	return ok
}

// Resources returns declared resource types in sorted order.
func (c *Config) Resources() []string {
	out := make([]string, 0, len(c.params))
	for r := range c.params {
		out = append(out, r)
	}
	sort.Strings(out)
	return out
}

// Params returns the parameters of a resource sorted by name.
func (c *Config) Params(resource string) []*Param {
	byName := c.params[resource]
	out := make([]*Param, 0, len(byName))
	for _, p := range byName {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Join returns the join declared for (parent, child, link), if any.
func (c *Config) Join(parent, child, link string) (*Join, bool) {
	for _, j := range c.joins[parent] {
		if j.Child == child && j.Link == link {
			return j, true
		}
	}
	return nil, false
}

// Joins returns the joins declared for a parent type.
func (c *Config) Joins(parent string) []*Join {
	return c.joins[parent]
}

// JoinParents returns the parent types that have at least one join, sorted.
func (c *Config) JoinParents() []string {
	out := make([]string, 0, len(c.joins))
	for p := range c.joins {
		out = append(out, p)
	}
	sort.Strings(out)
	return out
}

// JoinFields returns the child parameters denormalized by a join.
func (c *Config) JoinFields(j *Join) []*Param {
	if len(j.Fields) == 0 {
		var out []*Param
		for _, p := range c.Params(j.Child) {
			if p.Name != j.Link {
				out = append(out, p)
			}
		}
		return out
	}
	out := make([]*Param, 0, len(j.Fields))
	for _, f := range j.Fields {
		if p, err := c.Lookup(j.Child, f); err == nil {
			out = append(out, p)
		}
	}
	return out
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
