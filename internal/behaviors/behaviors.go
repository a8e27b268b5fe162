// Package behaviors resolves the page-interaction script run on each page.
//
// The catalogue is a YAML list of behaviors, each a URL regex, a script
// template from scripts/ and a JavaScript completion predicate. Site
// behavior_parameters override the template's default parameters.
package behaviors

import (
	"bytes"
	"embed"
	"errors"
	"fmt"
	"regexp"
	"text/template"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/JakeFAU/browsercrawler/internal/crawler"
)

//go:embed behaviors.yaml
var defaultCatalogue []byte

//go:embed scripts/*.js.tmpl
var scripts embed.FS

// ErrNoBehavior means no catalogue entry matched the page.
var ErrNoBehavior = errors.New("no behavior matches url")

// Definition is one catalogue entry.
type Definition struct {
	Name              string         `yaml:"name"`
	URLRegex          string         `yaml:"url_regex"`
	Template          string         `yaml:"template"`
	Finished          string         `yaml:"finished"`
	IdleTimeout       time.Duration  `yaml:"idle_timeout"`
	DefaultParameters map[string]any `yaml:"default_parameters"`
}

type compiled struct {
	def  Definition
	re   *regexp.Regexp
	tmpl *template.Template
}

// Catalogue implements crawler.BehaviorProvider.
type Catalogue struct {
	entries []compiled
}

var _ crawler.BehaviorProvider = (*Catalogue)(nil)

// Default loads the embedded catalogue.
func Default() (*Catalogue, error) {
	return Parse(defaultCatalogue)
}

// Parse builds a Catalogue from YAML. Templates are looked up in the
// embedded scripts directory.
func Parse(data []byte) (*Catalogue, error) {
	var defs []Definition
	if err := yaml.Unmarshal(data, &defs); err != nil {
		return nil, fmt.Errorf("parse behaviors: %w", err)
	}
	c := &Catalogue{entries: make([]compiled, 0, len(defs))}
	for i, def := range defs {
		if def.Name == "" {
			return nil, fmt.Errorf("behavior %d: name cannot be empty", i)
		}
		re, err := regexp.Compile(def.URLRegex)
		if err != nil {
			return nil, fmt.Errorf("behavior %s: url_regex: %w", def.Name, err)
		}
		src, err := scripts.ReadFile("scripts/" + def.Template)
		if err != nil {
			return nil, fmt.Errorf("behavior %s: template: %w", def.Name, err)
		}
		tmpl, err := template.New(def.Template).Option("missingkey=error").Parse(string(src))
		if err != nil {
			return nil, fmt.Errorf("behavior %s: parse template: %w", def.Name, err)
		}
		c.entries = append(c.entries, compiled{def: def, re: re, tmpl: tmpl})
	}
	return c, nil
}

// Resolve renders the first behavior whose regex matches pageURL.
func (c *Catalogue) Resolve(pageURL string, params map[string]any) (crawler.Behavior, error) {
	for _, e := range c.entries {
		if !e.re.MatchString(pageURL) {
			continue
		}
		merged := make(map[string]any, len(e.def.DefaultParameters)+len(params))
		for k, v := range e.def.DefaultParameters {
			merged[k] = v
		}
		for k, v := range params {
			merged[k] = v
		}
		var buf bytes.Buffer
		if err := e.tmpl.Execute(&buf, merged); err != nil {
			return crawler.Behavior{}, fmt.Errorf("render behavior %s: %w", e.def.Name, err)
		}
		return crawler.Behavior{
			Name:        e.def.Name,
			Script:      buf.String(),
			Finished:    e.def.Finished,
			IdleTimeout: e.def.IdleTimeout,
		}, nil
	}
	return crawler.Behavior{}, fmt.Errorf("%s: %w", pageURL, ErrNoBehavior)
}

// Names lists the catalogue's behaviors in match order.
func (c *Catalogue) Names() []string {
	names := make([]string, len(c.entries))
	for i, e := range c.entries {
		names[i] = e.def.Name
	}
	return names
}
