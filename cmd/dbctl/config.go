package main

import (
	"errors"
	"fmt"
	"os"
	"slices"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/davalapar/database"
	"github.com/davalapar/database/schema"
)

// config is the YAML configuration file.
//
//	dir: ./tables
//	compression: gzip
//	tables:
//	  users:
//	    id_scheme: sortable
//	    fields:
//	      name: string
//	      age: number
type config struct {
	Dir          string                 `yaml:"dir"`
	Extension    string                 `yaml:"extension"`
	SaveInterval time.Duration          `yaml:"save_interval"`
	SaveMaxSkips *int                   `yaml:"save_max_skips"`
	Serializer   string                 `yaml:"serializer"`
	Compression  string                 `yaml:"compression"`
	Tables       map[string]tableConfig `yaml:"tables"`
}

type tableConfig struct {
	IDScheme string            `yaml:"id_scheme"`
	Fields   map[string]string `yaml:"fields"`
}

func loadConfig(path string) (*config, error) {
	raw, err := os.ReadFile(path) //nolint:gosec // G304: path comes from the -config flag
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}
	return parseConfig(raw)
}

func parseConfig(raw []byte) (*config, error) {
	c := &config{}
	if err := yaml.Unmarshal(raw, c); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if len(c.Tables) == 0 {
		return nil, errors.New("config declares no tables")
	}
	return c, nil
}

// options converts the configuration to database options. Tables are sorted
// by label.
func (c *config) options() (database.Options, error) {
	o := database.DefaultOptions()
	if c.Dir != "" {
		o.Dir = c.Dir
	}
	if c.Extension != "" {
		o.Extension = c.Extension
	}
	if c.SaveInterval != 0 {
		o.SaveInterval = c.SaveInterval
	}
	if c.SaveMaxSkips != nil {
		o.SaveMaxSkips = *c.SaveMaxSkips
	}
	if c.Serializer != "" {
		o.Serializer = database.Serializer(c.Serializer)
	}
	if c.Compression != "" {
		o.Compression = database.Compression(c.Compression)
	}
	labels := make([]string, 0, len(c.Tables))
	for label := range c.Tables {
		labels = append(labels, label)
	}
	slices.Sort(labels)
	for _, label := range labels {
		tc := c.Tables[label]
		s, err := schema.Parse(tc.Fields)
		if err != nil {
			return o, fmt.Errorf("table %q: %w", label, err)
		}
		o.Tables = append(o.Tables, database.TableConfig{
			Label:    label,
			Schema:   s,
			IDScheme: database.IDScheme(tc.IDScheme),
		})
	}
	if err := o.Validate(); err != nil {
		return o, err
	}
	return o, nil
}
