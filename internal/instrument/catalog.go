package instrument

import (
	"bytes"
	_ "embed"
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"strings"

	"tradegate/internal/logger"

	"github.com/santhosh-tekuri/jsonschema/v5"
	"gopkg.in/yaml.v3"
)

//go:embed catalog.yaml
var builtinCatalog []byte

//go:embed catalog.schema.json
var catalogSchema string

type fileConfig struct {
	Instruments []Spec `yaml:"instruments"`
}

// Catalog is the read-only instrument lookup table loaded once at startup.
type Catalog struct {
	specs      map[string]Spec
	defaultKey string
}

// Builtin returns the embedded catalog with XAUUSD as the default instrument.
func Builtin() *Catalog {
	c, err := parseCatalog(builtinCatalog, "XAUUSD")
	if err != nil {
		panic(fmt.Sprintf("builtin instrument catalog invalid: %v", err))
	}
	return c
}

// Load reads the catalog from path, or the embedded one when path is empty.
func Load(path, defaultKey string) (*Catalog, error) {
	raw := builtinCatalog
	source := "builtin"
	if p := strings.TrimSpace(path); p != "" {
		data, err := os.ReadFile(p)
		if err != nil {
			return nil, fmt.Errorf("read instrument catalog failed: %w", err)
		}
		raw, source = data, p
	}
	c, err := parseCatalog(raw, defaultKey)
	if err != nil {
		return nil, fmt.Errorf("instrument catalog %s: %w", source, err)
	}
	logger.Infof("instrument catalog loaded %d instruments from %s (default=%s)", len(c.specs), source, c.defaultKey)
	return c, nil
}

func parseCatalog(raw []byte, defaultKey string) (*Catalog, error) {
	if err := validateCatalog(raw); err != nil {
		return nil, err
	}
	var cfg fileConfig
	dec := yaml.NewDecoder(bytes.NewReader(raw))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil {
		return nil, fmt.Errorf("parse failed: %w", err)
	}
	specs := make(map[string]Spec, len(cfg.Instruments))
	for _, spec := range cfg.Instruments {
		spec.Key = normalizeKey(spec.Key)
		if spec.Symbol == "" {
			spec.Symbol = spec.Key
		}
		if spec.MinSize > spec.MaxSize {
			return nil, fmt.Errorf("%s: min_size %v exceeds max_size %v", spec.Key, spec.MinSize, spec.MaxSize)
		}
		if spec.MinStop > spec.MaxStop {
			return nil, fmt.Errorf("%s: min_stop %v exceeds max_stop %v", spec.Key, spec.MinStop, spec.MaxStop)
		}
		if _, dup := specs[spec.Key]; dup {
			return nil, fmt.Errorf("duplicate instrument %s", spec.Key)
		}
		specs[spec.Key] = spec
	}
	defaultKey = normalizeKey(defaultKey)
	if defaultKey == "" {
		defaultKey = "XAUUSD"
	}
	if _, ok := specs[defaultKey]; !ok {
		return nil, fmt.Errorf("default instrument %s not in catalog", defaultKey)
	}
	return &Catalog{specs: specs, defaultKey: defaultKey}, nil
}

// validateCatalog checks the YAML document against the embedded JSON schema.
func validateCatalog(raw []byte) error {
	var doc any
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		return fmt.Errorf("parse failed: %w", err)
	}
	asJSON, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("convert to json failed: %w", err)
	}
	dec := json.NewDecoder(bytes.NewReader(asJSON))
	dec.UseNumber()
	var generic any
	if err := dec.Decode(&generic); err != nil {
		return err
	}
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource("catalog.schema.json", strings.NewReader(catalogSchema)); err != nil {
		return err
	}
	schema, err := compiler.Compile("catalog.schema.json")
	if err != nil {
		return err
	}
	return schema.Validate(generic)
}

func normalizeKey(key string) string {
	return strings.ToUpper(strings.TrimSpace(key))
}

// Lookup resolves a key case-insensitively; an empty key resolves to the default instrument.
func (c *Catalog) Lookup(key string) (Spec, error) {
	norm := normalizeKey(key)
	if norm == "" {
		norm = c.defaultKey
	}
	spec, ok := c.specs[norm]
	if !ok {
		return Spec{}, fmt.Errorf("Unknown instrument: %q. Available: %s", key, strings.Join(c.Keys(), ", "))
	}
	return spec, nil
}

func (c *Catalog) Default() Spec {
	return c.specs[c.defaultKey]
}

func (c *Catalog) Keys() []string {
	keys := make([]string, 0, len(c.specs))
	for k := range c.specs {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func (c *Catalog) All() []Spec {
	keys := c.Keys()
	out := make([]Spec, 0, len(keys))
	for _, k := range keys {
		out = append(out, c.specs[k])
	}
	return out
}
