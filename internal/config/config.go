// Package config loads anchornotes configuration.
//
// Configuration is a CUE file validated against the embedded #Config schema,
// which also supplies every default. Environment variables named
// ANCHORNOTES_<FIELD> (for example ANCHORNOTES_MAX_REGIONS) override file
// values and go through the same schema, so a bad override fails the same way
// a bad file does.
package config

import (
	_ "embed"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	"github.com/joho/godotenv"
	"golang.org/x/time/rate"

	"github.com/roach88/anchornotes/internal/engine"
	"github.com/roach88/anchornotes/internal/geo"
)

//go:embed schema.cue
var schemaSource []byte

// EnvPrefix prefixes every environment override.
const EnvPrefix = "ANCHORNOTES_"

// ErrInvalidConfig is returned for any configuration that fails validation.
var ErrInvalidConfig = errors.New("invalid configuration")

// Config is the validated runtime configuration.
type Config struct {
	DBPath          string
	MaxRegions      int
	MinRadiusMeters float64
	MaxRadiusMeters float64
	Debounce        time.Duration
	RetryInterval   time.Duration
	RegisterRate    float64
	RegisterBurst   int
	PassQuota       int
	InitialTrigger  bool
	RelevantTTL     time.Duration
	MetricsAddr     string
}

// fileConfig mirrors #Config field for field.
type fileConfig struct {
	DBPath          string  `json:"db_path"`
	MaxRegions      int     `json:"max_regions"`
	MinRadiusMeters float64 `json:"min_radius_meters"`
	MaxRadiusMeters float64 `json:"max_radius_meters"`
	Debounce        string  `json:"debounce"`
	RetryInterval   string  `json:"retry_interval"`
	RegisterRate    float64 `json:"register_rate"`
	RegisterBurst   int     `json:"register_burst"`
	PassQuota       int     `json:"pass_quota"`
	InitialTrigger  bool    `json:"initial_trigger"`
	RelevantTTL     string  `json:"relevant_ttl"`
	MetricsAddr     string  `json:"metrics_addr"`
}

// Default returns the schema defaults.
func Default() Config {
	cfg, err := load(nil, "", func(string) (string, bool) { return "", false })
	if err != nil {
		// The embedded schema is fixed at build time.
		panic(fmt.Sprintf("config: embedded schema defaults: %v", err))
	}
	return cfg
}

// Load reads the CUE file at path (empty means defaults only) and applies
// environment overrides from the process environment.
func Load(path string) (Config, error) {
	var (
		src []byte
		err error
	)
	if path != "" {
		src, err = os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}
	return load(src, path, os.LookupEnv)
}

// LoadDotEnv loads KEY=VALUE pairs from a .env file into the process
// environment without replacing variables that are already set.
// A missing file is not an error.
func LoadDotEnv(path string) error {
	if path == "" {
		path = ".env"
	}
	if err := godotenv.Load(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("load %s: %w", path, err)
	}
	return nil
}

func load(src []byte, filename string, lookup func(string) (string, bool)) (Config, error) {
	ctx := cuecontext.New()

	schema := ctx.CompileBytes(schemaSource, cue.Filename("schema.cue"))
	if err := schema.Err(); err != nil {
		return Config{}, fmt.Errorf("compile schema: %w", err)
	}
	def := schema.LookupPath(cue.ParsePath("#Config"))

	user := ctx.CompileString("{}")
	if len(src) > 0 {
		user = ctx.CompileBytes(src, cue.Filename(filename))
		if err := user.Err(); err != nil {
			return Config{}, fmt.Errorf("%w: %v", ErrInvalidConfig, err)
		}
	}

	overrides, err := envOverrides(def, lookup)
	if err != nil {
		return Config{}, err
	}

	merged := def.Unify(overlay(ctx, user, overrides))
	if err := merged.Validate(cue.Concrete(true)); err != nil {
		return Config{}, fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}

	var fc fileConfig
	if err := merged.Decode(&fc); err != nil {
		return Config{}, fmt.Errorf("%w: decode: %v", ErrInvalidConfig, err)
	}
	return fc.resolve()
}

// overlay copies user's fields except the overridden ones, then fills the
// overrides. Unifying both directly would conflict on every overridden key.
func overlay(ctx *cue.Context, user cue.Value, overrides map[string]any) cue.Value {
	out := ctx.CompileString("{}")

	iter, err := user.Fields()
	if err == nil {
		for iter.Next() {
			label := iter.Selector().String()
			if _, ok := overrides[label]; ok {
				continue
			}
			out = out.FillPath(cue.ParsePath(label), iter.Value())
		}
	} else {
		// Not a struct; let unification report it.
		return user
	}

	for label, v := range overrides {
		out = out.FillPath(cue.ParsePath(label), v)
	}
	return out
}

// envOverrides reads ANCHORNOTES_<FIELD> for every schema field and converts
// each value to the field's kind.
func envOverrides(def cue.Value, lookup func(string) (string, bool)) (map[string]any, error) {
	iter, err := def.Fields()
	if err != nil {
		return nil, fmt.Errorf("schema fields: %w", err)
	}

	out := map[string]any{}
	for iter.Next() {
		label := iter.Selector().String()
		name := EnvPrefix + strings.ToUpper(label)
		raw, ok := lookup(name)
		if !ok {
			continue
		}

		v, err := parseEnv(iter.Value().IncompleteKind(), raw)
		if err != nil {
			return nil, fmt.Errorf("%w: %s=%q: %v", ErrInvalidConfig, name, raw, err)
		}
		out[label] = v
	}
	return out, nil
}

func parseEnv(kind cue.Kind, raw string) (any, error) {
	raw = strings.TrimSpace(raw)
	switch {
	case kind == cue.BoolKind:
		return strconv.ParseBool(raw)
	case kind == cue.IntKind:
		return strconv.Atoi(raw)
	case kind&cue.NumberKind != 0 && kind&cue.StringKind == 0:
		return strconv.ParseFloat(raw, 64)
	default:
		return raw, nil
	}
}

func (fc fileConfig) resolve() (Config, error) {
	cfg := Config{
		DBPath:          fc.DBPath,
		MaxRegions:      fc.MaxRegions,
		MinRadiusMeters: fc.MinRadiusMeters,
		MaxRadiusMeters: fc.MaxRadiusMeters,
		RegisterRate:    fc.RegisterRate,
		RegisterBurst:   fc.RegisterBurst,
		PassQuota:       fc.PassQuota,
		InitialTrigger:  fc.InitialTrigger,
		MetricsAddr:     fc.MetricsAddr,
	}

	var err error
	if cfg.Debounce, err = time.ParseDuration(fc.Debounce); err != nil {
		return Config{}, fmt.Errorf("%w: debounce: %v", ErrInvalidConfig, err)
	}
	if cfg.RetryInterval, err = time.ParseDuration(fc.RetryInterval); err != nil {
		return Config{}, fmt.Errorf("%w: retry_interval: %v", ErrInvalidConfig, err)
	}
	if cfg.RelevantTTL, err = time.ParseDuration(fc.RelevantTTL); err != nil {
		return Config{}, fmt.Errorf("%w: relevant_ttl: %v", ErrInvalidConfig, err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks constraints that span fields.
func (c Config) Validate() error {
	if c.MinRadiusMeters > c.MaxRadiusMeters {
		return fmt.Errorf("%w: min_radius_meters %v exceeds max_radius_meters %v",
			ErrInvalidConfig, c.MinRadiusMeters, c.MaxRadiusMeters)
	}
	return nil
}

// Limits returns the radius bounds for spec validation.
func (c Config) Limits() geo.Limits {
	return geo.Limits{
		MinRadiusMeters: c.MinRadiusMeters,
		MaxRadiusMeters: c.MaxRadiusMeters,
	}
}

// Registrar returns the registrar tunables.
func (c Config) Registrar() engine.RegistrarConfig {
	return engine.RegistrarConfig{
		MaxRegions:     c.MaxRegions,
		PassQuota:      c.PassQuota,
		Rate:           rate.Limit(c.RegisterRate),
		Burst:          c.RegisterBurst,
		InitialTrigger: c.InitialTrigger,
		Debounce:       c.Debounce,
		RetryInterval:  c.RetryInterval,
	}
}
