// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package config loads and validates pipeline configuration.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/AleutianAI/pipeflow/pkg/validation"
	"github.com/AleutianAI/pipeflow/services/pipeline/dag"
	"github.com/AleutianAI/pipeflow/services/pipeline/telemetry"
)

// ErrInvalidConfig is wrapped by every validation failure.
var ErrInvalidConfig = errors.New("invalid pipeline configuration")

// Environment variable overrides applied by ApplyEnv.
const (
	EnvExecutionMode    = "PIPEFLOW_EXECUTION_MODE"
	EnvMaxParallelTasks = "PIPEFLOW_MAX_PARALLEL_TASKS"
	EnvTimeoutSeconds   = "PIPEFLOW_TIMEOUT_SECONDS"
	EnvFailFast         = "PIPEFLOW_FAIL_FAST"
	EnvEnableCaching    = "PIPEFLOW_ENABLE_CACHING"
	EnvEnableTracing    = "PIPEFLOW_ENABLE_TRACING"
	EnvParallelStrategy = "PIPEFLOW_PARALLEL_STRATEGY"
	EnvCacheDir         = "PIPEFLOW_CACHE_DIR"
)

// CacheConfig selects the cross-run cache store.
type CacheConfig struct {
	// Dir is the Badger directory. Empty keeps the cache in process memory.
	Dir string `yaml:"dir" json:"dir"`

	// InMemory opens Badger in memory instead of on disk.
	InMemory bool `yaml:"in_memory" json:"in_memory"`

	// MaxEntries bounds the memory store. Zero uses the store default.
	MaxEntries int `yaml:"max_entries" json:"max_entries" validate:"gte=0"`
}

// Config is the configuration of one pipeline.
type Config struct {
	Name             string            `yaml:"name" json:"name" validate:"required,max=128,pipelinename"`
	Description      string            `yaml:"description" json:"description"`
	Version          string            `yaml:"version" json:"version"`
	ExecutionMode    string            `yaml:"execution_mode" json:"execution_mode" validate:"oneof=sequential parallel async"`
	ParallelStrategy string            `yaml:"parallel_strategy" json:"parallel_strategy" validate:"omitempty,oneof=continuous barrier"`
	MaxParallelTasks int               `yaml:"max_parallel_tasks" json:"max_parallel_tasks" validate:"gte=1,lte=1024"`
	TimeoutSeconds   float64           `yaml:"timeout_seconds" json:"timeout_seconds" validate:"gte=0"`
	FailFast         bool              `yaml:"fail_fast" json:"fail_fast"`
	EnableCaching    bool              `yaml:"enable_caching" json:"enable_caching"`
	EnableTracing    bool              `yaml:"enable_tracing" json:"enable_tracing"`
	Tags             map[string]string `yaml:"tags,omitempty" json:"tags,omitempty"`
	Metadata         map[string]any    `yaml:"metadata,omitempty" json:"metadata,omitempty"`
	Cache            CacheConfig       `yaml:"cache" json:"cache"`
	Telemetry        telemetry.Config  `yaml:"telemetry" json:"telemetry"`
}

// Default returns the configuration used when a field is not set.
func Default() Config {
	return Config{
		Name:             "pipeline",
		Version:          "1.0.0",
		ExecutionMode:    "sequential",
		ParallelStrategy: "continuous",
		MaxParallelTasks: 4,
		FailFast:         true,
		EnableCaching:    true,
		Telemetry: telemetry.Config{
			ServiceName:    "pipeflow",
			TraceExporter:  telemetry.ExporterNone,
			MetricExporter: telemetry.ExporterNone,
			OTLPEndpoint:   "localhost:4317",
			OTLPInsecure:   true,
		},
	}
}

// Timeout returns the run timeout. Zero means unbounded.
func (c Config) Timeout() time.Duration {
	return time.Duration(c.TimeoutSeconds * float64(time.Second))
}

// Normalize lower-cases enumerated fields.
func (c *Config) Normalize() {
	c.ExecutionMode = strings.ToLower(strings.TrimSpace(c.ExecutionMode))
	c.ParallelStrategy = strings.ToLower(strings.TrimSpace(c.ParallelStrategy))
	if c.ParallelStrategy == "" {
		c.ParallelStrategy = "continuous"
	}
}

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New()
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name, _, _ := strings.Cut(fld.Tag.Get("yaml"), ",")
		if name == "-" {
			return ""
		}
		return name
	})
	_ = v.RegisterValidation("pipelinename", func(fl validator.FieldLevel) bool {
		return validation.IsValidName(fl.Field().String())
	})
	return v
}

// Validate normalizes c and checks every field.
//
// Outputs:
//
//	error - A *dag.ValidationError naming the first bad field. It matches
//	  both ErrInvalidConfig and dag.ErrValidation.
func (c *Config) Validate() error {
	c.Normalize()
	err := validate.Struct(c)
	if err == nil {
		return nil
	}

	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) || len(verrs) == 0 {
		return &dag.ValidationError{Field: "config", Reason: err.Error(), Err: ErrInvalidConfig}
	}
	fe := verrs[0]
	return &dag.ValidationError{
		Field:  fieldPath(fe.Namespace()),
		Reason: reason(fe),
		Err:    ErrInvalidConfig,
	}
}

// fieldPath drops the struct name from a validator namespace.
func fieldPath(ns string) string {
	if _, rest, ok := strings.Cut(ns, "."); ok {
		return rest
	}
	return ns
}

func reason(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return "is required"
	case "oneof":
		return fmt.Sprintf("must be one of %s; got %q", strings.ReplaceAll(fe.Param(), " ", ", "), fmt.Sprint(fe.Value()))
	case "gte":
		return fmt.Sprintf("must be at least %s", fe.Param())
	case "lte", "max":
		return fmt.Sprintf("must be at most %s", fe.Param())
	case "pipelinename":
		return fmt.Sprintf("%q must use letters, digits, '_', '.', '-' or ':'", fmt.Sprint(fe.Value()))
	default:
		return fmt.Sprintf("failed %s=%s", fe.Tag(), fe.Param())
	}
}

// Load decodes YAML from r over the defaults and validates the result.
// Unknown keys are rejected.
func Load(r io.Reader) (Config, error) {
	cfg := Default()
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
		return Config{}, &dag.ValidationError{Field: "yaml", Reason: "cannot decode", Err: errors.Join(ErrInvalidConfig, err)}
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// LoadFile reads and validates a YAML file.
func LoadFile(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read config %s: %w", path, err)
	}
	cfg, err := Load(bytes.NewReader(data))
	if err != nil {
		return Config{}, fmt.Errorf("config %s: %w", path, err)
	}
	return cfg, nil
}

// ApplyEnv overrides fields from PIPEFLOW_* variables found by lookup and
// revalidates. A nil lookup uses os.LookupEnv.
func (c *Config) ApplyEnv(lookup func(string) (string, bool)) error {
	if lookup == nil {
		lookup = os.LookupEnv
	}

	if v, ok := lookup(EnvExecutionMode); ok {
		c.ExecutionMode = v
	}
	if v, ok := lookup(EnvParallelStrategy); ok {
		c.ParallelStrategy = v
	}
	if v, ok := lookup(EnvCacheDir); ok {
		c.Cache.Dir = v
	}
	if v, ok := lookup(EnvMaxParallelTasks); ok {
		n, err := strconv.Atoi(strings.TrimSpace(v))
		if err != nil {
			return envError(EnvMaxParallelTasks, err)
		}
		c.MaxParallelTasks = n
	}
	if v, ok := lookup(EnvTimeoutSeconds); ok {
		f, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
		if err != nil {
			return envError(EnvTimeoutSeconds, err)
		}
		c.TimeoutSeconds = f
	}
	for _, b := range []struct {
		key string
		dst *bool
	}{
		{EnvFailFast, &c.FailFast},
		{EnvEnableCaching, &c.EnableCaching},
		{EnvEnableTracing, &c.EnableTracing},
	} {
		v, ok := lookup(b.key)
		if !ok {
			continue
		}
		parsed, err := strconv.ParseBool(strings.TrimSpace(v))
		if err != nil {
			return envError(b.key, err)
		}
		*b.dst = parsed
	}
	return c.Validate()
}

func envError(key string, err error) error {
	return &dag.ValidationError{Field: key, Reason: "cannot parse environment override", Err: errors.Join(ErrInvalidConfig, err)}
}

// YAML encodes the configuration.
func (c Config) YAML() ([]byte, error) {
	return yaml.Marshal(c)
}
