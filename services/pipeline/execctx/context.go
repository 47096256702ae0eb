// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package execctx provides the per-run execution context threaded through
// every task invocation.
//
// A Context carries an environment tag, ordered configuration values,
// secrets, task outputs produced during the run, and free-form metadata.
// Secrets are never part of Export or JSON encoding.
//
// Thread Safety:
//
//	All methods are safe for concurrent use. Each task output key may be
//	written exactly once.
package execctx

import (
	"encoding/json"
	"errors"
	"fmt"
	"maps"
	"os"
	"slices"
	"strconv"
	"strings"
	"sync"
)

// Environment tag aliases recognized by the boolean checks.
const (
	EnvProduction  = "production"
	EnvDevelopment = "development"
	EnvStaging     = "staging"
	EnvTest        = "test"
)

var envAliases = map[string]string{
	"prod":        EnvProduction,
	"production":  EnvProduction,
	"live":        EnvProduction,
	"dev":         EnvDevelopment,
	"development": EnvDevelopment,
	"local":       EnvDevelopment,
	"stage":       EnvStaging,
	"stg":         EnvStaging,
	"staging":     EnvStaging,
	"test":        EnvTest,
	"testing":     EnvTest,
	"ci":          EnvTest,
}

var (
	// ErrMissingSecret is matched by every MissingSecretError.
	ErrMissingSecret = errors.New("missing secret")

	// ErrOutputAlreadySet indicates a second write to the same task output.
	ErrOutputAlreadySet = errors.New("task output already set")
)

// MissingSecretError is returned by RequireSecret when a key is absent from
// both the explicit secret map and the lookup fallback.
type MissingSecretError struct {
	Key string
}

func (e *MissingSecretError) Error() string {
	return fmt.Sprintf("missing secret %q", e.Key)
}

// Is reports whether target is ErrMissingSecret.
func (e *MissingSecretError) Is(target error) bool {
	return target == ErrMissingSecret
}

// LookupFunc resolves a secret that is not in the explicit secret map.
// It has the same shape as os.LookupEnv.
type LookupFunc func(key string) (string, bool)

// Context is the per-run carrier of configuration, secrets and outputs.
type Context struct {
	mu sync.RWMutex

	environment string
	configKeys  []string
	config      map[string]any
	secrets     secretStore
	lookup      LookupFunc
	outputs     map[string]any
	metadata    map[string]any
	runID       string
}

// Option configures a Context.
type Option func(*Context)

// WithEnvironment sets the environment tag, for example "prod" or "dev".
func WithEnvironment(env string) Option {
	return func(c *Context) { c.environment = env }
}

// WithConfig seeds configuration values. Keys are added in sorted order
// because Go maps carry no order; use Set for explicit ordering.
func WithConfig(values map[string]any) Option {
	return func(c *Context) {
		for _, k := range slices.Sorted(maps.Keys(values)) {
			c.setLocked(k, values[k])
		}
	}
}

// WithSecrets seeds the explicit secret map. Values are sealed when
// SecureMemory reports true.
func WithSecrets(secrets map[string]string) Option {
	return func(c *Context) {
		for k, v := range secrets {
			c.secrets.put(k, v)
		}
	}
}

// WithSecretLookup replaces the fallback lookup (default os.LookupEnv).
// A nil fn disables the fallback.
func WithSecretLookup(fn LookupFunc) Option {
	return func(c *Context) { c.lookup = fn }
}

// New creates an empty Context. The environment defaults to development.
func New(opts ...Option) *Context {
	c := &Context{
		environment: EnvDevelopment,
		config:      make(map[string]any),
		secrets:     newSecretStore(),
		lookup:      os.LookupEnv,
		outputs:     make(map[string]any),
		metadata:    make(map[string]any),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Environment returns the raw environment tag.
func (c *Context) Environment() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.environment
}

// NormalizedEnvironment maps the tag through the alias table. Unknown tags
// are returned lower-cased and trimmed.
func (c *Context) NormalizedEnvironment() string {
	env := strings.ToLower(strings.TrimSpace(c.Environment()))
	if canonical, ok := envAliases[env]; ok {
		return canonical
	}
	return env
}

// IsProduction reports whether the environment is a production alias.
func (c *Context) IsProduction() bool { return c.NormalizedEnvironment() == EnvProduction }

// IsDevelopment reports whether the environment is a development alias.
func (c *Context) IsDevelopment() bool { return c.NormalizedEnvironment() == EnvDevelopment }

// IsStaging reports whether the environment is a staging alias.
func (c *Context) IsStaging() bool { return c.NormalizedEnvironment() == EnvStaging }

// IsTest reports whether the environment is a test alias.
func (c *Context) IsTest() bool { return c.NormalizedEnvironment() == EnvTest }

// RunID returns the identifier of the run currently using this context.
func (c *Context) RunID() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.runID
}

// BindRun records the run identifier and discards outputs left by an
// earlier run, so a Context can be reused across runs. Configuration,
// secrets and metadata are kept. Called by the pipeline at run start.
func (c *Context) BindRun(runID string) {
	c.mu.Lock()
	c.runID = runID
	clear(c.outputs)
	c.mu.Unlock()
}

// Get returns the configuration value for key, or def when absent.
func (c *Context) Get(key string, def any) any {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if v, ok := c.config[key]; ok {
		return v
	}
	return def
}

// Set stores a configuration value. New keys keep insertion order.
func (c *Context) Set(key string, value any) {
	c.mu.Lock()
	c.setLocked(key, value)
	c.mu.Unlock()
}

func (c *Context) setLocked(key string, value any) {
	if _, ok := c.config[key]; !ok {
		c.configKeys = append(c.configKeys, key)
	}
	c.config[key] = value
}

// GetString returns the value for key formatted as a string, or def.
func (c *Context) GetString(key, def string) string {
	switch v := c.Get(key, nil).(type) {
	case nil:
		return def
	case string:
		return v
	default:
		return fmt.Sprint(v)
	}
}

// GetInt returns the value for key as an int, or def when absent or not
// convertible.
func (c *Context) GetInt(key string, def int) int {
	switch v := c.Get(key, nil).(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	case string:
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

// GetBool returns the value for key as a bool, or def when absent or not
// convertible.
func (c *Context) GetBool(key string, def bool) bool {
	switch v := c.Get(key, nil).(type) {
	case bool:
		return v
	case string:
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return def
}

// ConfigKeys returns configuration keys in insertion order.
func (c *Context) ConfigKeys() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return slices.Clone(c.configKeys)
}

// GetSecret checks the explicit secret map, then the lookup fallback.
func (c *Context) GetSecret(key string) (string, bool) {
	c.mu.RLock()
	v, ok := c.secrets.open(key)
	lookup := c.lookup
	c.mu.RUnlock()
	if ok {
		return v, true
	}
	if lookup != nil {
		return lookup(key)
	}
	return "", false
}

// RequireSecret is GetSecret that fails with *MissingSecretError.
func (c *Context) RequireSecret(key string) (string, error) {
	if v, ok := c.GetSecret(key); ok {
		return v, nil
	}
	return "", &MissingSecretError{Key: key}
}

// SetSecret stores a secret in the explicit map, replacing any earlier value.
func (c *Context) SetSecret(key, value string) {
	c.mu.Lock()
	c.secrets.put(key, value)
	c.mu.Unlock()
}

// GetOutput returns the output of a task that completed in this run.
func (c *Context) GetOutput(task string) (any, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	v, ok := c.outputs[task]
	return v, ok
}

// HasOutput reports whether an output exists for task.
func (c *Context) HasOutput(task string) bool {
	_, ok := c.GetOutput(task)
	return ok
}

// SetOutput records a task output. Each key is write-once; a second write
// returns ErrOutputAlreadySet and leaves the first value in place.
func (c *Context) SetOutput(task string, value any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.outputs[task]; ok {
		return fmt.Errorf("%w: %s", ErrOutputAlreadySet, task)
	}
	c.outputs[task] = value
	return nil
}

// Outputs returns a shallow copy of all recorded outputs.
func (c *Context) Outputs() map[string]any {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return maps.Clone(c.outputs)
}

// OutputCount returns how many outputs have been recorded.
func (c *Context) OutputCount() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.outputs)
}

// SetMetadata stores a metadata value. Tasks may write metadata freely.
func (c *Context) SetMetadata(key string, value any) {
	c.mu.Lock()
	c.metadata[key] = value
	c.mu.Unlock()
}

// GetMetadata returns a metadata value.
func (c *Context) GetMetadata(key string) (any, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	v, ok := c.metadata[key]
	return v, ok
}

// Metadata returns a shallow copy of the metadata map.
func (c *Context) Metadata() map[string]any {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return maps.Clone(c.metadata)
}

// Snapshot is the exported, secret-free view of a Context.
type Snapshot struct {
	Environment string         `json:"environment"`
	RunID       string         `json:"run_id,omitempty"`
	Config      []ConfigEntry  `json:"config"`
	Outputs     []string       `json:"outputs"`
	Metadata    map[string]any `json:"metadata"`
	SecretKeys  int            `json:"secret_count"`
}

// ConfigEntry is one ordered configuration pair in a Snapshot.
type ConfigEntry struct {
	Key   string `json:"key"`
	Value any    `json:"value"`
}

// Export returns a serializable view. The type has no field able to hold
// secret values; only their count is reported.
func (c *Context) Export() Snapshot {
	c.mu.RLock()
	defer c.mu.RUnlock()

	entries := make([]ConfigEntry, 0, len(c.configKeys))
	for _, k := range c.configKeys {
		entries = append(entries, ConfigEntry{Key: k, Value: c.config[k]})
	}
	return Snapshot{
		Environment: c.environment,
		RunID:       c.runID,
		Config:      entries,
		Outputs:     slices.Sorted(maps.Keys(c.outputs)),
		Metadata:    maps.Clone(c.metadata),
		SecretKeys:  c.secrets.len(),
	}
}

// MarshalJSON encodes Export().
func (c *Context) MarshalJSON() ([]byte, error) {
	return json.Marshal(c.Export())
}

// String implements fmt.Stringer without exposing secrets.
func (c *Context) String() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return fmt.Sprintf("execctx.Context{environment=%s config=%d outputs=%d secrets=<redacted>}",
		c.environment, len(c.config), len(c.outputs))
}
