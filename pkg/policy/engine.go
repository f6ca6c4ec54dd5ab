package policy

import (
	"context"
	"crypto/sha256"
	_ "embed"
	"encoding/hex"
	"errors"
	"fmt"
	"hash"
	"log/slog"
	"sort"
	"strconv"
	"strings"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/open-policy-agent/opa/v1/ast"
	"github.com/open-policy-agent/opa/v1/rego"

	"github.com/polisai/polis-flow/pkg/domain"
)

//go:embed annotations.rego
var bundledModule string

// BundledModuleName is the module name of the embedded annotation rules.
const BundledModuleName = "annotations.rego"

// EngineOptions control OPA engine construction and runtime behaviour.
type EngineOptions struct {
	// Entrypoint is the decision path (e.g. "flow/annotations/decision").
	Entrypoint string
	// Modules contains the Rego modules to load. Empty selects the bundled
	// annotation module.
	Modules map[string]string
	// CacheMaxEntries bounds the decision cache size (LRU). Zero selects the
	// default size; negative disables caching entirely.
	CacheMaxEntries int
	Logger          *slog.Logger
}

// Engine evaluates annotation decisions using an embedded OPA instance.
type Engine struct {
	moduleOrder   []string
	parsedModules map[string]*ast.Module
	entrypoint    string
	cache         *lru.Cache[string, Decision]
	prepared      *rego.PreparedEvalQuery
	logger        *slog.Logger
	mu            sync.RWMutex
}

const (
	defaultEntrypoint    = "flow/annotations/decision"
	defaultCacheCapacity = 1024
)

// BundledModules returns the embedded annotation module keyed by name.
func BundledModules() map[string]string {
	return map[string]string{BundledModuleName: bundledModule}
}

// NewEngine compiles the configured modules and prepares the entrypoint.
func NewEngine(ctx context.Context, opts EngineOptions) (*Engine, error) {
	entry := strings.TrimSpace(opts.Entrypoint)
	if entry == "" {
		entry = defaultEntrypoint
	}

	modules := opts.Modules
	if len(modules) == 0 {
		modules = BundledModules()
	}

	maxEntries := opts.CacheMaxEntries
	switch {
	case maxEntries == 0:
		maxEntries = defaultCacheCapacity
	case maxEntries < 0:
		maxEntries = 0
	}

	var cache *lru.Cache[string, Decision]
	if maxEntries > 0 {
		var err error
		if cache, err = lru.New[string, Decision](maxEntries); err != nil {
			return nil, fmt.Errorf("create decision cache: %w", err)
		}
	}

	moduleOrder := make([]string, 0, len(modules))
	for name := range modules {
		moduleOrder = append(moduleOrder, name)
	}
	sort.Strings(moduleOrder)

	parsedModules := make(map[string]*ast.Module, len(modules))
	for _, name := range moduleOrder {
		module, err := ast.ParseModuleWithOpts(name, modules[name], ast.ParserOptions{RegoVersion: ast.RegoV1})
		if err != nil {
			return nil, fmt.Errorf("parse rego module %q: %w", name, err)
		}
		parsedModules[name] = module
	}

	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	engine := &Engine{
		moduleOrder:   moduleOrder,
		parsedModules: parsedModules,
		entrypoint:    entry,
		cache:         cache,
		logger:        logger,
	}

	if _, err := engine.getPreparedQuery(ctx); err != nil {
		return nil, fmt.Errorf("compile rego modules: %w", err)
	}

	return engine, nil
}

// Annotate evaluates the annotation decision for one call.
func (e *Engine) Annotate(ctx context.Context, input Input) (Decision, error) {
	cacheKey, shouldCache := e.cacheKey(input)
	if shouldCache {
		if cached, ok := e.cache.Get(cacheKey); ok {
			return cloneDecision(cached), nil
		}
	}

	prepared, err := e.getPreparedQuery(ctx)
	if err != nil {
		return Decision{}, fmt.Errorf("prepare query: %w", err)
	}

	payload := map[string]any{
		"family":         input.Family,
		"route":          input.Route,
		"status":         input.Status,
		"content_safety": input.ContentSafety,
		"blocked":        input.Blocked,
		"policies":       append([]string{}, input.Policies...),
	}

	results, err := prepared.Eval(ctx, rego.EvalInput(payload))
	if err != nil {
		return Decision{}, fmt.Errorf("opa decision: %w", err)
	}

	if len(results) == 0 || len(results[0].Expressions) == 0 {
		e.logger.Debug("opa returned no result", "entrypoint", e.entrypoint, "route", input.Route)
		return Decision{}, nil
	}

	decisionPayload, ok := results[0].Expressions[0].Value.(map[string]any)
	if !ok {
		return Decision{}, fmt.Errorf("opa decision: unexpected result type %T", results[0].Expressions[0].Value)
	}

	policies, err := parsePolicies(decisionPayload["policies"])
	if err != nil {
		return Decision{}, err
	}
	decision := Decision{Policies: policies}

	if shouldCache {
		e.cache.Add(cacheKey, decision)
	}

	return cloneDecision(decision), nil
}

// FlushCache clears all cached decisions. Safe to call concurrently.
func (e *Engine) FlushCache() {
	if e.cache != nil {
		e.cache.Purge()
	}
}

func (e *Engine) getPreparedQuery(ctx context.Context) (*rego.PreparedEvalQuery, error) {
	e.mu.RLock()
	if e.prepared != nil {
		prepared := e.prepared
		e.mu.RUnlock()
		return prepared, nil
	}
	e.mu.RUnlock()

	query := "data." + strings.ReplaceAll(e.entrypoint, "/", ".")

	opts := make([]func(*rego.Rego), 0, len(e.parsedModules)+1)
	opts = append(opts, rego.Query(query))
	for _, name := range e.moduleOrder {
		opts = append(opts, rego.ParsedModule(e.parsedModules[name]))
	}

	prepared, err := rego.New(opts...).PrepareForEval(ctx)
	if err != nil {
		return nil, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if e.prepared != nil {
		return e.prepared, nil
	}
	e.prepared = &prepared
	return &prepared, nil
}

// cacheKey generates a deterministic hash key for caching decisions.
func (e *Engine) cacheKey(input Input) (string, bool) {
	if e.cache == nil || input.DisableCache {
		return "", false
	}

	h := sha256.New()
	writeCacheKeyField(h, input.Family)
	writeCacheKeyField(h, input.Route)
	writeCacheKeyField(h, strconv.Itoa(input.Status))
	writeCacheKeyField(h, strconv.FormatBool(input.ContentSafety))
	writeCacheKeyField(h, strconv.FormatBool(input.Blocked))
	writeCacheKeyField(h, strings.Join(normalizeStringSlice(input.Policies), ","))

	return hex.EncodeToString(h.Sum(nil)), true
}

// writeCacheKeyField writes a field to the hash followed by a null delimiter.
func writeCacheKeyField(h hash.Hash, value string) {
	h.Write([]byte(value))
	h.Write([]byte{0})
}

// normalizeStringSlice creates a sorted copy of the input slice for consistent hashing.
func normalizeStringSlice(input []string) []string {
	if len(input) == 0 {
		return nil
	}
	normalized := append([]string(nil), input...)
	sort.Strings(normalized)
	return normalized
}

func cloneDecision(dec Decision) Decision {
	if len(dec.Policies) == 0 {
		return Decision{}
	}
	return Decision{Policies: append([]domain.Policy(nil), dec.Policies...)}
}

func parsePolicies(value any) ([]domain.Policy, error) {
	if value == nil {
		return nil, nil
	}
	items, ok := value.([]any)
	if !ok {
		return nil, fmt.Errorf("opa decision: policies must be an array, got %T", value)
	}

	out := make([]domain.Policy, 0, len(items))
	for _, item := range items {
		obj, ok := item.(map[string]any)
		if !ok {
			return nil, fmt.Errorf("opa decision: policy entry must be an object, got %T", item)
		}
		name, _ := obj["name"].(string)
		if strings.TrimSpace(name) == "" {
			return nil, errors.New("opa decision: policy entry without name")
		}
		passed, _ := obj["passed"].(bool)
		out = append(out, domain.Policy{Name: name, Passed: passed})
	}
	if len(out) == 0 {
		return nil, nil
	}
	sortPolicies(out)
	return out, nil
}
