package policy

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	"github.com/polisai/polis-flow/pkg/domain"
)

func newTestEngine(t testing.TB) *Engine {
	t.Helper()
	engine, err := NewEngine(context.Background(), EngineOptions{})
	require.NoError(t, err)
	return engine
}

func TestEngine_Annotate(t *testing.T) {
	engine := newTestEngine(t)

	tests := []struct {
		name  string
		input Input
		want  []domain.Policy
	}{
		{
			name:  "success passes configured policies",
			input: Input{Route: "llm", Status: 200, ContentSafety: true, Policies: []string{"Guard Rail", "Token Budget"}},
			want:  []domain.Policy{{Name: "Guard Rail", Passed: true}, {Name: "Token Budget", Passed: true}},
		},
		{
			name:  "client error on content safety route fails guard rail",
			input: Input{Route: "llm", Status: 400, ContentSafety: true, Policies: []string{"Guard Rail"}},
			want:  []domain.Policy{{Name: "Guard Rail", Passed: false}},
		},
		{
			name:  "client error without content safety has no annotations",
			input: Input{Route: "bookings", Status: 404, Policies: []string{"API Key"}},
			want:  nil,
		},
		{
			name:  "rate limited",
			input: Input{Route: "llm", Status: 429, ContentSafety: true},
			want:  []domain.Policy{{Name: "Rate Limit", Passed: false}},
		},
		{
			name:  "blocked call fails guard rail",
			input: Input{Route: "mcp", Status: 403, Blocked: true},
			want:  []domain.Policy{{Name: "Guard Rail", Passed: false}},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := engine.Annotate(context.Background(), tt.input)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got.Policies)
			assert.Equal(t, tt.want, Builtin(tt.input).Policies)
		})
	}
}

func TestEngine_CacheReturnsCopies(t *testing.T) {
	engine := newTestEngine(t)
	input := Input{Route: "llm", Status: 200, Policies: []string{"Guard Rail"}}

	first, err := engine.Annotate(context.Background(), input)
	require.NoError(t, err)
	require.Len(t, first.Policies, 1)
	first.Policies[0].Passed = false

	second, err := engine.Annotate(context.Background(), input)
	require.NoError(t, err)
	assert.True(t, second.Policies[0].Passed)
	assert.Equal(t, 1, engine.cache.Len())

	engine.FlushCache()
	assert.Equal(t, 0, engine.cache.Len())
}

func TestEngine_CacheBounded(t *testing.T) {
	engine, err := NewEngine(context.Background(), EngineOptions{CacheMaxEntries: 1})
	require.NoError(t, err)

	for _, status := range []int{200, 429} {
		_, err := engine.Annotate(context.Background(), Input{Route: "llm", Status: status, Policies: []string{"Guard Rail"}})
		require.NoError(t, err)
	}
	assert.Equal(t, 1, engine.cache.Len())

	uncached, err := NewEngine(context.Background(), EngineOptions{CacheMaxEntries: -1})
	require.NoError(t, err)
	_, err = uncached.Annotate(context.Background(), Input{Route: "llm", Status: 200})
	require.NoError(t, err)
	assert.Nil(t, uncached.cache)
}

func TestNewEngine_InvalidModule(t *testing.T) {
	_, err := NewEngine(context.Background(), EngineOptions{
		Modules: map[string]string{"broken.rego": "package flow.annotations\n\ndecision := {"},
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "broken.rego")
}

func TestEngine_CustomModule(t *testing.T) {
	module := `package custom

import rego.v1

decision := {"policies": [{"name": "Audit", "passed": input.status < 500}]}
`
	engine, err := NewEngine(context.Background(), EngineOptions{
		Entrypoint: "custom/decision",
		Modules:    map[string]string{"custom.rego": module},
	})
	require.NoError(t, err)

	dec, err := engine.Annotate(context.Background(), Input{Status: 502})
	require.NoError(t, err)
	assert.Equal(t, []domain.Policy{{Name: "Audit", Passed: false}}, dec.Policies)
}

func TestChain_FailureWins(t *testing.T) {
	engine := newTestEngine(t)
	module := `package custom

import rego.v1

decision := {"policies": [{"name": "Guard Rail", "passed": false}]}
`
	strict, err := NewEngine(context.Background(), EngineOptions{
		Entrypoint: "custom/decision",
		Modules:    map[string]string{"custom.rego": module},
	})
	require.NoError(t, err)

	dec, err := NewChain(engine, strict).Annotate(context.Background(), Input{Status: 200, Policies: []string{"Guard Rail", "PII"}})
	require.NoError(t, err)
	assert.Equal(t, []domain.Policy{{Name: "Guard Rail", Passed: false}, {Name: "PII", Passed: true}}, dec.Policies)
}

// Property: the Rego module and the Go fallback always agree.
func TestEngineMatchesBuiltinProperty(t *testing.T) {
	engine := newTestEngine(t)

	rapid.Check(t, func(t *rapid.T) {
		input := Input{
			Route:         rapid.SampledFrom([]string{"llm", "mcp", "bookings"}).Draw(t, "route"),
			Status:        rapid.SampledFrom([]int{200, 201, 302, 400, 401, 403, 404, 429, 500, 502}).Draw(t, "status"),
			ContentSafety: rapid.Bool().Draw(t, "content_safety"),
			Blocked:       rapid.Bool().Draw(t, "blocked"),
			Policies:      rapid.SliceOfNDistinct(rapid.SampledFrom([]string{"Guard Rail", "PII", "Rate Limit", "API Key"}), 0, 4, rapid.ID[string]).Draw(t, "policies"),
		}

		got, err := engine.Annotate(context.Background(), input)
		if err != nil {
			t.Fatalf("annotate: %v", err)
		}
		want := Builtin(input)
		if len(got.Policies) != len(want.Policies) {
			t.Fatalf("engine %v != builtin %v", got.Policies, want.Policies)
		}
		for i := range want.Policies {
			if got.Policies[i] != want.Policies[i] {
				t.Fatalf("engine %v != builtin %v", got.Policies, want.Policies)
			}
		}
	})
}
