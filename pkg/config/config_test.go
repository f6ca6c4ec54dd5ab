package config

import (
	"bytes"
	"compress/gzip"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/polisai/polis-flow/pkg/classify"
	"github.com/polisai/polis-flow/pkg/domain"
)

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestDefault_IsValid(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())

	opts, err := cfg.Classify.Options()
	require.NoError(t, err)
	assert.Equal(t, classify.DefaultRoutes(), opts.Routes)
	assert.Equal(t, classify.DefaultNoiseRules().Methods, opts.Noise.Methods)
	assert.Equal(t, classify.DefaultTerminalPrefix, opts.TerminalPrefix)

	_, err = classify.NewRegistry(opts)
	require.NoError(t, err)
}

func TestLoad_NoFileUsesDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	assertSameSettings(t, Default(), cfg)
}

func assertSameSettings(t *testing.T, want, got *Config) {
	t.Helper()
	assert.Equal(t, want.Ingest, got.Ingest)
	assert.Equal(t, want.Server.Address, got.Server.Address)
	assert.Equal(t, want.Engine, got.Engine)
	assert.Equal(t, want.Classify.TerminalPrefix, got.Classify.TerminalPrefix)
	assert.Equal(t, want.Classify.SlowThreshold, got.Classify.SlowThreshold)
	assert.Equal(t, want.Classify.Routes, got.Classify.Routes)
	assert.Equal(t, want.Classify.Noise.Methods, got.Classify.Noise.Methods)
	assert.Equal(t, want.Classify.Noise.Statuses, got.Classify.Noise.Statuses)
	assert.Equal(t, want.Classify.Noise.SlowPaths, got.Classify.Noise.SlowPaths)
	assert.Equal(t, want.Broadcast, got.Broadcast)
	assert.Equal(t, want.NATS, got.NATS)
	assert.Equal(t, want.Telemetry.ServiceName, got.Telemetry.ServiceName)
	assert.Equal(t, want.Logging, got.Logging)
}

func TestLoad_FileOverridesDefaults(t *testing.T) {
	path := writeFile(t, t.TempDir(), "flow.yaml", `
ingest:
  address: ":9999"
engine:
  grace_period: 1s
  safety_timeout: 45s
classify:
  routes:
    - name: weather
      family: backend
      prefix: /weather
      caller: mcp
      callee: backend
      policies: [API Key]
logging:
  level: debug
  pretty: true
`)

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, ":9999", cfg.Ingest.Address)
	assert.Equal(t, Default().Server.Address, cfg.Server.Address)
	assert.Equal(t, time.Second, cfg.Engine.GracePeriod)
	assert.Equal(t, 45*time.Second, cfg.Engine.SafetyTimeout)
	assert.Equal(t, Default().Engine.DedupLimit, cfg.Engine.DedupLimit)
	require.Len(t, cfg.Classify.Routes, 1, "a configured route list replaces the defaults")
	assert.Equal(t, "weather", cfg.Classify.Routes[0].Name)
	assert.Equal(t, []string{"API Key"}, cfg.Classify.Routes[0].Policies)
	assert.Equal(t, "debug", cfg.Logging.Level)
	assert.True(t, cfg.Logging.Pretty)

	opts, err := cfg.Classify.Options()
	require.NoError(t, err)
	assert.Equal(t, domain.ParticipantBackend, opts.Routes[0].Callee)
}

func TestLoad_EnvironmentOverrides(t *testing.T) {
	t.Setenv("POLIS_FLOW_ENGINE__GRACE_PERIOD", "2s")
	t.Setenv("POLIS_FLOW_NATS__ENABLED", "true")
	t.Setenv("POLIS_FLOW_LOGGING__LEVEL", "warn")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, 2*time.Second, cfg.Engine.GracePeriod)
	assert.True(t, cfg.NATS.Enabled)
	assert.Equal(t, "warn", cfg.Logging.Level)
}

func TestLoad_Errors(t *testing.T) {
	dir := t.TempDir()

	_, err := Load(filepath.Join(dir, "missing.yaml"))
	require.Error(t, err)

	inverted := writeFile(t, dir, "inverted.yaml", "engine:\n  grace_period: 10s\n  safety_timeout: 1s\n")
	_, err = Load(inverted)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "safety_timeout")

	badRoute := writeFile(t, dir, "route.yaml", `
classify:
  routes:
    - name: x
      family: carrier-pigeon
      prefix: /x
      caller: agent
      callee: backend
`)
	_, err = Load(badRoute)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown family")

	badParticipant := writeFile(t, dir, "participant.yaml", `
classify:
  routes:
    - name: x
      family: backend
      prefix: /x
      caller: agent
      callee: database
`)
	_, err = Load(badParticipant)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown participant")
}

func TestValidate_CollectsErrors(t *testing.T) {
	cfg := Default()
	cfg.Server.Address = cfg.Ingest.Address
	cfg.Logging.Level = "loud"
	cfg.NATS.Enabled = true
	cfg.NATS.URL = ""

	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "cannot share address")
	assert.Contains(t, err.Error(), "logging.level")
	assert.Contains(t, err.Error(), "nats.url")
}

func TestMarshal_LoadsBack(t *testing.T) {
	cfg := Default()
	cfg.Engine.GracePeriod = 900 * time.Millisecond
	data, err := Marshal(cfg)
	require.NoError(t, err)
	assert.Contains(t, string(data), "grace_period: 900ms")

	path := writeFile(t, t.TempDir(), "printed.yaml", string(data))
	loaded, err := Load(path)
	require.NoError(t, err)
	assertSameSettings(t, cfg, loaded)
}

const testModule = `package flow.annotations

import rego.v1

decision := {"policies": []}
`

func TestLoadModules(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "custom.rego", testModule)

	var gz bytes.Buffer
	zw := gzip.NewWriter(&gz)
	_, err := zw.Write([]byte(testModule))
	require.NoError(t, err)
	require.NoError(t, zw.Close())
	writeFile(t, dir, "packed.rego.gz", gz.String())

	cfg := PolicyConfig{
		Enabled: true,
		Modules: []ModuleSource{
			{Path: "custom.rego", SHA256: "sha256:" + computeSHA256Hex([]byte(testModule))},
			{Path: "packed.rego.gz", Name: "packed.rego", Compression: "gzip"},
		},
	}
	modules, err := cfg.LoadModules(dir)
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"custom.rego": testModule, "packed.rego": testModule}, modules)
}

func TestLoadModules_Rejects(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "custom.rego", testModule)
	writeFile(t, dir, "empty.rego", "")

	tests := []struct {
		name   string
		source ModuleSource
		want   string
	}{
		{name: "digest mismatch", source: ModuleSource{Path: "custom.rego", SHA256: "deadbeef"}, want: "checksum mismatch"},
		{name: "empty", source: ModuleSource{Path: "empty.rego"}, want: "empty"},
		{name: "too large", source: ModuleSource{Path: "custom.rego", SizeLimit: 4}, want: "size limit"},
		{name: "missing", source: ModuleSource{Path: "nope.rego"}, want: "open"},
		{name: "compression", source: ModuleSource{Path: "custom.rego", Compression: "zstd"}, want: "unsupported compression"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := PolicyConfig{Modules: []ModuleSource{tt.source}}.LoadModules(dir)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

// replaceFile swaps the file atomically so the watcher sees one event.
func replaceFile(t *testing.T, path, content string) {
	t.Helper()
	tmp := path + ".tmp"
	require.NoError(t, os.WriteFile(tmp, []byte(content), 0o600))
	require.NoError(t, os.Rename(tmp, path))
}

func TestWatcher_ReloadsValidRevisions(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "flow.yaml", "engine:\n  grace_period: 1s\n")
	initial, err := Load(path)
	require.NoError(t, err)

	var results []bool
	reloaded := make(chan bool, 8)
	w, err := NewWatcher(path, initial, WatcherOptions{
		Debounce: 50 * time.Millisecond,
		OnReload: func(ok bool) { reloaded <- ok },
	})
	require.NoError(t, err)
	defer w.Close()
	updates := w.Subscribe()
	assert.Same(t, initial, w.Current())

	replaceFile(t, path, "engine:\n  grace_period: 2s\n")
	select {
	case cfg := <-updates:
		assert.Equal(t, 2*time.Second, cfg.Engine.GracePeriod)
	case <-time.After(5 * time.Second):
		t.Fatal("no reload delivered")
	}
	results = append(results, <-reloaded)

	replaceFile(t, path, "engine:\n  grace_period: 5s\n  safety_timeout: 1s\n")
	select {
	case ok := <-reloaded:
		results = append(results, ok)
	case <-time.After(5 * time.Second):
		t.Fatal("no reload attempted")
	}
	assert.Equal(t, []bool{true, false}, results)
	assert.Equal(t, 2*time.Second, w.Current().Engine.GracePeriod)
	select {
	case cfg := <-updates:
		t.Fatalf("invalid revision delivered: %+v", cfg.Engine)
	default:
	}
}
