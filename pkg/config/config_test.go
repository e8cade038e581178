package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/substratehq/substrate/pkg/types"
)

func TestParseKernelType(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		want    KernelType
		wantErr bool
	}{
		{"worker python", "worker-python", KernelType{types.KernelModeWorker, types.LanguagePython}, false},
		{"worker typescript", "worker-typescript", KernelType{types.KernelModeWorker, types.LanguageTypeScript}, false},
		{"main spelled short", "main-javascript", KernelType{types.KernelModeMain, types.LanguageJavaScript}, false},
		{"whitespace tolerated", "  worker-python ", KernelType{types.KernelModeWorker, types.LanguagePython}, false},
		{"unknown mode", "batch-python", KernelType{}, true},
		{"unknown language", "worker-cobol", KernelType{}, true},
		{"missing separator", "workerpython", KernelType{}, true},
		{"empty", "", KernelType{}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseKernelType(tt.input)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestParseKernelTypeList(t *testing.T) {
	kts, err := ParseKernelTypeList("worker-python, worker-typescript,,")
	require.NoError(t, err)
	assert.Len(t, kts, 2)

	_, err = ParseKernelTypeList("worker-python,bad")
	assert.Error(t, err)
}

func TestDefaults(t *testing.T) {
	cfg := Default()
	assert.Equal(t, ":8787", cfg.APIAddr)
	assert.Equal(t, 2, cfg.Pool.Size)
	assert.True(t, cfg.Pool.Enabled)
	assert.Equal(t, 10, cfg.VectorDB.MaxInstances)
	assert.Equal(t, "./vectordb_offload", cfg.VectorDB.OffloadDirectory)
	assert.Equal(t, 30*time.Minute, cfg.VectorDB.InactivityTimeout)
	assert.Equal(t, "mock-model", cfg.VectorDB.DefaultProvider)
	assert.Equal(t, 10, cfg.Agents.MaxStepsCap)
	assert.Equal(t, 5, cfg.Kernels.MaxPerNamespace)
}

func TestLoadEnvOverrides(t *testing.T) {
	t.Setenv("ALLOWED_KERNEL_TYPES", "worker-python")
	t.Setenv("KERNEL_POOL_ENABLED", "false")
	t.Setenv("KERNEL_POOL_SIZE", "7")
	t.Setenv("EMBEDDING_MODEL", "custom-model")
	t.Setenv("MAX_VECTOR_DB_INSTANCES", "3")
	t.Setenv("VECTORDB_DEFAULT_INACTIVITY_TIMEOUT", "60000")
	t.Setenv("VECTORDB_ACTIVITY_MONITORING", "false")
	t.Setenv("AGENT_MODEL_NAME", "test-model")
	t.Setenv("AGENT_MODEL_TEMPERATURE", "0.2")
	t.Setenv("MAX_AGENTS", "4")
	t.Setenv("MAX_KERNELS_PER_NAMESPACE", "9")
	t.Setenv("API_ADDR", ":9999")

	cfg := Default()
	require.NoError(t, cfg.LoadEnv())

	assert.Equal(t, []KernelType{{types.KernelModeWorker, types.LanguagePython}}, cfg.Kernels.AllowedTypes)
	assert.False(t, cfg.Pool.Enabled)
	assert.Equal(t, 7, cfg.Pool.Size)
	assert.Equal(t, "custom-model", cfg.VectorDB.DefaultProvider)
	assert.Equal(t, 3, cfg.VectorDB.MaxInstances)
	assert.Equal(t, time.Minute, cfg.VectorDB.InactivityTimeout)
	assert.False(t, cfg.VectorDB.ActivityMonitoring)
	assert.Equal(t, "test-model", cfg.Agents.ModelName)
	assert.InDelta(t, 0.2, float64(cfg.Agents.ModelTemperature), 1e-6)
	assert.Equal(t, 4, cfg.Agents.MaxAgents)
	assert.Equal(t, 9, cfg.Kernels.MaxPerNamespace)
	assert.Equal(t, ":9999", cfg.APIAddr)
}

func TestLoadEnvInvalid(t *testing.T) {
	t.Setenv("KERNEL_POOL_SIZE", "not-a-number")
	cfg := Default()
	assert.Error(t, cfg.LoadEnv())
}

func TestLoadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	data := []byte("apiAddr: \":7000\"\npool:\n  size: 5\nvectordb:\n  maxInstances: 42\n")
	require.NoError(t, os.WriteFile(path, data, 0644))

	cfg := Default()
	require.NoError(t, cfg.LoadFile(path))
	assert.Equal(t, ":7000", cfg.APIAddr)
	assert.Equal(t, 5, cfg.Pool.Size)
	assert.Equal(t, 42, cfg.VectorDB.MaxInstances)
	// Untouched values keep defaults
	assert.Equal(t, "mock-model", cfg.VectorDB.DefaultProvider)
}

func TestLoadEnvWinsOverFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("apiAddr: \":7000\"\n"), 0644))
	t.Setenv("API_ADDR", ":8000")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, ":8000", cfg.APIAddr)
}

func TestTypeAllowed(t *testing.T) {
	k := Kernels{AllowedTypes: []KernelType{{types.KernelModeWorker, types.LanguagePython}}}
	assert.True(t, k.TypeAllowed(types.KernelModeWorker, types.LanguagePython))
	assert.False(t, k.TypeAllowed(types.KernelModeWorker, types.LanguageJavaScript))
	assert.False(t, k.TypeAllowed(types.KernelModeMain, types.LanguagePython))
}
