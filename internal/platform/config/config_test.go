package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	// 外部環境の影響を受けないように主要な変数を空にする
	for _, key := range []string{
		"RRF_RANK_CONSTANT", "RETRIEVAL_TOP_K", "STYLE_PROFILE_MAX_AGE",
		"PIPELINE_MAX_DRAFT_ATTEMPTS", "PIPELINE_MIN_QUALITY_SCORE", "PIPELINE_DEDUP_THRESHOLD",
		"PIPELINE_EVENT_BUFFER", "PIPELINE_CHECK_HISTORY",
	} {
		t.Setenv(key, "")
	}

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, 60, cfg.Retrieval.RankConstant)
	assert.Equal(t, 5, cfg.Retrieval.TopK)
	assert.Equal(t, time.Duration(0), cfg.Style.MaxAge)
	assert.Equal(t, 3, cfg.Pipeline.MaxDraftAttempts)
	assert.Equal(t, 6.0, cfg.Pipeline.MinQualityScore)
	assert.Equal(t, 0.92, cfg.Pipeline.DedupThreshold)
	assert.Equal(t, 16, cfg.Pipeline.EventBuffer)
	assert.False(t, cfg.Pipeline.CheckHistory)
}

func TestLoad_EnvFile(t *testing.T) {
	envPath := filepath.Join(t.TempDir(), ".env")
	content := "PIPELINE_DEDUP_THRESHOLD=0.85\nSTYLE_PROFILE_MAX_AGE=24h\nPIPELINE_CHECK_HISTORY=true\n"
	require.NoError(t, os.WriteFile(envPath, []byte(content), 0o644))

	// godotenv は既存の環境変数を上書きしないため、テスト後に消しておく
	t.Setenv("PIPELINE_DEDUP_THRESHOLD", "")
	t.Setenv("STYLE_PROFILE_MAX_AGE", "")
	t.Setenv("PIPELINE_CHECK_HISTORY", "")
	os.Unsetenv("PIPELINE_DEDUP_THRESHOLD")
	os.Unsetenv("STYLE_PROFILE_MAX_AGE")
	os.Unsetenv("PIPELINE_CHECK_HISTORY")

	cfg, err := Load(envPath)
	require.NoError(t, err)

	assert.Equal(t, 0.85, cfg.Pipeline.DedupThreshold)
	assert.Equal(t, 24*time.Hour, cfg.Style.MaxAge)
	assert.True(t, cfg.Pipeline.CheckHistory)
}

func TestLoad_MissingEnvFileIsIgnored(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.env"))
	require.NoError(t, err)
}

func TestConfig_Validate(t *testing.T) {
	valid := func() *Config {
		return &Config{
			Retrieval: RetrievalConfig{RankConstant: 60, TopK: 5},
			Pipeline: PipelineConfig{
				MaxDraftAttempts: 3,
				MinQualityScore:  6,
				DedupThreshold:   0.92,
				EventBuffer:      16,
			},
		}
	}

	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{name: "valid", mutate: func(*Config) {}, wantErr: false},
		{name: "threshold zero", mutate: func(c *Config) { c.Pipeline.DedupThreshold = 0 }, wantErr: true},
		{name: "threshold above one", mutate: func(c *Config) { c.Pipeline.DedupThreshold = 1.2 }, wantErr: true},
		{name: "score above ten", mutate: func(c *Config) { c.Pipeline.MinQualityScore = 11 }, wantErr: true},
		{name: "no attempts", mutate: func(c *Config) { c.Pipeline.MaxDraftAttempts = 0 }, wantErr: true},
		{name: "negative max age", mutate: func(c *Config) { c.Style.MaxAge = -time.Second }, wantErr: true},
		{name: "zero rank constant", mutate: func(c *Config) { c.Retrieval.RankConstant = 0 }, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrInvalidConfig)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}
