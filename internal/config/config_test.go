package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"obraline/internal/domain"
)

func TestDefaultIsValid(t *testing.T) {
	cfg := Default("obras-2025")
	require.NoError(t, cfg.Validate())
	assert.Equal(t, "obras-2025", cfg.Program.ID)

	seq, err := cfg.Sequence()
	require.NoError(t, err)
	assert.Equal(t, domain.Stage("planning"), seq.First())
	assert.Equal(t, domain.Stage("completed"), seq.Last())

	cat, err := cfg.Catalog()
	require.NoError(t, err)
	assert.Len(t, cat.Requirements("planning"), 4)
	assert.Empty(t, cat.Requirements("completed"))

	assert.Equal(t, domain.Thresholds{High: 90, Low: 70}, cfg.Thresholds["iaop"])
	assert.Equal(t, "ieg", cfg.SchemeFor("gasto"))
	assert.Equal(t, "avance", cfg.SchemeFor("unknown"))
	assert.Equal(t, "Planeación", cfg.StageName("planning"))
	assert.True(t, cfg.IsReviewerRole("cgpi"))
	assert.False(t, cfg.IsReviewerRole("capturista"))
}

func TestValidateRejects(t *testing.T) {
	cases := map[string]func(c *Config){
		"kind":            func(c *Config) { c.Program.Kind = "software-project" },
		"no stages":       func(c *Config) { c.Stages = nil },
		"dup stage":       func(c *Config) { c.Stages = append(c.Stages, c.Stages[0]) },
		"unknown stage":   func(c *Config) { c.Evidence.Catalog["demolition"] = []RequirementConfig{{ID: "x", Name: "x"}} },
		"bad thresholds":  func(c *Config) { c.Thresholds["avance"] = domain.Thresholds{High: 10, Low: 50} },
		"no modules":      func(c *Config) { c.Modules.Active = nil },
		"score scheme":    func(c *Config) { c.Modules.ScoreThresholds = "nope" },
		"module scheme":   func(c *Config) { c.Modules.Indicators["gasto"] = "nope" },
		"reviewer role":   func(c *Config) { c.RBAC.ReviewerRoles = []string{"ghost"} },
		"webhook url":     func(c *Config) { c.Webhooks = []WebhookConfig{{URL: " "}} },
		"duplicate req":   func(c *Config) { c.Evidence.Catalog["planning"] = append(c.Evidence.Catalog["planning"], c.Evidence.Catalog["planning"][0]) },
		"unnamed req":     func(c *Config) { c.Evidence.Catalog["execution"] = []RequirementConfig{{ID: "x"}} },
		"missing program": func(c *Config) { c.Program.ID = "" },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			cfg := Default("p")
			mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

func TestLoadFromWorkspace(t *testing.T) {
	dir := t.TempDir()
	cfg, err := LoadOptional(dir)
	require.NoError(t, err)
	assert.Nil(t, cfg)

	_, err = Load(dir)
	require.Error(t, err)
	assert.True(t, strings.Contains(err.Error(), "not found"))

	require.NoError(t, os.WriteFile(filepath.Join(dir, "obraline.yml"), []byte(GenerateDefault("municipio")), 0o644))
	cfg, err = Load(dir)
	require.NoError(t, err)
	assert.Equal(t, "municipio", cfg.Program.ID)
}

func TestFromYAMLInvalid(t *testing.T) {
	_, err := FromYAML([]byte("program: ["))
	assert.Error(t, err)
}
