package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"obraline/internal/domain"
	"obraline/internal/evidence"
	"obraline/internal/indicator"
	"obraline/internal/stage"
)

// Config models obraline.yml.
type Config struct {
	Program struct {
		ID   string `yaml:"id" json:"id"`
		Kind string `yaml:"kind" json:"kind"`
	} `yaml:"program" json:"program"`
	Stages   []StageConfig `yaml:"stages" json:"stages"`
	Evidence struct {
		Catalog map[string][]RequirementConfig `yaml:"catalog" json:"catalog"`
	} `yaml:"evidence" json:"evidence"`
	Thresholds map[string]domain.Thresholds `yaml:"thresholds" json:"thresholds"`
	Modules    struct {
		Active          []string          `yaml:"active" json:"active"`
		ScoreThresholds string            `yaml:"score_thresholds" json:"score_thresholds"`
		Indicators      map[string]string `yaml:"indicators" json:"indicators,omitempty"`
	} `yaml:"modules" json:"modules"`
	RBAC struct {
		Roles         map[string]RBACRole `yaml:"roles" json:"roles"`
		ReviewerRoles []string            `yaml:"reviewer_roles" json:"reviewer_roles"`
	} `yaml:"rbac" json:"rbac"`
	Webhooks []WebhookConfig `yaml:"webhooks" json:"webhooks,omitempty"`
}

type StageConfig struct {
	ID   string `yaml:"id" json:"id"`
	Name string `yaml:"name" json:"name"`
}

type RequirementConfig struct {
	ID          string `yaml:"id" json:"id"`
	Name        string `yaml:"name" json:"name"`
	Description string `yaml:"description" json:"description,omitempty"`
	Mandatory   bool   `yaml:"mandatory" json:"mandatory"`
}

type RBACRole struct {
	Description string   `yaml:"description" json:"description"`
	Permissions []string `yaml:"permissions" json:"permissions"`
}

type WebhookConfig struct {
	URL            string   `yaml:"url" json:"url"`
	Events         []string `yaml:"events" json:"events,omitempty"`
	Secret         string   `yaml:"secret" json:"secret,omitempty"`
	TimeoutSeconds int      `yaml:"timeout_seconds" json:"timeout_seconds,omitempty"`
	Enabled        *bool    `yaml:"enabled" json:"enabled,omitempty"`
}

const ProgramKind = "public-works"

// Load reads and validates config from workspace.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found; import with ol program config import --file <path>", path)
		}
		return nil, err
	}
	return FromYAML(data)
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if c.Program.ID == "" {
		return fmt.Errorf("config.program.id is required")
	}
	if c.Program.Kind != ProgramKind {
		return fmt.Errorf("config.program.kind must be '%s'", ProgramKind)
	}
	if _, err := c.Sequence(); err != nil {
		return fmt.Errorf("config.stages: %w", err)
	}
	known := map[string]bool{}
	for _, s := range c.Stages {
		known[s.ID] = true
	}
	for stageID := range c.Evidence.Catalog {
		if !known[stageID] {
			return fmt.Errorf("config.evidence.catalog references unknown stage %s", stageID)
		}
	}
	if _, err := c.Catalog(); err != nil {
		return fmt.Errorf("config.evidence.catalog: %w", err)
	}
	if len(c.Thresholds) == 0 {
		return fmt.Errorf("config.thresholds is required")
	}
	if err := c.ThresholdTable().Validate(); err != nil {
		return fmt.Errorf("config.thresholds: %w", err)
	}
	if len(c.Modules.Active) == 0 {
		return fmt.Errorf("config.modules.active must list at least one module")
	}
	if _, ok := c.Thresholds[c.Modules.ScoreThresholds]; !ok {
		return fmt.Errorf("config.modules.score_thresholds references unknown thresholds %q", c.Modules.ScoreThresholds)
	}
	for module, scheme := range c.Modules.Indicators {
		if _, ok := c.Thresholds[scheme]; !ok {
			return fmt.Errorf("module %s references unknown thresholds %q", module, scheme)
		}
	}
	if len(c.RBAC.Roles) > 0 {
		if _, ok := c.RBAC.Roles["owner"]; !ok {
			return fmt.Errorf("config.rbac.roles must include owner")
		}
		for roleID, role := range c.RBAC.Roles {
			if roleID == "" {
				return fmt.Errorf("config.rbac.roles contains empty role id")
			}
			for _, perm := range role.Permissions {
				if perm == "" {
					return fmt.Errorf("role %s has empty permission id", roleID)
				}
			}
		}
		for _, roleID := range c.RBAC.ReviewerRoles {
			if _, ok := c.RBAC.Roles[roleID]; !ok {
				return fmt.Errorf("config.rbac.reviewer_roles references unknown role %s", roleID)
			}
		}
	}
	for i, hook := range c.Webhooks {
		if strings.TrimSpace(hook.URL) == "" {
			return fmt.Errorf("webhook %d has empty url", i)
		}
	}
	return nil
}

// Sequence builds the ordered stage sequence.
func (c *Config) Sequence() (stage.Sequence, error) {
	ids := make([]domain.Stage, 0, len(c.Stages))
	for _, s := range c.Stages {
		ids = append(ids, domain.Stage(s.ID))
	}
	return stage.NewSequence(ids...)
}

// Catalog builds the evidence requirement catalog, in stage order.
func (c *Config) Catalog() (evidence.Catalog, error) {
	var reqs []domain.Requirement
	for _, s := range c.Stages {
		for _, r := range c.Evidence.Catalog[s.ID] {
			reqs = append(reqs, domain.Requirement{
				ID:          r.ID,
				Stage:       domain.Stage(s.ID),
				Name:        r.Name,
				Description: r.Description,
				Mandatory:   r.Mandatory,
			})
		}
	}
	return evidence.NewCatalog(reqs)
}

// ThresholdTable returns the named semaphore thresholds.
func (c *Config) ThresholdTable() indicator.Table {
	t := indicator.Table{}
	for name, th := range c.Thresholds {
		t[name] = th
	}
	return t
}

// SchemeFor returns the thresholds name used to classify module; modules
// without their own scheme use the score thresholds.
func (c *Config) SchemeFor(module string) string {
	if scheme, ok := c.Modules.Indicators[module]; ok {
		return scheme
	}
	return c.Modules.ScoreThresholds
}

// StageName returns the display name of a stage.
func (c *Config) StageName(id domain.Stage) string {
	for _, s := range c.Stages {
		if s.ID == string(id) {
			if s.Name != "" {
				return s.Name
			}
			break
		}
	}
	return string(id)
}

// IsReviewerRole reports whether role may review evidence.
func (c *Config) IsReviewerRole(role string) bool {
	for _, r := range c.RBAC.ReviewerRoles {
		if r == role {
			return true
		}
	}
	return false
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "obraline.yml")
}

// GenerateDefault returns default config YAML.
func GenerateDefault(programID string) string {
	return fmt.Sprintf(defaultTemplate, programID)
}

// LoadOptional returns nil,nil if the config file does not exist.
func LoadOptional(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	return FromYAML(data)
}

// Default returns the default Config struct for a program.
func Default(programID string) *Config {
	var cfg Config
	_ = yaml.NewDecoder(bytes.NewBufferString(fmt.Sprintf(defaultTemplate, programID))).Decode(&cfg)
	cfg.Program.ID = programID
	cfg.Program.Kind = ProgramKind
	return &cfg
}

// FromYAML parses and validates config from raw YAML bytes.
func FromYAML(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("invalid config yaml: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// FromFile reads YAML config from the given path.
func FromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return FromYAML(data)
}

const defaultTemplate = `program:
  id: %s
  kind: public-works

stages:
  - id: planning
    name: Planeación
  - id: management
    name: Gestión
  - id: contracting
    name: Contratación
  - id: execution
    name: Ejecución
  - id: completed
    name: Concluida

evidence:
  catalog:
    planning:
      - id: proyecto-ejecutivo
        name: Proyecto ejecutivo
        description: "Planos, especificaciones y catálogo de conceptos"
        mandatory: true
      - id: estudio-factibilidad
        name: Estudio de factibilidad
        description: "Análisis técnico, económico y social de la obra"
        mandatory: true
      - id: manifestacion-impacto
        name: Manifestación de impacto ambiental
        description: "Resolutivo o exención emitida por la autoridad ambiental"
        mandatory: true
      - id: reporte-fotografico
        name: Reporte fotográfico del sitio
        mandatory: false
    management:
      - id: registro-cartera
        name: Registro en cartera de inversión
        mandatory: true
      - id: suficiencia-presupuestal
        name: Oficio de suficiencia presupuestal
        mandatory: true
      - id: derecho-de-via
        name: Liberación de derecho de vía
        mandatory: false
    contracting:
      - id: convocatoria
        name: Convocatoria o invitación
        mandatory: true
      - id: fallo
        name: Acta de fallo
        mandatory: true
      - id: contrato
        name: Contrato firmado
        mandatory: true
      - id: fianzas
        name: Fianzas de cumplimiento y anticipo
        mandatory: true
    execution:
      - id: bitacora
        name: Bitácora electrónica de obra
        mandatory: true
      - id: estimaciones
        name: Estimaciones pagadas
        mandatory: true
      - id: acta-entrega
        name: Acta de entrega-recepción
        mandatory: true

thresholds:
  iaop: {high: 90, low: 70}
  avance: {high: 80, low: 60}
  cumplimiento: {high: 67, low: 34}
  ieg: {high: 90, low: 70}
  icd: {high: 80, low: 60}
  icc: {high: 80, low: 60}
  ian: {high: 67, low: 34}
  igdi: {high: 80, low: 60}

modules:
  active: [gasto, indicadores, compromisos, normatividad]
  score_thresholds: avance
  indicators:
    gasto: ieg
    indicadores: iaop
    compromisos: icc
    normatividad: ian

rbac:
  roles:
    owner:
      description: "Full control of the program"
      permissions: [program.create, program.configure, program.read, entity.create, entity.read, evidence.attach, evidence.remove, evidence.review, stage.advance, stage.override, progress.write, summary.read, events.read, rbac.manage]
    capturista:
      description: "Captures entities, progress and evidence"
      permissions: [program.read, entity.create, entity.read, evidence.attach, evidence.remove, stage.advance, progress.write, summary.read]
    cgpi:
      description: "Reviews evidence (CGPI)"
      permissions: [program.read, entity.read, evidence.review, summary.read, events.read]
  reviewer_roles: [owner, cgpi]
`
