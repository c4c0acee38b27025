package registry

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"
)

// catalogFile is the on-disk layout shared by YAML and TOML catalogs.
//
//	backends:
//	  - id: gpt-4o-mini
//	    vendor: openai
//	    tier: Tier_1
//	    context_window: 128000
//	    cost_in_per_million: 0.15
//	    cost_out_per_million: 0.60
type catalogFile struct {
	Backends []catalogEntry `yaml:"backends" toml:"backends"`
}

type catalogEntry struct {
	ID                string   `yaml:"id" toml:"id"`
	Vendor            string   `yaml:"vendor" toml:"vendor"`
	Tier              Tier     `yaml:"tier" toml:"tier"`
	ContextWindow     int      `yaml:"context_window" toml:"context_window"`
	CostInPerMillion  float64  `yaml:"cost_in_per_million" toml:"cost_in_per_million"`
	CostOutPerMillion float64  `yaml:"cost_out_per_million" toml:"cost_out_per_million"`
	SupportsTools     bool     `yaml:"supports_tools" toml:"supports_tools"`
	Active            *bool    `yaml:"active" toml:"active"`
	QuotaRPM          int      `yaml:"quota_rpm" toml:"quota_rpm"`
	QuotaTPM          int      `yaml:"quota_tpm" toml:"quota_tpm"`
	Regions           []string `yaml:"regions" toml:"regions"`
	PriorSuccess      float64  `yaml:"prior_success" toml:"prior_success"`
}

// descriptor applies catalog defaults: active, global region, prior 0.99.
func (e catalogEntry) descriptor() BackendDescriptor {
	d := BackendDescriptor{
		ID:                e.ID,
		Vendor:            e.Vendor,
		Tier:              e.Tier,
		ContextWindow:     e.ContextWindow,
		CostInPerMillion:  e.CostInPerMillion,
		CostOutPerMillion: e.CostOutPerMillion,
		SupportsTools:     e.SupportsTools,
		Active:            e.Active == nil || *e.Active,
		QuotaRPM:          e.QuotaRPM,
		QuotaTPM:          e.QuotaTPM,
		Regions:           e.Regions,
		PriorSuccess:      e.PriorSuccess,
	}
	if len(d.Regions) == 0 {
		d.Regions = []string{GlobalRegion}
	}
	if d.PriorSuccess == 0 {
		d.PriorSuccess = DefaultPriorSuccess
	}
	return d
}

// FileSource loads the catalog from a YAML or TOML file, chosen by extension.
type FileSource struct {
	path   string
	logger *slog.Logger
}

// NewFileSource creates a file-backed catalog source.
func NewFileSource(path string, logger *slog.Logger) *FileSource {
	if logger == nil {
		logger = slog.Default()
	}
	return &FileSource{
		path:   path,
		logger: logger.With("component", "registry.file", "path", path),
	}
}

// Name implements Source.
func (s *FileSource) Name() string { return "file:" + s.path }

// Path returns the catalog file path.
func (s *FileSource) Path() string { return s.path }

// Load implements Source.
func (s *FileSource) Load(ctx context.Context) ([]BackendDescriptor, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	data, err := os.ReadFile(s.path)
	if err != nil {
		return nil, fmt.Errorf("failed to read catalog: %w", err)
	}

	var file catalogFile
	switch ext := strings.ToLower(filepath.Ext(s.path)); ext {
	case ".toml":
		if _, err := toml.Decode(string(data), &file); err != nil {
			return nil, fmt.Errorf("failed to parse TOML catalog: %w", err)
		}
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, &file); err != nil {
			return nil, fmt.Errorf("failed to parse YAML catalog: %w", err)
		}
	default:
		return nil, fmt.Errorf("unsupported catalog extension %q", ext)
	}

	backends := make([]BackendDescriptor, 0, len(file.Backends))
	for _, e := range file.Backends {
		backends = append(backends, e.descriptor())
	}

	s.logger.Debug("catalog file parsed", "backends", len(backends))
	return backends, nil
}
