package workflow

import (
	"errors"
	"fmt"
	"path"
	"strings"

	"gopkg.in/yaml.v3"
)

const SpecSchemaV1 = "kiln.workflow.v1"

// Conda target subdirs the farm accepts. The seed matrix uses linux-64,
// osx-64 and win-64.
var knownCondaPlatforms = map[string]struct{}{
	"linux-64":      {},
	"linux-aarch64": {},
	"linux-ppc64le": {},
	"osx-64":        {},
	"osx-arm64":     {},
	"win-64":        {},
}

const (
	DefaultOutputFolder = "pkgs"
)

var defaultArtifactPatterns = []string{"*.tar.bz2", "*.conda"}

type Spec struct {
	Schema      string            `json:"schema" yaml:"schema"`
	Name        string            `json:"name" yaml:"name"`
	Description string            `json:"description,omitempty" yaml:"description,omitempty"`
	Trigger     Trigger           `json:"trigger" yaml:"trigger"`
	Matrix      []MatrixEntry     `json:"matrix" yaml:"matrix"`
	Build       BuildSettings     `json:"build" yaml:"build"`
	Artifacts   ArtifactSettings  `json:"artifacts,omitempty" yaml:"artifacts,omitempty"`
	FailFast    bool              `json:"fail_fast,omitempty" yaml:"fail_fast,omitempty"`
	Env         map[string]string `json:"env,omitempty" yaml:"env,omitempty"`
}

type Trigger struct {
	Repo     string   `json:"repo" yaml:"repo"`
	Branches []string `json:"branches" yaml:"branches"`
}

type MatrixEntry struct {
	Platform      string `json:"platform" yaml:"platform"`
	CondaPlatform string `json:"conda_platform" yaml:"conda_platform"`
	Image         string `json:"image" yaml:"image"`
}

type BuildSettings struct {
	RecipeDir    string   `json:"recipe_dir" yaml:"recipe_dir"`
	OutputFolder string   `json:"output_folder,omitempty" yaml:"output_folder,omitempty"`
	Channels     []string `json:"channels,omitempty" yaml:"channels,omitempty"`
}

type ArtifactSettings struct {
	Patterns      []string `json:"patterns,omitempty" yaml:"patterns,omitempty"`
	RetentionDays int      `json:"retention_days,omitempty" yaml:"retention_days,omitempty"`
}

func ParseSpec(input []byte) (Spec, error) {
	var spec Spec
	if err := yaml.Unmarshal(input, &spec); err != nil {
		return Spec{}, fmt.Errorf("decode spec: %w", err)
	}
	spec.applyDefaults()
	if err := spec.Validate(); err != nil {
		return Spec{}, err
	}
	return spec, nil
}

func (s *Spec) applyDefaults() {
	if strings.TrimSpace(s.Build.OutputFolder) == "" {
		s.Build.OutputFolder = DefaultOutputFolder
	}
	if len(s.Artifacts.Patterns) == 0 {
		s.Artifacts.Patterns = append([]string(nil), defaultArtifactPatterns...)
	}
}

func (s Spec) Validate() error {
	if strings.TrimSpace(s.Schema) != SpecSchemaV1 {
		return fmt.Errorf("spec.schema must be %q", SpecSchemaV1)
	}
	if strings.TrimSpace(s.Name) == "" {
		return errors.New("spec.name is required")
	}
	if strings.TrimSpace(s.Trigger.Repo) == "" {
		return errors.New("spec.trigger.repo is required")
	}
	branches := trimNonEmpty(s.Trigger.Branches)
	if len(branches) == 0 {
		return errors.New("spec.trigger.branches must be non-empty")
	}

	if len(s.Matrix) == 0 {
		return errors.New("spec.matrix must be non-empty")
	}
	seen := make(map[string]struct{}, len(s.Matrix))
	for i, entry := range s.Matrix {
		platform := strings.TrimSpace(entry.Platform)
		if platform == "" {
			return fmt.Errorf("spec.matrix[%d].platform is required", i)
		}
		if _, ok := seen[platform]; ok {
			return fmt.Errorf("spec.matrix[%d].platform must be unique (duplicate %q)", i, platform)
		}
		seen[platform] = struct{}{}

		condaPlatform := strings.TrimSpace(entry.CondaPlatform)
		if condaPlatform == "" {
			return fmt.Errorf("spec.matrix[%d].conda_platform is required", i)
		}
		if _, ok := knownCondaPlatforms[condaPlatform]; !ok {
			return fmt.Errorf("spec.matrix[%d].conda_platform unsupported: %q", i, entry.CondaPlatform)
		}
		if strings.TrimSpace(entry.Image) == "" {
			return fmt.Errorf("spec.matrix[%d].image is required", i)
		}
	}

	if err := validateRelativeDir(s.Build.RecipeDir, "spec.build.recipe_dir"); err != nil {
		return err
	}
	if err := validateRelativeDir(s.Build.OutputFolder, "spec.build.output_folder"); err != nil {
		return err
	}
	for i, channel := range s.Build.Channels {
		if strings.TrimSpace(channel) == "" {
			return fmt.Errorf("spec.build.channels[%d] must be non-empty", i)
		}
	}

	for i, pattern := range s.Artifacts.Patterns {
		if strings.TrimSpace(pattern) == "" {
			return fmt.Errorf("spec.artifacts.patterns[%d] must be non-empty", i)
		}
		if _, err := path.Match(pattern, "probe"); err != nil {
			return fmt.Errorf("spec.artifacts.patterns[%d] invalid: %q", i, pattern)
		}
	}
	if s.Artifacts.RetentionDays < 0 {
		return errors.New("spec.artifacts.retention_days must be >= 0")
	}

	for key := range s.Env {
		if strings.TrimSpace(key) == "" {
			return errors.New("spec.env keys must be non-empty")
		}
	}
	return nil
}

// Entry returns the matrix entry for a platform name.
func (s Spec) Entry(platform string) (MatrixEntry, bool) {
	platform = strings.TrimSpace(platform)
	for _, entry := range s.Matrix {
		if strings.TrimSpace(entry.Platform) == platform {
			return entry, true
		}
	}
	return MatrixEntry{}, false
}

func validateRelativeDir(dir string, field string) error {
	dir = strings.TrimSpace(dir)
	if dir == "" {
		return fmt.Errorf("%s is required", field)
	}
	if strings.HasPrefix(dir, "/") || strings.HasPrefix(dir, "\\") {
		return fmt.Errorf("%s must be relative: %q", field, dir)
	}
	clean := path.Clean(strings.ReplaceAll(dir, "\\", "/"))
	if clean == ".." || strings.HasPrefix(clean, "../") {
		return fmt.Errorf("%s must not escape the workdir: %q", field, dir)
	}
	return nil
}

func trimNonEmpty(values []string) []string {
	out := make([]string, 0, len(values))
	seen := make(map[string]struct{}, len(values))
	for _, item := range values {
		v := strings.TrimSpace(item)
		if v == "" {
			continue
		}
		if _, ok := seen[v]; ok {
			continue
		}
		seen[v] = struct{}{}
		out = append(out, v)
	}
	return out
}
