// Package catalog seeds the tool and model catalog from YAML files.
package catalog

import (
	"context"
	"fmt"
	"log"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/yaotools/toolmeter/internal/userstore"
)

// ModelDefinition is one model entry of models_file.
type ModelDefinition struct {
	ID          string  `yaml:"id"`
	Name        string  `yaml:"name"`
	ModelName   string  `yaml:"model_name"`
	APIURL      string  `yaml:"api_url"`
	APIKey      string  `yaml:"api_key"`
	Description string  `yaml:"description"`
	MaxTokens   int     `yaml:"max_tokens"`
	Temperature float64 `yaml:"temperature"`
	Active      *bool   `yaml:"active"`
	Default     bool    `yaml:"default"`
}

// ToolDefinition is one tool entry of tools_file.
type ToolDefinition struct {
	ID           string   `yaml:"id"`
	Name         string   `yaml:"name"`
	Description  string   `yaml:"description"`
	Category     string   `yaml:"category"`
	RequiredRole string   `yaml:"required_role"`
	Type         string   `yaml:"type"`
	CodeURL      string   `yaml:"code_url"`
	Tags         []string `yaml:"tags"`
	Active       *bool    `yaml:"active"`
}

type modelsFile struct {
	Models []ModelDefinition `yaml:"models"`
}

type toolsFile struct {
	Tools []ToolDefinition `yaml:"tools"`
}

// Writer is the subset of userstore.Store the seeder needs.
type Writer interface {
	UpsertModel(ctx context.Context, model userstore.AIModel) (*userstore.AIModel, error)
	UpsertTool(ctx context.Context, tool userstore.Tool) (*userstore.Tool, error)
}

// LoadModels parses a models file. API keys written as ${VAR} are expanded
// from the environment.
func LoadModels(path string) ([]userstore.AIModel, error) {
	var f modelsFile
	if err := readYAML(path, &f); err != nil {
		return nil, err
	}
	out := make([]userstore.AIModel, 0, len(f.Models))
	defaults := 0
	for i, def := range f.Models {
		id := strings.TrimSpace(def.ID)
		if id == "" || strings.TrimSpace(def.ModelName) == "" {
			return nil, fmt.Errorf("catalog: %s: model #%d needs id and model_name", path, i+1)
		}
		if def.Default {
			defaults++
		}
		out = append(out, userstore.AIModel{
			ID:          id,
			Name:        firstNonEmpty(def.Name, def.ModelName),
			ModelName:   def.ModelName,
			APIURL:      strings.TrimSpace(def.APIURL),
			APIKey:      os.ExpandEnv(def.APIKey),
			Description: def.Description,
			MaxTokens:   def.MaxTokens,
			Temperature: def.Temperature,
			IsActive:    def.Active == nil || *def.Active,
			IsDefault:   def.Default,
		})
	}
	if defaults > 1 {
		return nil, fmt.Errorf("catalog: %s: %d models marked default", path, defaults)
	}
	return out, nil
}

// LoadTools parses a tools file.
func LoadTools(path string) ([]userstore.Tool, error) {
	var f toolsFile
	if err := readYAML(path, &f); err != nil {
		return nil, err
	}
	out := make([]userstore.Tool, 0, len(f.Tools))
	for i, def := range f.Tools {
		id := strings.TrimSpace(def.ID)
		if id == "" {
			return nil, fmt.Errorf("catalog: %s: tool #%d needs an id", path, i+1)
		}
		role := userstore.RoleUser
		if def.RequiredRole != "" {
			r, ok := userstore.ParseRole(def.RequiredRole)
			if !ok {
				return nil, fmt.Errorf("catalog: %s: tool %s: unknown role %q", path, id, def.RequiredRole)
			}
			role = r
		}
		typ := userstore.ToolTypeCode
		switch strings.ToLower(strings.TrimSpace(def.Type)) {
		case "", string(userstore.ToolTypeCode):
		case string(userstore.ToolTypeExternal):
			typ = userstore.ToolTypeExternal
		default:
			return nil, fmt.Errorf("catalog: %s: tool %s: unknown type %q", path, id, def.Type)
		}
		out = append(out, userstore.Tool{
			ID:           id,
			Name:         firstNonEmpty(def.Name, id),
			Description:  def.Description,
			Category:     def.Category,
			RequiredRole: role,
			Type:         typ,
			CodeURL:      def.CodeURL,
			Tags:         def.Tags,
			IsActive:     def.Active == nil || *def.Active,
		})
	}
	return out, nil
}

// Seed upserts the models and tools files into w. Empty paths are skipped.
func Seed(ctx context.Context, w Writer, modelsPath, toolsPath string, logger *log.Logger) error {
	if strings.TrimSpace(modelsPath) != "" {
		models, err := LoadModels(modelsPath)
		if err != nil {
			return err
		}
		if err := SeedModels(ctx, w, models); err != nil {
			return err
		}
		logf(logger, "seeded %d models from %s", len(models), modelsPath)
	}
	if strings.TrimSpace(toolsPath) != "" {
		tools, err := LoadTools(toolsPath)
		if err != nil {
			return err
		}
		for _, tool := range tools {
			if _, err := w.UpsertTool(ctx, tool); err != nil {
				return fmt.Errorf("catalog: upsert tool %s: %w", tool.ID, err)
			}
		}
		logf(logger, "seeded %d tools from %s", len(tools), toolsPath)
	}
	return nil
}

// SeedModels upserts models into w.
func SeedModels(ctx context.Context, w Writer, models []userstore.AIModel) error {
	for _, m := range models {
		if _, err := w.UpsertModel(ctx, m); err != nil {
			return fmt.Errorf("catalog: upsert model %s: %w", m.ID, err)
		}
	}
	return nil
}

func readYAML(path string, into any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("catalog: read %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, into); err != nil {
		return fmt.Errorf("catalog: parse %s: %w", path, err)
	}
	return nil
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if s := strings.TrimSpace(v); s != "" {
			return s
		}
	}
	return ""
}

func logf(logger *log.Logger, format string, args ...any) {
	if logger != nil {
		logger.Printf(format, args...)
	}
}
