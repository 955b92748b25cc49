package userstore

import (
	"context"
	"errors"
	"strings"
	"time"
)

// ErrNotFound is returned when a user, tool or model does not exist.
var ErrNotFound = errors.New("userstore: not found")

// Role gates access to tools and admin operations.
type Role string

const (
	RoleUser       Role = "user"
	RolePremium    Role = "premium"
	RoleAdmin      Role = "admin"
	RoleSuperAdmin Role = "super_admin"
)

func (r Role) rank() int {
	switch r {
	case RoleUser:
		return 1
	case RolePremium:
		return 2
	case RoleAdmin:
		return 3
	case RoleSuperAdmin:
		return 4
	default:
		return 0
	}
}

// Satisfies reports whether r grants access to something requiring required.
// An empty requirement is open to everyone.
func (r Role) Satisfies(required Role) bool {
	if required == "" {
		return true
	}
	return r.rank() >= required.rank() && r.rank() > 0
}

// IsAdmin reports whether r may use admin operations.
func (r Role) IsAdmin() bool { return r.rank() >= RoleAdmin.rank() }

// ParseRole normalises a role name, returning false for unknown values.
func ParseRole(v string) (Role, bool) {
	r := Role(strings.ToLower(strings.TrimSpace(v)))
	return r, r.rank() > 0
}

// User is an identity allowed to hold a balance.
type User struct {
	ID          string
	Email       string
	DisplayName string
	Role        Role
	IsActive    bool
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// ToolType distinguishes tools bundled as code from links to external sites.
type ToolType string

const (
	ToolTypeCode     ToolType = "code"
	ToolTypeExternal ToolType = "external"
)

// Tool is a metered tool that must be activated before use.
type Tool struct {
	ID           string
	Name         string
	Description  string
	Category     string
	RequiredRole Role
	Type         ToolType
	CodeURL      string
	Tags         []string
	IsActive     bool
	UsageCount   int64
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

const (
	defaultMaxTokens   = 1000
	defaultTemperature = 0.7
)

// AIModel is one entry of the inference model catalog.
type AIModel struct {
	ID          string
	Name        string
	ModelName   string
	APIURL      string
	APIKey      string
	Description string
	MaxTokens   int
	Temperature float64
	IsActive    bool
	IsDefault   bool
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// EffectiveMaxTokens applies the catalog default when unset.
func (m AIModel) EffectiveMaxTokens() int {
	if m.MaxTokens <= 0 {
		return defaultMaxTokens
	}
	return m.MaxTokens
}

// EffectiveTemperature applies the catalog default when unset.
func (m AIModel) EffectiveTemperature() float64 {
	if m.Temperature <= 0 {
		return defaultTemperature
	}
	return m.Temperature
}

// Store persists users, tools and the model catalog across SQLite/Postgres
// backends.
type Store interface {
	// EnsureUser returns the user with email, creating it with role when missing.
	EnsureUser(ctx context.Context, email string, role Role) (*User, error)
	FindByEmail(ctx context.Context, email string) (*User, error)
	GetUser(ctx context.Context, id string) (*User, error)
	SetRole(ctx context.Context, id string, role Role) error

	UpsertTool(ctx context.Context, tool Tool) (*Tool, error)
	GetTool(ctx context.Context, id string) (*Tool, error)
	ListTools(ctx context.Context, activeOnly bool) ([]Tool, error)
	IncrementToolUsage(ctx context.Context, id string) (int64, error)

	UpsertModel(ctx context.Context, model AIModel) (*AIModel, error)
	GetModel(ctx context.Context, id string) (*AIModel, error)
	ListModels(ctx context.Context, activeOnly bool) ([]AIModel, error)
	// DefaultModel returns the active model flagged default, else the oldest
	// active model.
	DefaultModel(ctx context.Context) (*AIModel, error)

	Close() error
}

// NormalizeEmail lowercases and trims an email address.
func NormalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}
