package store

import (
	"github.com/bitagent/bitagent/types"
)

// Type selects a storage backend.
type Type string

const (
	TypeMemory Type = "memory"
	TypeFile   Type = "file"
	TypeRedis  Type = "redis"
)

// Config selects and configures a StateStore backend.
type Config struct {
	// Type is the backend: memory, file, or redis
	Type Type `json:"type" yaml:"type"`
	// BaseDir roots the file backend
	BaseDir string `json:"base_dir,omitempty" yaml:"base_dir,omitempty"`
	// Redis configures the redis backend
	Redis RedisConfig `json:"redis,omitempty" yaml:"redis,omitempty"`
}

// DefaultConfig returns the memory backend.
func DefaultConfig() Config {
	return Config{Type: TypeMemory}
}

// Validate checks backend-specific requirements.
func (c Config) Validate() error {
	switch c.Type {
	case TypeMemory:
		return nil
	case TypeFile:
		if c.BaseDir == "" {
			return types.NewError(types.ErrValidation, "file store requires base_dir")
		}
		return nil
	case TypeRedis:
		if c.Redis.Addr == "" {
			return types.NewError(types.ErrValidation, "redis store requires addr")
		}
		return nil
	default:
		return types.Errorf(types.ErrValidation, "unknown store type %q", c.Type)
	}
}

// New builds the configured StateStore.
func New(cfg Config) (StateStore, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	switch cfg.Type {
	case TypeMemory:
		return NewMemoryStore(), nil
	case TypeFile:
		return NewFileStore(cfg.BaseDir)
	case TypeRedis:
		return NewRedisStore(cfg.Redis)
	default:
		return nil, types.Errorf(types.ErrValidation, "unknown store type %q", cfg.Type)
	}
}
