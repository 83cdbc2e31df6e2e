package engine

import (
	"database/sql"
	"errors"
	"sync"

	"github.com/go-redis/redis"
)

// ErrNoDatabase is returned by GetDB until a SQL store installs its pool
// with SetDB. The repository never opens connections itself; the memory
// store leaves it unset and handlers report the database as absent.
var ErrNoDatabase = errors.New("database not configured")

// ConfigRepository shares the loaded configuration and the connections
// opened from it with the HTTP handlers.
type ConfigRepository interface {
	GetConfig() *ConfigWorkspace
	SetConfig(config ConfigWorkspace)
	GetRedisClient() *redis.Client
	SetRedisClient(client *redis.Client)
	GetDB() (*sql.DB, error)
	SetDB(database *sql.DB)
}

type sharedResources struct {
	mu    sync.RWMutex
	cfg   ConfigWorkspace
	redis *redis.Client
	db    *sql.DB
}

var shared = &sharedResources{cfg: DefaultConfig()}

func GetConfigRepository() ConfigRepository { return shared }

// GetConfig returns a copy; changes go through SetConfig.
func (r *sharedResources) GetConfig() *ConfigWorkspace {
	r.mu.RLock()
	defer r.mu.RUnlock()
	cfg := r.cfg
	return &cfg
}

// GetRedisClient is nil when redis is disabled.
func (r *sharedResources) GetRedisClient() *redis.Client {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.redis
}

func (r *sharedResources) GetDB() (*sql.DB, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.db == nil {
		return nil, ErrNoDatabase
	}
	return r.db, nil
}

func (r *sharedResources) SetConfig(cfg ConfigWorkspace)      { r.set(func() { r.cfg = cfg }) }
func (r *sharedResources) SetRedisClient(client *redis.Client) { r.set(func() { r.redis = client }) }
func (r *sharedResources) SetDB(db *sql.DB)                    { r.set(func() { r.db = db }) }

func (r *sharedResources) set(fn func()) {
	r.mu.Lock()
	defer r.mu.Unlock()
	fn()
}

func GetConfig() *ConfigWorkspace { return shared.GetConfig() }

func GetDB() (*sql.DB, error) { return shared.GetDB() }
