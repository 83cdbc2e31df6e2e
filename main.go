// Package main runs the nFlow Automate server.
// nFlow Automate receives events from Slack and Google Drive, matches them
// against the trigger of every published workflow and walks the compiled
// paths of each match, calling the connectors on the way.
package main

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/arturoeanton/gocommons/utils"
	"github.com/arturoeanton/nflow-automate/endpoints"
	"github.com/arturoeanton/nflow-automate/engine"
	"github.com/arturoeanton/nflow-automate/logger"
	"github.com/arturoeanton/nflow-automate/model"
	"github.com/arturoeanton/nflow-automate/plugins"
	"github.com/arturoeanton/nflow-automate/process"
	"github.com/arturoeanton/nflow-automate/ratelimit"
	"github.com/arturoeanton/nflow-automate/security/encryption"
	"github.com/arturoeanton/nflow-automate/security/interceptor"
	"github.com/arturoeanton/nflow-automate/store"
	"github.com/go-redis/redis"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
)

var (
	// verbose enables verbose logging when set via -v flag
	verbose    = flag.Bool("v", false, "Enable verbose logging")
	configPath = flag.String("c", "config.toml", "Path to the TOML configuration")
	seed       = flag.String("w", "", "Workflow file or directory (.json, .yaml, .yml) saved on startup")
)

func main() {
	flag.Parse()

	logger.Initialize(*verbose)
	logger.Info("Starting nFlow Automate")
	if *verbose {
		logger.Verbose("Verbose logging enabled")
	}

	config, err := engine.LoadConfig(*configPath)
	if err != nil {
		logger.Fatal("Failed to load configuration", logger.Err(err))
	}
	configRepo := engine.GetConfigRepository()
	configRepo.SetConfig(config)

	var redisClient *redis.Client
	if config.RedisConfig.Host != "" {
		redisClient = redis.NewClient(&redis.Options{
			Addr:     config.RedisConfig.Host,
			Password: config.RedisConfig.Password,
			DB:       config.RedisConfig.DB,
			PoolSize: config.RedisConfig.MaxConnectionPool,
		})
		if err := redisClient.Ping().Err(); err != nil {
			logger.Warn("Redis is not reachable, continuing", "host", config.RedisConfig.Host, logger.Err(err))
		}
		configRepo.SetRedisClient(redisClient)
	}

	var enc *encryption.EncryptionService
	if config.EncryptionConfig.Key != "" {
		enc, err = encryption.NewEncryptionService(config.EncryptionConfig.Key)
		if err != nil {
			logger.Fatal("Invalid encryption key", logger.Err(err))
		}
		logger.Info("Credential encryption enabled")
	} else {
		logger.Warn("No encryption key configured, credentials are stored in plain text")
	}

	st, err := store.New(config.DatabaseConfig, enc)
	if err != nil {
		logger.Fatal("Failed to initialize store", logger.Err(err))
	}
	if sqlStore, ok := st.(*store.SQLStore); ok {
		configRepo.SetDB(sqlStore.DB())
	}

	runs := process.NewProcessRepository()
	eng := engine.New(engine.Options{
		Store:       st,
		Credentials: st,
		Connectors:  plugins.Load(config),
		Deduper:     engine.NewDeduper(config.EngineConfig, redisClient),
		Runs:        runs,
		Config:      config.EngineConfig,
	})

	if *seed != "" {
		if err := seedWorkflows(context.Background(), eng, *seed); err != nil {
			logger.Fatal("Failed to load workflows", "path", *seed, logger.Err(err))
		}
	}

	var stepWriter engine.StepWriter = st
	if config.TrackerConfig.RedactOutputs {
		patterns, err := interceptor.ParsePatterns(config.TrackerConfig.RedactPatterns)
		if err != nil {
			logger.Fatal("Invalid tracker configuration", logger.Err(err))
		}
		redactor := interceptor.NewSensitiveDataInterceptor(enc, &interceptor.Config{Enabled: true, Patterns: patterns})
		stepWriter = redactor.Writer(st)
	}
	tracker := engine.NewTracker(stepWriter, config.TrackerConfig)
	eng.Dispatcher().AddObserver(tracker)

	limiter := ratelimit.NewRateLimiter(&config.RateLimitConfig, redisClient)
	if config.RateLimitConfig.Enabled {
		logger.Infof("Rate limiting enabled: %d deliveries per %d minute(s) per credential key",
			config.RateLimitConfig.Rate,
			config.RateLimitConfig.WindowMinutes)
	}

	server := endpoints.NewServer(endpoints.Deps{
		Engine:  eng,
		Store:   st,
		Runs:    runs,
		Limiter: limiter,
		Tracker: tracker,
		Redis:   redisClient,
		Config:  configRepo.GetConfig(),
	})

	e := echo.New()
	e.HideBanner = true
	e.Use(middleware.Logger())
	e.Use(middleware.Recover())
	server.Register(e)

	logger.Info("Starting nFlow Automate", "address", config.ServerConfig.Address, "public_url", config.ServerConfig.PublicURL)
	if config.MonitorConfig.Enabled {
		logger.Infof("Health check available at %s", config.MonitorConfig.HealthCheckPath)
		logger.Infof("Prometheus metrics available at %s", config.MonitorConfig.MetricsPath)
	}

	go func() {
		if err := e.Start(config.ServerConfig.Address); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("Server stopped", logger.Err(err))
		}
	}()

	// Wait for interrupt signal to gracefully shutdown the server
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)
	<-quit
	logger.Info("Server shutting down")

	ctx, cancel := context.WithTimeout(context.Background(), config.ServerConfig.ShutdownTimeout)
	defer cancel()
	if err := e.Shutdown(ctx); err != nil {
		logger.Warn("HTTP shutdown", logger.Err(err))
	}
	if err := server.Wait(ctx); err != nil {
		logger.Warn("Runs still in flight were canceled", logger.Err(err))
	}

	tracker.Shutdown()
	limiter.Close()
	eng.Close()
	if redisClient != nil {
		redisClient.Close()
	}
	if err := st.Close(); err != nil {
		logger.Warn("Store close", logger.Err(err))
	}
	logger.Info("Server stopped")
}

// seedWorkflows saves the workflow files found at path and publishes the
// ones marked as published.
func seedWorkflows(ctx context.Context, eng *engine.Engine, path string) error {
	files := []string{path}
	if info, err := os.Stat(path); err != nil {
		return err
	} else if info.IsDir() {
		entries, err := os.ReadDir(path)
		if err != nil {
			return err
		}
		files = files[:0]
		for _, entry := range entries {
			if !entry.IsDir() && isWorkflowFile(entry.Name()) {
				files = append(files, filepath.Join(path, entry.Name()))
			}
		}
	}

	for _, file := range files {
		w, err := readWorkflow(file)
		if err != nil {
			return err
		}
		if err := eng.SaveWorkflow(ctx, w); err != nil {
			return err
		}
		if w.Published {
			paths, err := eng.Publish(ctx, w.ID)
			if err != nil {
				return err
			}
			logger.Info("Workflow published", "workflow", w.ID, "file", file, "paths", len(paths))
			continue
		}
		logger.Info("Workflow saved", "workflow", w.ID, "file", file)
	}
	return nil
}

func isWorkflowFile(name string) bool {
	switch strings.ToLower(filepath.Ext(name)) {
	case ".json", ".yaml", ".yml":
		return true
	}
	return false
}

func readWorkflow(file string) (*model.Workflow, error) {
	if !utils.Exists(file) {
		return nil, os.ErrNotExist
	}
	data, err := utils.FileToString(file)
	if err != nil {
		return nil, err
	}
	switch strings.ToLower(filepath.Ext(file)) {
	case ".yaml", ".yml":
		return model.DecodeWorkflowYAML([]byte(data))
	default:
		return model.DecodeWorkflow([]byte(data))
	}
}
