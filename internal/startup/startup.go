package startup

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strconv"
	"time"

	"media-thumbnailer/internal/engine"
	"media-thumbnailer/internal/logging"
)

// Build-time variables (injected via -ldflags)
var (
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
	GoVersion = runtime.Version()
)

// BuildInfo contains version and build information
type BuildInfo struct {
	Version   string `json:"version"`
	Commit    string `json:"commit"`
	BuildTime string `json:"buildTime"`
	GoVersion string `json:"goVersion"`
	OS        string `json:"os"`
	Arch      string `json:"arch"`
}

// GetBuildInfo returns the current build information
func GetBuildInfo() BuildInfo {
	return BuildInfo{
		Version:   Version,
		Commit:    Commit,
		BuildTime: BuildTime,
		GoVersion: GoVersion,
		OS:        runtime.GOOS,
		Arch:      runtime.GOARCH,
	}
}

// Config holds all application configuration
type Config struct {
	MediaDir    string
	DatabaseDir string
	Port        string
	MetricsPort string

	MetricsEnabled  bool
	LogHealthChecks bool

	// StoreCleanupAge expires store records not accessed within this
	// window during scheduled maintenance. Zero disables expiry.
	StoreCleanupAge time.Duration

	// MemoryLimitMB overrides the memory monitor's budget. Zero defers
	// to GOMEMLIMIT.
	MemoryLimitMB int

	// Engine carries the pipeline tunables; zero fields fall back to
	// machine-derived defaults.
	Engine engine.Config

	// Derived paths
	DatabasePath string
}

// LoadConfig loads and validates configuration from environment variables
func LoadConfig() (*Config, error) {
	printBanner()

	logging.Info("------------------------------------------------------------")
	logging.Info("CONFIGURATION")
	logging.Info("------------------------------------------------------------")

	mediaDir := getEnv("MEDIA_DIR", "/media")
	databaseDir := getEnv("DATABASE_DIR", "/database")
	port := getEnv("PORT", "8080")
	metricsPort := getEnv("METRICS_PORT", "9090")
	metricsEnabled := getEnvBool("METRICS_ENABLED", true)
	logHealthChecks := getEnvBool("LOG_HEALTH_CHECKS", true)
	cleanupAge := getEnvDuration("STORE_CLEANUP_AGE", 0)
	memoryLimitMB := getEnvInt("THUMB_MEMORY_LIMIT_MB", 0)

	engineCfg := engine.Config{
		Workers:             getEnvInt("THUMB_WORKERS", 0),
		DecodeTokens:        getEnvInt("THUMB_DECODE_TOKENS", 0),
		ScaleTokens:         getEnvInt("THUMB_SCALE_TOKENS", 0),
		EncodeTokens:        getEnvInt("THUMB_ENCODE_TOKENS", 0),
		VisibleBoostFactor:  getEnvInt("THUMB_VISIBLE_BOOST", 0),
		SideBoostFactor:     getEnvInt("THUMB_SIDE_BOOST", 0),
		MemoryCacheMaxBytes: int64(getEnvInt("THUMB_CACHE_MB", 0)) << 20,
		SaveDelay:           getEnvDuration("THUMB_SAVE_DELAY", 0),
	}

	logging.Info("  MEDIA_DIR:           %s", mediaDir)
	logging.Info("  DATABASE_DIR:        %s", databaseDir)
	logging.Info("  PORT:                %s", port)
	logging.Info("  METRICS_PORT:        %s", metricsPort)
	logging.Info("  METRICS_ENABLED:     %v", metricsEnabled)
	logging.Info("  LOG_HEALTH_CHECKS:   %v", logHealthChecks)
	logging.Info("  STORE_CLEANUP_AGE:   %v", cleanupAge)
	logging.Info("  LOG_LEVEL:           %s", logging.GetLevel())

	logging.Info("")
	logging.Info("------------------------------------------------------------")
	logging.Info("DIRECTORY SETUP")
	logging.Info("------------------------------------------------------------")

	mediaDir, err := filepath.Abs(mediaDir)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve media directory path: %w", err)
	}
	logging.Info("  Media directory (absolute): %s", mediaDir)

	databaseDir, err = filepath.Abs(databaseDir)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve database directory path: %w", err)
	}
	logging.Info("  Database directory (absolute): %s", databaseDir)

	if err := ensureDirectory(mediaDir, "media"); err != nil {
		logging.Warn("  Media directory issue: %v", err)
	}
	if err := ensureDirectory(databaseDir, "database"); err != nil {
		return nil, fmt.Errorf("database directory error: %w", err)
	}

	logging.Debug("  Testing database directory write access...")
	if err := testWriteAccess(databaseDir); err != nil {
		return nil, fmt.Errorf("database directory is not writable (required for the thumbnail index): %w", err)
	}
	logging.Info("  [OK] Database directory is writable")

	if err := checkFFmpeg(); err != nil {
		logging.Warn("  FFmpeg check failed: %v", err)
		logging.Warn("  Video and exotic-format thumbnails will fail")
	} else {
		logging.Info("  [OK] FFmpeg is available")
	}

	return &Config{
		MediaDir:        mediaDir,
		DatabaseDir:     databaseDir,
		Port:            port,
		MetricsPort:     metricsPort,
		MetricsEnabled:  metricsEnabled,
		LogHealthChecks: logHealthChecks,
		StoreCleanupAge: cleanupAge,
		MemoryLimitMB:   memoryLimitMB,
		Engine:          engineCfg,
		DatabasePath:    filepath.Join(databaseDir, "thumbnails.db"),
	}, nil
}

// LogEngineInit logs the resolved pipeline shape after Normalize.
func LogEngineInit(cfg engine.Config) {
	logging.Info("")
	logging.Info("------------------------------------------------------------")
	logging.Info("ENGINE INITIALIZATION")
	logging.Info("------------------------------------------------------------")
	logging.Info("  Workers:        %d", cfg.Workers)
	logging.Info("  Stage tokens:   decode=%d scale=%d encode=%d",
		cfg.DecodeTokens, cfg.ScaleTokens, cfg.EncodeTokens)
	logging.Info("  Lane boosts:    visible=%d side=%d", cfg.VisibleBoostFactor, cfg.SideBoostFactor)
	logging.Info("  Cache budget:   %dMB", cfg.MemoryCacheMaxBytes>>20)
	logging.Info("  Save delay:     %v (batch %d)", cfg.SaveDelay, cfg.SaveBatchThreshold)
}

// LogServerStarted logs the final boot line.
func LogServerStarted(port string, elapsed time.Duration) {
	logging.Info("")
	logging.Info("------------------------------------------------------------")
	logging.Info("  [OK] Server listening on :%s (started in %v)", port, elapsed.Round(time.Millisecond))
	logging.Info("------------------------------------------------------------")
}

// LogShutdownInitiated logs the start of graceful shutdown.
func LogShutdownInitiated(signal string) {
	logging.Info("")
	logging.Info("------------------------------------------------------------")
	logging.Info("SHUTDOWN (%s)", signal)
	logging.Info("------------------------------------------------------------")
}

// LogShutdownStep logs one shutdown phase.
func LogShutdownStep(step string) {
	logging.Info("  %s...", step)
}

// LogShutdownComplete logs the end of graceful shutdown.
func LogShutdownComplete() {
	logging.Info("  [OK] Shutdown complete")
}

// LogFatal logs a fatal startup error and exits.
func LogFatal(format string, args ...interface{}) {
	logging.Fatal(format, args...)
}

func printBanner() {
	logging.Info("============================================================")
	logging.Info("  Media Thumbnailer %s (%s)", Version, Commit)
	logging.Info("  %s %s/%s, %d CPUs", GoVersion, runtime.GOOS, runtime.GOARCH, runtime.NumCPU())
	logging.Info("============================================================")
}

func ensureDirectory(path, name string) error {
	info, err := os.Stat(path)
	if os.IsNotExist(err) {
		logging.Debug("  Creating %s directory: %s", name, path)
		return os.MkdirAll(path, 0o755)
	}
	if err != nil {
		return fmt.Errorf("cannot access %s directory: %w", name, err)
	}
	if !info.IsDir() {
		return fmt.Errorf("%s path exists but is not a directory: %s", name, path)
	}
	return nil
}

func testWriteAccess(dir string) error {
	testFile := filepath.Join(dir, ".write-test")
	if err := os.WriteFile(testFile, []byte("test"), 0o644); err != nil {
		return err
	}
	if err := os.Remove(testFile); err != nil {
		logging.Warn("  failed to remove test file %s: %v", testFile, err)
	}
	return nil
}

func checkFFmpeg() error {
	path, err := exec.LookPath("ffmpeg")
	if err != nil {
		return fmt.Errorf("ffmpeg not found in PATH: %w", err)
	}
	logging.Debug("  FFmpeg found at %s", path)
	return nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	parsed, err := strconv.ParseBool(value)
	if err != nil {
		logging.Warn("Invalid boolean value for %s: %q, using default: %v", key, value, defaultValue)
		return defaultValue
	}
	return parsed
}

func getEnvInt(key string, defaultValue int) int {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		logging.Warn("Invalid integer value for %s: %q, using default: %d", key, value, defaultValue)
		return defaultValue
	}
	return parsed
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	parsed, err := time.ParseDuration(value)
	if err != nil {
		logging.Warn("Invalid duration value for %s: %q, using default: %v", key, value, defaultValue)
		return defaultValue
	}
	return parsed
}
