// Package config loads cmd/scanctl's demo-binary defaults from the
// environment. It is adapted from the teacher's internal/config.Load
// (godotenv.Load + os.Getenv with required-field validation), retargeted
// from LLM provider settings to the tool paths and scan defaults this
// module's Orchestrator needs. ScanConfig itself is always constructed
// by the caller; this package is ambient convenience for the demo binary
// only, per SPEC_FULL.md §10.
package config

import (
	"errors"
	"os"
	"strconv"

	"github.com/joho/godotenv"
)

// Config holds cmd/scanctl's demo-binary defaults.
type Config struct {
	SQLiToolPath   string
	XSSToolPath    string
	TmpDir         string
	OutputDir      string
	CrawlDepth     int
	SQLiLevel      int
	SQLiRisk       int
	Threads        int
	TimeoutSeconds int
	ListenAddr     string
}

func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getIntOrDefault(key string, defaultValue int) int {
	raw := os.Getenv(key)
	if raw == "" {
		return defaultValue
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return defaultValue
	}
	return n
}

// Load reads a .env file if present, then env vars, applying defaults for
// everything but the two tool paths, which are required.
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		return nil, err
	}

	sqliPath := os.Getenv("SQLI_TOOL_PATH")
	xssPath := os.Getenv("XSS_TOOL_PATH")
	if sqliPath == "" {
		return nil, errors.New("SQLI_TOOL_PATH environment variable is required but not set")
	}
	if xssPath == "" {
		return nil, errors.New("XSS_TOOL_PATH environment variable is required but not set")
	}

	return &Config{
		SQLiToolPath:   sqliPath,
		XSSToolPath:    xssPath,
		TmpDir:         getEnvOrDefault("SCAN_TMP_DIR", os.TempDir()),
		OutputDir:      getEnvOrDefault("SCAN_OUTPUT_DIR", "."),
		CrawlDepth:     getIntOrDefault("SCAN_CRAWL_DEPTH", 2),
		SQLiLevel:      getIntOrDefault("SCAN_SQLI_LEVEL", 1),
		SQLiRisk:       getIntOrDefault("SCAN_SQLI_RISK", 1),
		Threads:        getIntOrDefault("SCAN_THREADS", 4),
		TimeoutSeconds: getIntOrDefault("SCAN_TIMEOUT_SECONDS", 120),
		ListenAddr:     getEnvOrDefault("SCAN_LISTEN_ADDR", ":8089"),
	}, nil
}
