// Package main is the Marginalia embedding service CLI entry point.
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/marginalia/marginalia/internal/cache"
	"github.com/marginalia/marginalia/internal/config"
	"github.com/marginalia/marginalia/internal/embedding"
	"github.com/marginalia/marginalia/internal/engine"
	"github.com/marginalia/marginalia/internal/router"
	"github.com/marginalia/marginalia/internal/server"
	"github.com/marginalia/marginalia/internal/store"
	"github.com/marginalia/marginalia/pkg/utils"
)

var version = "dev"

const defaultConfigPath = "/usr/local/etc/marginalia/config.yaml"

// loadConfig loads config from path. When path is the default, a config.yaml
// in the current directory wins (for development), so running from the
// project dir picks up the project's config.
func loadConfig(path string) (*config.Config, string, error) {
	if path == defaultConfigPath {
		if cwd, cwdErr := os.Getwd(); cwdErr == nil {
			fallback := filepath.Join(cwd, "config.yaml")
			if _, statErr := os.Stat(fallback); statErr == nil {
				cfg, loadErr := config.Load(fallback)
				if loadErr != nil {
					return nil, "", loadErr
				}
				return cfg, fallback, nil
			}
		}
	}
	cfg, err := config.Load(path)
	if err != nil {
		return nil, "", err
	}
	return cfg, path, nil
}

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}
	switch os.Args[1] {
	case "server":
		runServer()
	case "search":
		runSearch()
	case "status":
		runStatus()
	case "version", "--version", "-v":
		fmt.Printf("marginalia version %s\n", version)
	case "help", "--help", "-h":
		printUsage()
	default:
		fmt.Printf("Unknown command: %s\n", os.Args[1])
		printUsage()
		os.Exit(1)
	}
}

func runServer() {
	fs := flag.NewFlagSet("server", flag.ExitOnError)
	configPath := fs.String("config", defaultConfigPath, "config file path")
	debug := fs.Bool("debug", false, "enable debug logging")
	_ = fs.Parse(os.Args[2:])

	cfg, resolvedConfigPath, err := loadConfig(*configPath)
	if err != nil {
		fmt.Printf("Failed to load config: %v\n", err)
		os.Exit(1)
	}
	debugMode := cfg.Debug || *debug
	logger, err := utils.NewLogger(debugMode)
	if err != nil {
		fmt.Printf("Failed to create logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	logger.Info("config loaded",
		zap.String("config_path", resolvedConfigPath),
		zap.Bool("debug", debugMode),
	)

	components := initializeComponents(cfg, logger)
	defer components.Close()

	// Kick off model initialization now so the first embedding request does
	// not pay the multi-second load; requests arriving earlier await it.
	components.Model.Start()

	workerCtx, workerCancel := context.WithCancel(context.Background())
	defer workerCancel()
	go components.Worker.Run(workerCtx)

	srv := server.NewServer(components.Worker, components.Engine, &cfg.Server, logger)
	go func() {
		if err := srv.Start(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("Server failed", zap.Error(err))
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	<-sigChan

	logger.Info("Shutting down...")
	workerCancel()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = srv.Stop(ctx)
}

// buildSearchQuery joins all positional args with spaces so multi-word
// queries work the same with or without shell quoting.
func buildSearchQuery(args []string) string {
	return strings.TrimSpace(strings.Join(args, " "))
}

// searchPayload builds the semanticSearch payload. A nil threshold is left
// out entirely so the server applies its configured default.
func searchPayload(query string, threshold *float64) []byte {
	body := map[string]any{"query": query}
	if threshold != nil {
		body["threshold"] = *threshold
	}
	payload, _ := json.Marshal(body)
	return payload
}

func runSearch() {
	fs := flag.NewFlagSet("search", flag.ExitOnError)
	serverURL := fs.String("server", "http://localhost:8080", "server URL")
	threshold := fs.Float64("threshold", 0, "minimum similarity score (default: server setting)")
	outputFormat := fs.String("output", "text", "output format: text or json")
	_ = fs.Parse(os.Args[2:])

	if fs.NArg() < 1 {
		fmt.Println("Usage: marginalia search [flags] <query>")
		os.Exit(1)
	}
	query := buildSearchQuery(fs.Args())
	if query == "" {
		fmt.Println("Usage: marginalia search [flags] <query>")
		os.Exit(1)
	}

	var explicitThreshold *float64
	fs.Visit(func(f *flag.Flag) {
		if f.Name == "threshold" {
			explicitThreshold = threshold
		}
	})

	envelope, _ := json.Marshal(router.Request{
		Method:  router.MethodSemanticSearch,
		Payload: searchPayload(query, explicitThreshold),
	})
	resp, err := http.Post(*serverURL+"/api/v1/message", "application/json", bytes.NewReader(envelope))
	if err != nil {
		fmt.Fprintf(os.Stderr, "Search failed: %v\n", err)
		os.Exit(1)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != http.StatusOK {
		fmt.Fprintf(os.Stderr, "Server returned %d: %s\n", resp.StatusCode, string(body))
		os.Exit(1)
	}

	if *outputFormat == "json" {
		fmt.Println(string(body))
		return
	}
	var reply struct {
		Body []json.RawMessage `json:"body"`
	}
	if err := json.Unmarshal(body, &reply); err != nil || len(reply.Body) != 2 {
		fmt.Fprintf(os.Stderr, "Unexpected reply: %s\n", string(body))
		os.Exit(1)
	}
	var matches [][2]json.RawMessage
	if err := json.Unmarshal(reply.Body[1], &matches); err != nil {
		fmt.Fprintf(os.Stderr, "Unexpected reply: %s\n", string(body))
		os.Exit(1)
	}
	for _, m := range matches {
		var id string
		var score float64
		_ = json.Unmarshal(m[0], &id)
		_ = json.Unmarshal(m[1], &score)
		fmt.Printf("%.4f  %s\n", score, id)
	}
}

func runStatus() {
	fs := flag.NewFlagSet("status", flag.ExitOnError)
	serverURL := fs.String("server", "http://localhost:8080", "server URL")
	_ = fs.Parse(os.Args[2:])

	resp, err := http.Get(*serverURL + "/api/v1/status")
	if err != nil {
		fmt.Fprintf(os.Stderr, "Status failed: %v\n", err)
		os.Exit(1)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != http.StatusOK {
		fmt.Fprintf(os.Stderr, "Server returned %d: %s\n", resp.StatusCode, string(body))
		os.Exit(1)
	}
	fmt.Println(string(body))
}

// Components holds initialized services.
type Components struct {
	Cache  cache.Cache
	Model  *embedding.Service
	Store  *store.Store
	Engine *engine.Engine
	Worker *router.Worker
}

func (c *Components) Close() {
	if c.Model != nil {
		_ = c.Model.Close()
	}
	if c.Cache != nil {
		_ = c.Cache.Close()
	}
}

func initializeComponents(cfg *config.Config, logger *zap.Logger) *Components {
	durable := cache.Probe(cfg.Storage.DatabasePath, logger)

	embCfg := cfg.Embedding
	model := embedding.NewService(func() (embedding.Embedder, error) {
		return embedding.NewEmbedder(&embCfg, logger), nil
	}, embCfg.Dimensions, logger)

	st := store.New(model, durable, embCfg.Dimensions, logger)
	eng := engine.New(st, model, &cfg.Search, cfg.Storage.DemoEmbeddingsPath, logger)
	worker := router.NewWorker(router.NewRouter(eng, logger), logger)

	return &Components{
		Cache:  durable,
		Model:  model,
		Store:  st,
		Engine: eng,
		Worker: worker,
	}
}

func printUsage() {
	fmt.Println(`marginalia - embedding index and similarity search service

Usage:
  marginalia server [flags]           Start the HTTP server
  marginalia search [flags] <query>   Semantic search over excerpts
  marginalia status [flags]           Show embedding store status
  marginalia version                  Show version
  marginalia help                     Show this help

Server Flags:
  --config string    Config file path (default: /usr/local/etc/marginalia/config.yaml)
  --debug            Enable debug logging

Search Flags:
  --server string     Server URL (default: http://localhost:8080)
  --threshold float   Minimum similarity score (default: server setting)
  --output string     Output format: text or json (default: text)

Status Flags:
  --server string    Server URL (default: http://localhost:8080)

Examples:
  marginalia server
  marginalia search "the nature of memory"
  marginalia search --threshold 0.5 --output json solitude
  marginalia status`)
}
