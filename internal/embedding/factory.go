package embedding

import (
	"go.uber.org/zap"

	"github.com/marginalia/marginalia/internal/config"
)

// NewEmbedder builds the embedding backend for cfg. The accelerated ONNX
// backend is preferred; when it cannot be created (missing CGO, runtime
// library, or model file) the portable hash backend is used instead. The
// choice is invisible to callers, which only see the Embedder interface.
func NewEmbedder(cfg *config.EmbeddingConfig, logger *zap.Logger) Embedder {
	if cfg.Backend != "hash" {
		onnx, err := NewONNXEmbedder(cfg.ModelPath, cfg.Dimensions, cfg.MaxTokens, cfg.CacheSize)
		if err == nil {
			logger.Info("embedding backend initialized",
				zap.String("backend", "onnx"),
				zap.String("model_path", cfg.ModelPath),
				zap.Int("dimensions", cfg.Dimensions))
			return onnx
		}
		logger.Warn("ONNX backend unavailable, falling back to portable backend", zap.Error(err))
	}
	logger.Info("embedding backend initialized",
		zap.String("backend", "hash"),
		zap.Int("dimensions", cfg.Dimensions))
	return NewHashEmbedder(cfg.Dimensions)
}
