package config

// ApplyDefaults sets default values for any zero values in cfg.
func ApplyDefaults(cfg *Config) {
	if cfg.Server.Host == "" {
		cfg.Server.Host = "localhost"
	}
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 8080
	}
	if cfg.Storage.DatabasePath == "" {
		cfg.Storage.DatabasePath = "/usr/local/var/marginalia/data/db/embeddings.db"
	}
	if cfg.Storage.DemoEmbeddingsPath == "" {
		cfg.Storage.DemoEmbeddingsPath = "/usr/local/var/marginalia/data/demo/embeddings.bin"
	}
	if cfg.Embedding.ModelPath == "" {
		cfg.Embedding.ModelPath = "/usr/local/var/marginalia/data/models/use-512.onnx"
	}
	if cfg.Embedding.Backend == "" {
		cfg.Embedding.Backend = "onnx"
	}
	if cfg.Embedding.Dimensions == 0 {
		cfg.Embedding.Dimensions = 512
	}
	if cfg.Embedding.MaxTokens == 0 {
		cfg.Embedding.MaxTokens = 256
	}
	if cfg.Embedding.CacheSize == 0 {
		cfg.Embedding.CacheSize = 10000
	}
	if cfg.Search.NeighborsK == 0 {
		cfg.Search.NeighborsK = 5
	}
	if cfg.Search.SearchLimit == 0 {
		// Bounds semantic search payload size; ranking below the cap stays exact.
		cfg.Search.SearchLimit = 203
	}
	if cfg.Search.DefaultThreshold == 0 {
		cfg.Search.DefaultThreshold = 0.3
	}
}
