package config

import (
	"fmt"
	"strings"
)

// validSSLModes are the PostgreSQL SSL modes accepted by pgx.
var validSSLModes = map[string]bool{
	"disable":     true,
	"allow":       true,
	"prefer":      true,
	"require":     true,
	"verify-ca":   true,
	"verify-full": true,
}

// Validate performs fail-fast range checks on the loaded configuration.
// Returns sentinel errors wrapped with context for errors.Is checks.
func (c *Config) Validate() error {
	if c == nil {
		return ErrConfigNil
	}

	if c.ChunkSize < 1 {
		return fmt.Errorf("%w: chunk_size must be positive, got %d", ErrInvalidChunking, c.ChunkSize)
	}
	if c.ChunkStride < 0 || c.ChunkStride >= c.ChunkSize {
		return fmt.Errorf("%w: chunk_stride %d must be in [0, chunk_size)", ErrInvalidChunking, c.ChunkStride)
	}
	if c.MaxConcurrentJobs < 1 {
		return fmt.Errorf("%w: got %d", ErrInvalidConcurrency, c.MaxConcurrentJobs)
	}
	if c.MaxPayloadMB < 1 {
		return fmt.Errorf("%w: got %d MB", ErrInvalidPayloadLimit, c.MaxPayloadMB)
	}
	if c.RetentionDays < 1 {
		return fmt.Errorf("%w: got %d", ErrInvalidRetention, c.RetentionDays)
	}

	switch c.Provider {
	case ProviderGemini, ProviderOllama, ProviderLocal:
	default:
		return fmt.Errorf("%w: %q (expected gemini, ollama, or local)", ErrInvalidProvider, c.Provider)
	}
	if c.EmbeddingDim < 1 {
		return fmt.Errorf("%w: got %d", ErrInvalidDimension, c.EmbeddingDim)
	}

	if c.TopK < 1 {
		return fmt.Errorf("%w: got %d", ErrInvalidTopK, c.TopK)
	}
	if c.RerankPool < c.RerankKeep || c.RerankKeep < 1 {
		return fmt.Errorf("%w: pool=%d keep=%d", ErrInvalidRerankWindow, c.RerankPool, c.RerankKeep)
	}
	if c.PerSourceCap < 1 {
		return fmt.Errorf("%w: per_source_cap must be positive, got %d", ErrInvalidTopK, c.PerSourceCap)
	}
	if c.MMRLambda < 0 || c.MMRLambda > 1 {
		return fmt.Errorf("%w: got %v", ErrInvalidMMRLambda, c.MMRLambda)
	}
	if c.CitationMinConfidence < 0 || c.CitationMinConfidence > 1 {
		return fmt.Errorf("%w: citation_min_confidence %v", ErrInvalidThreshold, c.CitationMinConfidence)
	}
	if c.PublicScoreThreshold < 0 || c.PublicScoreThreshold > 1 {
		return fmt.Errorf("%w: public_score_threshold %v", ErrInvalidThreshold, c.PublicScoreThreshold)
	}
	if c.AnswerMaxTokens < 1 {
		return fmt.Errorf("%w: got %d", ErrInvalidAnswerTokens, c.AnswerMaxTokens)
	}

	for _, rl := range []struct {
		name  string
		value int
	}{
		{"rate_limit_upload", c.RateLimitUpload},
		{"rate_limit_chat", c.RateLimitChat},
		{"rate_limit_public", c.RateLimitPublic},
	} {
		if rl.value < 1 {
			return fmt.Errorf("%w: %s must be positive, got %d", ErrInvalidRateLimit, rl.name, rl.value)
		}
	}

	if strings.TrimSpace(c.PostgresHost) == "" {
		return fmt.Errorf("%w: host is empty", ErrInvalidPostgresHost)
	}
	if c.PostgresPort < 1 || c.PostgresPort > 65535 {
		return fmt.Errorf("%w: got %d", ErrInvalidPostgresPort, c.PostgresPort)
	}
	if strings.TrimSpace(c.PostgresDBName) == "" {
		return fmt.Errorf("%w: database name is empty", ErrInvalidPostgresDB)
	}
	if !validSSLModes[c.PostgresSSLMode] {
		return fmt.Errorf("%w: %q", ErrInvalidSSLMode, c.PostgresSSLMode)
	}

	return nil
}
