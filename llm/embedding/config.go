package embedding

import (
	"net/http"
	"time"
)

// OpenAIConfig configures the OpenAI embedding provider.
type OpenAIConfig struct {
	APIKey            string
	BaseURL           string
	Model             string
	Dimensions        int
	BatchSize         int
	Timeout           time.Duration
	MaxRetries        int
	RequestsPerSecond float64
	HTTPClient        *http.Client
}

// DefaultOpenAIConfig returns default OpenAI embedding config.
func DefaultOpenAIConfig() OpenAIConfig {
	return OpenAIConfig{
		Model:      "text-embedding-3-small",
		Dimensions: 1536,
		BatchSize:  100,
		Timeout:    30 * time.Second,
		MaxRetries: 3,
	}
}
