// chatgateway/internal/config/config.go

package config

import (
	"encoding/json"
	"os"
	"strconv"
	"strings"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"
	yaml "gopkg.in/yaml.v3"
)

// DatabaseConfig describes the primary Postgres connection.
type DatabaseConfig struct {
	ConnectionString string `yaml:"connection_string"`
}

// AuthConfig controls bearer-token validation at the HTTP boundary.
// Policy (which tokens are valid) lives outside the core; this only
// carries the mechanism's wiring knobs.
type AuthConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Issuer   string `yaml:"issuer,omitempty"`
	Audience string `yaml:"audience,omitempty"`
}

// ObsConfig controls OpenTelemetry tracing/metrics export.
type ObsConfig struct {
	Enabled        bool   `yaml:"enabled"`
	OTLP           string `yaml:"otlp_endpoint"`
	Insecure       bool   `yaml:"insecure"`
	ServiceName    string `yaml:"service_name"`
	ServiceVersion string `yaml:"service_version"`
	Environment    string `yaml:"environment"`
}

// RedisConfig describes the stream cache / Pub-Sub substrate connection.
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password,omitempty"`
	DB       int    `yaml:"db"`
}

// KafkaConfig describes the cross-worker command bus used to fan task
// events out to other gateway workers.
type KafkaConfig struct {
	Enabled       bool     `yaml:"enabled"`
	Brokers       []string `yaml:"brokers"`
	GroupID       string   `yaml:"group_id"`
	CommandsTopic string   `yaml:"commands_topic"`
}

// ObjectStoreConfig selects and configures the blob store backing
// attachment bytes.
type ObjectStoreConfig struct {
	Backend                     string `yaml:"backend"` // "memory" | "s3"
	Bucket                      string `yaml:"bucket,omitempty"`
	Region                      string `yaml:"region,omitempty"`
	Endpoint                    string `yaml:"endpoint,omitempty"`
	AttachmentEncryptionEnabled bool   `yaml:"attachment_encryption_enabled"`
}

// S3SSEConfig controls server-side encryption for S3 puts.
type S3SSEConfig struct {
	Enabled   bool   `yaml:"enabled"`
	Algorithm string `yaml:"algorithm,omitempty"` // e.g. "AES256", "aws:kms"
	KMSKeyID  string `yaml:"kms_key_id,omitempty"`
}

// S3Config configures the S3-backed ObjectStore implementation.
type S3Config struct {
	Bucket                string      `yaml:"bucket"`
	Region                string      `yaml:"region,omitempty"`
	Endpoint              string      `yaml:"endpoint,omitempty"`
	Prefix                string      `yaml:"prefix,omitempty"`
	AccessKey             string      `yaml:"access_key,omitempty"`
	SecretKey             string      `yaml:"secret_key,omitempty"`
	UsePathStyle          bool        `yaml:"use_path_style,omitempty"`
	TLSInsecureSkipVerify bool        `yaml:"tls_insecure_skip_verify,omitempty"`
	SSE                   S3SSEConfig `yaml:"sse"`
}

// MemoryConfig controls the Long-Term Memory client (§4.6).
type MemoryConfig struct {
	Enabled        bool   `yaml:"enabled"`
	BaseURL        string `yaml:"base_url"`
	APIKey         string `yaml:"api_key,omitempty"`
	TimeoutSeconds int    `yaml:"timeout_seconds"`
	MaxResults     int    `yaml:"max_results"`
	EvolveEnabled  bool   `yaml:"evolve_enabled"`
}

// CompressionConfig controls the Message-History Compressor (§4.2).
type CompressionConfig struct {
	Enabled                 bool `yaml:"enabled"`
	FirstMessagesToKeep     int  `yaml:"first_messages_to_keep"`
	LastMessagesToKeep      int  `yaml:"last_messages_to_keep"`
	AttachmentTruncateLength int `yaml:"attachment_truncate_length"`
	DefaultContextWindow    int  `yaml:"default_context_window"`
}

// MCPServerConfig describes one Model-Context-Protocol server entry.
// Every string field is subject to ${{path}} variable substitution
// (see internal/mcpclient) before a connection is opened.
type MCPServerConfig struct {
	Name             string            `yaml:"name"`
	Transport        string            `yaml:"transport,omitempty"` // "stdio" | "sse" | "streamable-http"; inferred if empty
	Command          string            `yaml:"command,omitempty"`
	Args             []string          `yaml:"args,omitempty"`
	Env              map[string]string `yaml:"env,omitempty"`
	KeepAliveSeconds int               `yaml:"keep_alive_seconds,omitempty"`
	URL              string            `yaml:"url,omitempty"`
	Headers          map[string]string `yaml:"headers,omitempty"`
	BearerToken      string            `yaml:"bearer_token,omitempty"`
	Origin           string            `yaml:"origin,omitempty"`
	ProtocolVersion  string            `yaml:"protocol_version,omitempty"`
	HTTP             struct {
		TimeoutSeconds int    `yaml:"timeout_seconds"`
		ProxyURL       string `yaml:"proxy_url,omitempty"`
		TLS            struct {
			InsecureSkipVerify bool   `yaml:"insecure_skip_verify"`
			CAFile             string `yaml:"ca_file,omitempty"`
			CertFile           string `yaml:"cert_file,omitempty"`
			KeyFile            string `yaml:"key_file,omitempty"`
		} `yaml:"tls"`
	} `yaml:"http"`
}

// MCPConfig is the top-level MCP Client configuration, sourced from the
// CHAT_MCP_SERVERS JSON knob or a YAML file.
type MCPConfig struct {
	Enabled bool              `yaml:"enabled"`
	Servers []MCPServerConfig `yaml:"servers"`
}

// WebSearchToolConfig controls the web-search/fetch tool.
type WebSearchToolConfig struct {
	Enabled    bool   `yaml:"enabled"`
	Backend    string `yaml:"backend"`
	Endpoint   string `yaml:"endpoint,omitempty"`
	ResultSize int    `yaml:"result_size"`
}

// ToolsConfig groups built-in tool configuration.
type ToolsConfig struct {
	Search                WebSearchToolConfig `yaml:"search"`
	MaxExtractedTextLength int                `yaml:"max_extracted_text_length"`
	DefaultKBHeadLimit     int                `yaml:"default_kb_head_limit"`
}

// RAGConfig configures the Knowledge Retriever's vector backend.
type RAGConfig struct {
	QdrantAddr     string `yaml:"qdrant_addr,omitempty"`
	QdrantAPIKey   string `yaml:"qdrant_api_key,omitempty"`
	Collection     string `yaml:"collection,omitempty"`
}

// AnalyticsConfig configures the ClickHouse observability sink.
type AnalyticsConfig struct {
	Enabled bool   `yaml:"enabled"`
	DSN     string `yaml:"dsn,omitempty"`
}

// OpenAIConfig configures the OpenAI-compatible chat-completions client
// (also used for self-hosted OpenAI-API-compatible servers).
type OpenAIConfig struct {
	APIKey      string         `yaml:"api_key,omitempty"`
	BaseURL     string         `yaml:"base_url,omitempty"`
	Model       string         `yaml:"model,omitempty"`
	API         string         `yaml:"api,omitempty"` // "responses" | "completions"
	ExtraParams map[string]any `yaml:"extra_params,omitempty"`
	LogPayloads bool           `yaml:"log_payloads,omitempty"`
}

// AnthropicPromptCacheConfig controls prompt-cache breakpoint placement on
// outbound Anthropic requests.
type AnthropicPromptCacheConfig struct {
	Enabled       bool `yaml:"enabled"`
	CacheSystem   bool `yaml:"cache_system,omitempty"`
	CacheTools    bool `yaml:"cache_tools,omitempty"`
	CacheMessages bool `yaml:"cache_messages,omitempty"`
}

// AnthropicConfig configures the Anthropic Messages API client.
type AnthropicConfig struct {
	APIKey      string                     `yaml:"api_key,omitempty"`
	BaseURL     string                     `yaml:"base_url,omitempty"`
	Model       string                     `yaml:"model,omitempty"`
	PromptCache AnthropicPromptCacheConfig `yaml:"prompt_cache"`
	ExtraParams map[string]any             `yaml:"extra_params,omitempty"`
}

// GoogleConfig configures the Gemini client.
type GoogleConfig struct {
	APIKey  string `yaml:"api_key,omitempty"`
	Model   string `yaml:"model,omitempty"`
	BaseURL string `yaml:"base_url,omitempty"`
	Timeout int    `yaml:"timeout_seconds,omitempty"`
}

// LLMClientConfig selects and configures the active completion provider.
type LLMClientConfig struct {
	Provider  string          `yaml:"provider"` // "openai" | "local" | "anthropic" | "google"
	OpenAI    OpenAIConfig    `yaml:"openai"`
	Anthropic AnthropicConfig `yaml:"anthropic"`
	Google    GoogleConfig    `yaml:"google"`
}

// EmbeddingConfig configures the embedding-generation HTTP client used by
// the Knowledge Retriever's RAG mode and by evolving memory.
type EmbeddingConfig struct {
	Model     string `yaml:"model,omitempty"`
	BaseURL   string `yaml:"base_url,omitempty"`
	Path      string `yaml:"path,omitempty"`
	APIKey    string `yaml:"api_key,omitempty"`
	APIHeader string `yaml:"api_header,omitempty"` // header name to carry APIKey, e.g. "Authorization"
	Timeout   int    `yaml:"timeout_seconds,omitempty"`
	// Headers carries arbitrary request headers verbatim and takes
	// precedence over the legacy APIHeader/APIKey pair for any header name
	// it also sets.
	Headers map[string]string `yaml:"headers,omitempty"`
}

// ExecConfig controls the sandboxed shell-exec tool.
type ExecConfig struct {
	BlockBinaries     []string `yaml:"block_binaries,omitempty"`
	MaxCommandSeconds int      `yaml:"max_command_seconds,omitempty"`
}

// SearchConfig configures the persistence layer's full-text search backend.
type SearchConfig struct {
	Backend string `yaml:"backend"` // "memory" | "auto" | "postgres" | "none"
	DSN     string `yaml:"dsn,omitempty"`
}

// VectorConfig configures the persistence layer's vector-similarity backend.
type VectorConfig struct {
	Backend    string `yaml:"backend"` // "memory" | "auto" | "postgres" | "qdrant" | "none"
	DSN        string `yaml:"dsn,omitempty"`
	Dimensions int    `yaml:"dimensions,omitempty"`
	Metric     string `yaml:"metric,omitempty"` // "cosine" | "l2" | "ip"
	Collection string `yaml:"collection,omitempty"` // Qdrant collection name
}

// GraphConfig configures the persistence layer's graph backend.
type GraphConfig struct {
	Backend string `yaml:"backend"` // "memory" | "auto" | "postgres" | "none"
	DSN     string `yaml:"dsn,omitempty"`
}

// DBConfig configures the persistence layer's search/vector/graph backends,
// each independently selectable so the gateway can mix an in-memory vector
// index with a durable Postgres task store, for example.
type DBConfig struct {
	DefaultDSN string       `yaml:"default_dsn,omitempty"`
	Search     SearchConfig `yaml:"search"`
	Vector     VectorConfig `yaml:"vector"`
	Graph      GraphConfig  `yaml:"graph"`
}

// Config is the unified gateway configuration. Load builds it from
// environment variables and LoadConfig builds it from a YAML file; the two
// are separate and neither reads the other's source.
type Config struct {
	Host     string        `yaml:"host"`
	Port     int           `yaml:"port"`
	Database DatabaseConfig `yaml:"database"`
	DBPool   *pgxpool.Pool  `yaml:"-"`

	Auth      AuthConfig      `yaml:"auth"`
	OTel      ObsConfig       `yaml:"otel"`
	Redis     RedisConfig     `yaml:"redis"`
	Kafka     KafkaConfig     `yaml:"kafka"`
	ObjectStore ObjectStoreConfig `yaml:"object_store"`
	Memory    MemoryConfig    `yaml:"memory"`
	Compression CompressionConfig `yaml:"compression"`
	MCP       MCPConfig       `yaml:"mcp"`
	Tools     ToolsConfig     `yaml:"tools"`
	RAG       RAGConfig       `yaml:"rag"`
	Analytics AnalyticsConfig `yaml:"analytics"`

	LLMClient LLMClientConfig `yaml:"llm_client"`
	// OpenAI mirrors LLMClient.OpenAI for callers that want the default
	// chat model regardless of which provider is active (e.g. tools that
	// always call out to OpenAI for a side task).
	OpenAI    OpenAIConfig    `yaml:"openai"`
	Embedding EmbeddingConfig `yaml:"embedding"`
	Exec      ExecConfig      `yaml:"exec"`
	DB        DBConfig        `yaml:"db"`

	// DataPath is the writable scratch directory for sandboxed tool
	// execution (code-eval temp files, etc).
	DataPath string `yaml:"data_path,omitempty"`
	// Workdir is the sandbox root that path-taking tools resolve relative
	// paths against (see internal/sandbox.ResolveBaseDir).
	Workdir string `yaml:"workdir,omitempty"`

	OpenAIAPIKey    string `yaml:"openai_api_key,omitempty"`
	AnthropicKey    string `yaml:"anthropic_key,omitempty"`
	GoogleGeminiKey string `yaml:"google_gemini_key,omitempty"`

	MaxAgentIterations int `yaml:"max_agent_iterations"`
	ToolCallTimeoutSeconds int `yaml:"tool_call_timeout_seconds"`

	ReaperStalenessSeconds int `yaml:"reaper_staleness_seconds"`
}

// LoadConfig reads YAML configuration from filename and fills in a few
// defaults (port, service name, iterations, tool timeout). It does not read
// environment variables.
func LoadConfig(filename string) (*Config, error) {
	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, err
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}
	applyDefaults(&cfg)
	return &cfg, nil
}

// Load builds configuration from environment variables (optionally a
// local .env file), matching the gateway's runtime deployment model
// where YAML files are uncommon and env vars are the primary knob.
func Load() (Config, error) {
	_ = godotenv.Overload()

	cfg := Config{}
	cfg.Host = firstNonEmpty(os.Getenv("HOST"), "0.0.0.0")
	cfg.Port = envInt("PORT", 8080)

	cfg.Database.ConnectionString = os.Getenv("DATABASE_URL")

	cfg.Auth.Enabled = envBool("AUTH_ENABLED", false)
	cfg.Auth.Issuer = os.Getenv("AUTH_OIDC_ISSUER")
	cfg.Auth.Audience = os.Getenv("AUTH_OIDC_AUDIENCE")

	cfg.OTel.Enabled = envBool("OTEL_ENABLED", false)
	cfg.OTel.OTLP = os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT")
	cfg.OTel.Insecure = envBool("OTEL_INSECURE", true)
	cfg.OTel.ServiceName = firstNonEmpty(os.Getenv("OTEL_SERVICE_NAME"), "chatgateway")
	cfg.OTel.ServiceVersion = firstNonEmpty(os.Getenv("OTEL_SERVICE_VERSION"), "dev")
	cfg.OTel.Environment = firstNonEmpty(os.Getenv("OTEL_ENVIRONMENT"), "development")

	cfg.Redis.Addr = firstNonEmpty(os.Getenv("REDIS_ADDR"), "localhost:6379")
	cfg.Redis.Password = os.Getenv("REDIS_PASSWORD")
	cfg.Redis.DB = envInt("REDIS_DB", 0)

	cfg.Kafka.Enabled = envBool("KAFKA_ENABLED", false)
	if b := os.Getenv("KAFKA_BROKERS"); b != "" {
		cfg.Kafka.Brokers = strings.Split(b, ",")
	}
	cfg.Kafka.GroupID = firstNonEmpty(os.Getenv("KAFKA_GROUP_ID"), "chatgateway")
	cfg.Kafka.CommandsTopic = firstNonEmpty(os.Getenv("KAFKA_COMMANDS_TOPIC"), "agent-commands")

	cfg.ObjectStore.Backend = firstNonEmpty(os.Getenv("OBJECT_STORE_BACKEND"), "memory")
	cfg.ObjectStore.Bucket = os.Getenv("OBJECT_STORE_BUCKET")
	cfg.ObjectStore.Region = os.Getenv("AWS_REGION")
	cfg.ObjectStore.Endpoint = os.Getenv("OBJECT_STORE_ENDPOINT")
	cfg.ObjectStore.AttachmentEncryptionEnabled = envBool("ATTACHMENT_ENCRYPTION_ENABLED", false)

	cfg.Memory.Enabled = envBool("MEMORY_ENABLED", false)
	cfg.Memory.BaseURL = os.Getenv("MEMORY_BASE_URL")
	cfg.Memory.APIKey = os.Getenv("MEMORY_API_KEY")
	cfg.Memory.TimeoutSeconds = envInt("MEMORY_TIMEOUT_SECONDS", 2)
	cfg.Memory.MaxResults = envInt("MEMORY_MAX_RESULTS", 10)
	cfg.Memory.EvolveEnabled = envBool("MEMORY_EVOLVE_ENABLED", false)

	cfg.Compression.Enabled = envBool("MESSAGE_COMPRESSION_ENABLED", true)
	cfg.Compression.FirstMessagesToKeep = envInt("MESSAGE_COMPRESSION_FIRST_MESSAGES", 2)
	cfg.Compression.LastMessagesToKeep = envInt("MESSAGE_COMPRESSION_LAST_MESSAGES", 10)
	cfg.Compression.AttachmentTruncateLength = envInt("MESSAGE_COMPRESSION_ATTACHMENT_LENGTH", 50000)
	cfg.Compression.DefaultContextWindow = envInt("MESSAGE_COMPRESSION_DEFAULT_WINDOW", 128000)

	cfg.MCP.Enabled = envBool("CHAT_MCP_ENABLED", false)
	if raw := os.Getenv("CHAT_MCP_SERVERS"); raw != "" {
		servers, err := ParseMCPServers([]byte(raw))
		if err != nil {
			log.Warn().Err(err).Msg("failed to parse CHAT_MCP_SERVERS; MCP disabled for this process")
		} else {
			cfg.MCP.Servers = servers
		}
	}

	cfg.Tools.Search.Enabled = envBool("WEB_SEARCH_ENABLED", false)
	cfg.Tools.MaxExtractedTextLength = envInt("MAX_EXTRACTED_TEXT_LENGTH", 100000)
	cfg.Tools.DefaultKBHeadLimit = envInt("DEFAULT_KB_HEAD_LIMIT", 50000)

	cfg.RAG.QdrantAddr = os.Getenv("QDRANT_ADDR")
	cfg.RAG.QdrantAPIKey = os.Getenv("QDRANT_API_KEY")
	cfg.RAG.Collection = firstNonEmpty(os.Getenv("QDRANT_COLLECTION"), "knowledge_base")

	cfg.Analytics.Enabled = envBool("CLICKHOUSE_ENABLED", false)
	cfg.Analytics.DSN = os.Getenv("CLICKHOUSE_DSN")

	cfg.OpenAIAPIKey = os.Getenv("OPENAI_API_KEY")
	cfg.AnthropicKey = os.Getenv("ANTHROPIC_API_KEY")
	cfg.GoogleGeminiKey = os.Getenv("GOOGLE_GEMINI_API_KEY")

	cfg.LLMClient.Provider = firstNonEmpty(os.Getenv("LLM_PROVIDER"), "openai")
	cfg.LLMClient.OpenAI = OpenAIConfig{
		APIKey:      cfg.OpenAIAPIKey,
		BaseURL:     firstNonEmpty(os.Getenv("OPENAI_BASE_URL"), "https://api.openai.com/v1"),
		Model:       firstNonEmpty(os.Getenv("OPENAI_MODEL"), "gpt-4o-mini"),
		API:         firstNonEmpty(os.Getenv("OPENAI_API_MODE"), "responses"),
		LogPayloads: envBool("OPENAI_LOG_PAYLOADS", false),
	}
	cfg.LLMClient.Anthropic = AnthropicConfig{
		APIKey:  cfg.AnthropicKey,
		BaseURL: os.Getenv("ANTHROPIC_BASE_URL"),
		Model:   firstNonEmpty(os.Getenv("ANTHROPIC_MODEL"), "claude-sonnet-4-5"),
		PromptCache: AnthropicPromptCacheConfig{
			Enabled:       envBool("ANTHROPIC_PROMPT_CACHE_ENABLED", true),
			CacheSystem:   envBool("ANTHROPIC_CACHE_SYSTEM", false),
			CacheTools:    envBool("ANTHROPIC_CACHE_TOOLS", false),
			CacheMessages: envBool("ANTHROPIC_CACHE_MESSAGES", false),
		},
	}
	cfg.LLMClient.Google = GoogleConfig{
		APIKey:  cfg.GoogleGeminiKey,
		Model:   firstNonEmpty(os.Getenv("GOOGLE_MODEL"), "gemini-2.5-flash"),
		BaseURL: os.Getenv("GOOGLE_BASE_URL"),
		Timeout: envInt("GOOGLE_TIMEOUT_SECONDS", 60),
	}

	cfg.Embedding = EmbeddingConfig{
		Model:     firstNonEmpty(os.Getenv("EMBEDDING_MODEL"), "text-embedding-3-small"),
		BaseURL:   firstNonEmpty(os.Getenv("EMBEDDING_BASE_URL"), "https://api.openai.com/v1"),
		Path:      firstNonEmpty(os.Getenv("EMBEDDING_PATH"), "/embeddings"),
		APIKey:    firstNonEmpty(os.Getenv("EMBEDDING_API_KEY"), cfg.OpenAIAPIKey),
		APIHeader: firstNonEmpty(os.Getenv("EMBEDDING_API_HEADER"), "Authorization"),
		Timeout:   envInt("EMBEDDING_TIMEOUT_SECONDS", 10),
	}

	cfg.Exec.MaxCommandSeconds = envInt("EXEC_MAX_COMMAND_SECONDS", 30)
	if b := os.Getenv("EXEC_BLOCK_BINARIES"); b != "" {
		cfg.Exec.BlockBinaries = strings.Split(b, ",")
	} else {
		cfg.Exec.BlockBinaries = []string{"rm", "shutdown", "reboot", "mkfs", "dd"}
	}

	cfg.DB.DefaultDSN = firstNonEmpty(os.Getenv("DB_DEFAULT_DSN"), cfg.Database.ConnectionString)
	cfg.DB.Search.Backend = firstNonEmpty(os.Getenv("DB_SEARCH_BACKEND"), "auto")
	cfg.DB.Search.DSN = os.Getenv("DB_SEARCH_DSN")
	cfg.DB.Vector.Backend = firstNonEmpty(os.Getenv("DB_VECTOR_BACKEND"), "auto")
	cfg.DB.Vector.DSN = firstNonEmpty(os.Getenv("DB_VECTOR_DSN"), cfg.RAG.QdrantAddr)
	cfg.DB.Vector.Dimensions = envInt("DB_VECTOR_DIMENSIONS", 1536)
	cfg.DB.Vector.Metric = firstNonEmpty(os.Getenv("DB_VECTOR_METRIC"), "cosine")
	cfg.DB.Vector.Collection = firstNonEmpty(os.Getenv("DB_VECTOR_COLLECTION"), cfg.RAG.Collection)
	if cfg.DB.Vector.DSN == cfg.RAG.QdrantAddr && cfg.RAG.QdrantAddr != "" && os.Getenv("DB_VECTOR_BACKEND") == "" {
		cfg.DB.Vector.Backend = "qdrant"
	}
	cfg.DB.Graph.Backend = firstNonEmpty(os.Getenv("DB_GRAPH_BACKEND"), "none")
	cfg.DB.Graph.DSN = os.Getenv("DB_GRAPH_DSN")

	cfg.OpenAI = cfg.LLMClient.OpenAI
	cfg.DataPath = firstNonEmpty(os.Getenv("DATA_PATH"), "/tmp/chatgateway")
	cfg.Workdir = firstNonEmpty(os.Getenv("WORKDIR"), cfg.DataPath)

	cfg.MaxAgentIterations = envInt("MAX_AGENT_ITERATIONS", 10)
	cfg.ToolCallTimeoutSeconds = envInt("TOOL_CALL_TIMEOUT_SECONDS", 60)
	cfg.ReaperStalenessSeconds = envInt("REAPER_STALENESS_SECONDS", 120)

	return cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.Port == 0 {
		cfg.Port = 8080
	}
	if cfg.OTel.ServiceName == "" {
		cfg.OTel.ServiceName = "chatgateway"
	}
	if cfg.MaxAgentIterations == 0 {
		cfg.MaxAgentIterations = 10
	}
	if cfg.ToolCallTimeoutSeconds == 0 {
		cfg.ToolCallTimeoutSeconds = 60
	}
}

// ParseMCPServers decodes the CHAT_MCP_SERVERS JSON knob into a server list.
// Accepts either a bare JSON array or an object of the form {"servers": [...]}.
func ParseMCPServers(raw []byte) ([]MCPServerConfig, error) {
	var arr []MCPServerConfig
	if err := json.Unmarshal(raw, &arr); err == nil {
		return arr, nil
	}
	var wrapped struct {
		Servers []MCPServerConfig `json:"servers"`
	}
	if err := json.Unmarshal(raw, &wrapped); err != nil {
		return nil, err
	}
	return wrapped.Servers, nil
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}

func envInt(key string, def int) int {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

func envBool(key string, def bool) bool {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def
	}
	return b
}
