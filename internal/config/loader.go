package config

import (
	"encoding/json"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Load reads configuration from environment variables (optionally .env).
func Load() (Config, error) {
	// .env values fill in unset variables; real environment wins.
	_ = godotenv.Load()

	cfg := Config{}
	cfg.LogLevel = strings.TrimSpace(os.Getenv("LOG_LEVEL"))
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}

	cfg.Database = DatabaseConfig{
		Backend: envOr("DATABASE_BACKEND", "postgres"),
		DSN:     os.Getenv("DATABASE_URL"),
	}
	if cfg.Database.DSN == "" {
		cfg.Database.Backend = "memory"
	}

	cfg.Redis = RedisConfig{
		URL:      envOr("REDIS_URL", "redis://localhost:6379/0"),
		Password: os.Getenv("REDIS_PASSWORD"),
		DB:       parseInt(os.Getenv("REDIS_DB"), 0),
	}

	cfg.Vector = VectorConfig{
		Backend:      envOr("VECTOR_DB_TYPE", "milvus"),
		Collection:   envOr("VECTOR_COLLECTION_NAME", "lorebase_chunks"),
		Dimension:    parseInt(os.Getenv("VECTOR_DIM"), 1536),
		MilvusURI:    os.Getenv("MILVUS_URI"),
		MilvusToken:  os.Getenv("MILVUS_TOKEN"),
		QdrantURL:    os.Getenv("QDRANT_URL"),
		QdrantAPIKey: os.Getenv("QDRANT_API_KEY"),
	}

	cfg.ObjectStore = ObjectStoreConfig{
		Backend:   envOr("OBJECT_STORE_BACKEND", "s3"),
		Endpoint:  envOr("S3_ENDPOINT", "localhost:9000"),
		Region:    envOr("S3_REGION", "us-east-1"),
		Bucket:    envOr("S3_BUCKET_NAME", "lorebase-files"),
		AccessKey: os.Getenv("S3_ACCESS_KEY"),
		SecretKey: os.Getenv("S3_SECRET_KEY"),
		UseSSL:    parseBool(os.Getenv("S3_USE_SSL"), false),
	}

	cfg.LLM = LLMConfig{
		APIKey:   os.Getenv("OPENAI_API_KEY"),
		BaseURL:  envOr("OPENAI_BASE_URL", "https://api.openai.com/v1"),
		Model:    envOr("LLM_MODEL", "qwen3-vl-plus"),
		OCRModel: envOr("OCR_MODEL", "qwen-vl-ocr"),
	}

	cfg.Embedding = EmbeddingConfig{
		APIKey:  firstNonEmpty(os.Getenv("EMBEDDING_API_KEY"), os.Getenv("OPENAI_API_KEY")),
		BaseURL: os.Getenv("EMBEDDING_BASE_URL"),
		Model:   envOr("EMBEDDING_MODEL", "qwen3-vl-embedding"),
	}

	cfg.Rerank = RerankConfig{
		APIKey:  firstNonEmpty(os.Getenv("RERANK_API_KEY"), os.Getenv("OPENAI_API_KEY")),
		BaseURL: os.Getenv("RERANK_BASE_URL"),
		Model:   envOr("RERANK_MODEL", "qwen3-rerank"),
	}

	cfg.Queue = QueueConfig{
		Brokers:       splitCSV(envOr("KAFKA_BROKERS", "localhost:9092")),
		Topic:         envOr("KAFKA_TASK_TOPIC", "lorebase.tasks"),
		GroupID:       envOr("KAFKA_GROUP_ID", "lorebase-workers"),
		SubmitTimeout: parseDuration(os.Getenv("QUEUE_SUBMIT_TIMEOUT"), 10*time.Second),
	}

	cfg.Chunking = ChunkingConfig{
		Size:           parseInt(os.Getenv("CHUNK_SIZE"), 500),
		Overlap:        parseInt(os.Getenv("CHUNK_OVERLAP"), 50),
		MaxExpandRatio: parseFloat(os.Getenv("CHUNK_MAX_EXPAND_RATIO"), 1.3),
	}

	cfg.RAG = RAGConfig{
		ConfidenceThreshold: parseFloat(os.Getenv("RAG_CONFIDENCE_THRESHOLD"), 0.6),
		RRFK:                parseInt(os.Getenv("RRF_K"), 60),
		UseBM25:             parseBool(os.Getenv("RAG_USE_BM25"), true),
		QueryExpand:         parseBool(os.Getenv("RAG_QUERY_EXPAND"), true),
		QueryExpandCount:    parseInt(os.Getenv("RAG_QUERY_EXPAND_COUNT"), 2),
		ContextWindowExpand: parseInt(os.Getenv("RAG_CONTEXT_WINDOW_EXPAND"), 1),
	}

	cfg.Chat = ChatConfig{
		HistoryMaxCount:     parseInt(os.Getenv("CHAT_HISTORY_MAX_COUNT"), 100),
		ContextMessageCount: parseInt(os.Getenv("CHAT_CONTEXT_MESSAGE_COUNT"), 8),
	}

	cfg.Upload = UploadConfig{
		MaxFileSize:         parseInt64(os.Getenv("MAX_FILE_SIZE"), 104857600),
		AllowedTypes:        splitCSV(envOr("ALLOWED_FILE_TYPES", "pdf,ppt,pptx,txt,xlsx,docx,jpeg,jpg,png,md,html,zip")),
		ForbiddenExtensions: splitCSV(envOr("FILE_FORBIDDEN_EXTENSIONS", "exe,bat,cmd,sh,ps1,scr,vbs,js,jar")),
		FileNameMaxLength:   parseInt(os.Getenv("FILE_NAME_MAX_LENGTH"), 200),
		OnDuplicate:         envOr("UPLOAD_ON_DUPLICATE", "use_existing"),
		PDFOCRMinChars:      parseInt(os.Getenv("PDF_OCR_MIN_CHARS"), 80),
		PDFOCRDPI:           parseInt(os.Getenv("PDF_OCR_DPI"), 150),
	}

	cfg.RateLimit = RateLimitConfig{
		Enabled:            parseBool(os.Getenv("RATE_LIMIT_ENABLED"), true),
		UploadPerDay:       parseInt(os.Getenv("RATE_LIMIT_UPLOAD_PER_DAY"), 500),
		ConversationPerDay: parseInt(os.Getenv("RATE_LIMIT_CONVERSATION_PER_DAY"), 200),
		SearchQPS:          parseFloat(os.Getenv("RATE_LIMIT_SEARCH_QPS"), 10),
	}

	cfg.Cache = CacheConfig{
		Enabled:   parseBool(os.Getenv("CACHE_ENABLED"), true),
		KeyPrefix: envOr("CACHE_KEY_PREFIX", "cache:"),
		TTLStats:  parseDuration(os.Getenv("CACHE_TTL_STATS"), 60*time.Second),
		TTLList:   parseDuration(os.Getenv("CACHE_TTL_LIST"), 60*time.Second),
		TTLConv:   parseDuration(os.Getenv("CACHE_TTL_CONV"), 30*time.Second),
		TTLDetail: parseDuration(os.Getenv("CACHE_TTL_DETAIL"), 60*time.Second),
	}

	if raw := strings.TrimSpace(os.Getenv("MCP_SERVERS")); raw != "" {
		var servers []MCPServerConfig
		if err := json.Unmarshal([]byte(raw), &servers); err == nil {
			cfg.MCPServers = servers
		}
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func envOr(key, def string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return def
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}
