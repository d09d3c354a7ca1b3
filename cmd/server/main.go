package main

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/lib/pq"
	goredis "github.com/redis/go-redis/v9"

	"ragbase/internal/api"
	"ragbase/internal/db/postgres"
	redisdb "ragbase/internal/db/redis"
	"ragbase/internal/db/s3"
	"ragbase/internal/domain/chat"
	"ragbase/internal/domain/rag"
	"ragbase/internal/platform/config"
	applog "ragbase/internal/platform/log"
	"ragbase/internal/provider/openai"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "❌ Config load failed: %v\n", err)
		os.Exit(1)
	}

	applog.Init(applog.Config{
		Level:  cfg.LogLevel,
		Format: cfg.LogFormat,
	})

	db, err := sql.Open("postgres", cfg.Database.URL)
	if err != nil {
		applog.Fatalf("❌ Failed to connect to database: %v", err)
	}
	defer db.Close()

	db.SetMaxOpenConns(cfg.Database.MaxOpenConns)
	db.SetMaxIdleConns(cfg.Database.MaxIdleConns)
	db.SetConnMaxLifetime(time.Duration(cfg.Database.ConnMaxLifetimeSeconds) * time.Second)

	if err := db.Ping(); err != nil {
		applog.Fatalf("❌ Failed to ping database: %v", err)
	}
	applog.Info("✅ Connected to PostgreSQL")

	migrateCtx, migrateCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer migrateCancel()

	vectorStore := postgres.NewVectorStore(db, cfg.RAG.EmbeddingDims)
	if err := vectorStore.EnsureExtension(migrateCtx); err != nil {
		applog.Fatalf("❌ pgvector extension unavailable: %v", err)
	}
	applog.Info("✅ pgvector extension ready")

	datasetRepo := postgres.NewDatasetRepo(db)
	if err := datasetRepo.EnsureTables(migrateCtx); err != nil {
		applog.Fatalf("❌ Failed to ensure datasets table: %v", err)
	}
	embeddingStore := postgres.NewEmbeddingStore(db)
	if err := embeddingStore.EnsureTables(migrateCtx); err != nil {
		applog.Fatalf("❌ Failed to ensure embeddings table: %v", err)
	}
	applog.Info("✅ RAG tables ready (datasets, embeddings)")

	redisClient := initRedis(cfg.Redis.URL)

	embedder := rag.NewOpenAIEmbedder(rag.OpenAIEmbedderConfig{
		BaseURL: cfg.OpenAI.BaseURL,
		APIKey:  cfg.OpenAI.APIKey,
		Model:   cfg.RAG.EmbeddingModel,
		Dims:    cfg.RAG.EmbeddingDims,
	})
	cachedEmbedder := rag.NewCacheEmbedding(embedder, embeddingStore)
	applog.Infof("✅ Embedder initialized (model: %s, dims: %d)", embedder.Model(), embedder.Dims())

	retriever := rag.NewRetriever(vectorStore, datasetRepo, cachedEmbedder, &cfg.RAG)

	var ingestor *rag.Ingestor
	var blobs rag.BlobStore
	if cfg.S3.Endpoint != "" {
		blobStore, err := s3.NewBlobStore(context.Background(), s3.Config{
			Endpoint:  cfg.S3.Endpoint,
			AccessKey: cfg.S3.AccessKey,
			SecretKey: cfg.S3.SecretKey,
			Bucket:    cfg.S3.Bucket,
			Region:    cfg.S3.Region,
			UseSSL:    cfg.S3.UseSSL,
		})
		if err != nil {
			applog.Fatalf("❌ S3 blob store init failed: %v", err)
		}
		blobs = blobStore

		ingestor, err = rag.NewIngestor(vectorStore, datasetRepo, blobs, cachedEmbedder, &cfg.RAG)
		if err != nil {
			applog.Fatalf("❌ Ingestor init failed: %v", err)
		}
		applog.Info("✅ Document ingestion enabled")
	} else {
		applog.Info("ℹ️  No S3_ENDPOINT set, document upload disabled (search only)")
	}

	if cfg.RAG.HasCache() {
		searchCache := redisdb.NewSearchCache(redisClient, cfg.RAG.CacheTTL)
		retriever.SetCache(searchCache)
		if ingestor != nil {
			ingestor.SetCache(searchCache)
		}
		applog.Infof("✅ Search cache initialized (TTL: %ds)", cfg.RAG.CacheTTL)
	}

	serverConfig := api.DefaultServerConfig()
	serverConfig.Host = cfg.Server.Host
	serverConfig.Port = cfg.Server.Port
	serverConfig.ReadTimeout = time.Duration(cfg.Server.ReadTimeoutSeconds) * time.Second
	serverConfig.WriteTimeout = time.Duration(cfg.Server.WriteTimeoutSeconds) * time.Second
	serverConfig.JWTSecret = cfg.Auth.JWTSecret
	serverConfig.JWTIssuer = cfg.Auth.JWTIssuer
	server := api.NewServer(serverConfig, retriever, ingestor, datasetRepo)
	if blobs != nil {
		server.SetBlobs(blobs, cfg.RAG.MaxFileSize)
	}

	if cfg.OpenAI.APIKey != "" {
		llm := openai.New(openai.Config{
			APIKey:  cfg.OpenAI.APIKey,
			BaseURL: cfg.OpenAI.BaseURL,
		})

		memoryStore := redisdb.NewMemoryStore(redisdb.MemoryStoreConfig{
			Client:      redisClient,
			TTL:         time.Duration(cfg.Chat.HistoryTTL) * time.Second,
			MaxMessages: int64(cfg.Chat.MaxMessages),
		})
		orchestrator := chat.NewOrchestrator(retriever, memoryStore, llm, chat.Config{
			Model:       cfg.Chat.Model,
			Temperature: cfg.Chat.Temperature,
			MaxTokens:   cfg.Chat.MaxTokens,
		})
		server.SetChat(orchestrator)
		applog.Infof("✅ Chat orchestrator initialized (model: %s)", cfg.Chat.Model)
	} else {
		applog.Info("ℹ️  No OPENAI_API_KEY set, chat API disabled")
	}

	go func() {
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		<-sigCh

		applog.Info("🔄 Shutting down...")
		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()

		if err := server.Stop(ctx); err != nil {
			applog.Errorf("❌ Server shutdown error: %v", err)
		}
	}()

	if err := server.Start(); err != nil && err.Error() != "http: Server closed" {
		applog.Fatalf("❌ Server error: %v", err)
	}

	applog.Info("👋 Server stopped")
}

func initRedis(url string) *goredis.Client {
	opt, err := goredis.ParseURL(url)
	if err != nil {
		applog.Fatalf("❌ Invalid REDIS_URL: %v", err)
	}

	client := goredis.NewClient(opt)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		applog.Fatalf("❌ Redis connection failed: %v", err)
	}
	applog.Info("✅ Connected to Redis")
	return client
}
