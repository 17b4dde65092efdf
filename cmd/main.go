package main

import (
	"context"
	"log/slog"
	"os"
	"strconv"

	"github.com/aws/aws-lambda-go/lambda"
	"github.com/aws/aws-sdk-go-v2/config"
	awsdynamodb "github.com/aws/aws-sdk-go-v2/service/dynamodb"
	awsssm "github.com/aws/aws-sdk-go-v2/service/ssm"

	"book-search-agent/handler"
	"book-search-agent/internal/integrations/openai"
	"book-search-agent/internal/integrations/openlibrary"
	"book-search-agent/internal/integrations/paramstore"
	"book-search-agent/internal/repository"
	"book-search-agent/internal/safety"
	"book-search-agent/internal/usecase"
)

func main() {
	ctx := context.Background()

	// ---- Configuration (read only here) ----
	sessionTable := mustEnv("SESSION_TABLE")
	paramPrefix := mustEnv("PARAM_PREFIX")
	historyTurns := envInt("MAX_HISTORY_TURNS", 10)
	maxQueryLen := envInt("MAX_QUERY_LENGTH", 300)

	// ---- AWS SDK config ----
	cfg, err := config.LoadDefaultConfig(ctx)
	if err != nil {
		slog.Error("failed to load AWS config", "err", err)
		os.Exit(1)
	}

	// ---- Clients ----
	ssmClient, err := paramstore.New(awsssm.NewFromConfig(cfg))
	if err != nil {
		slog.Error("failed to create SSM client", "err", err)
		os.Exit(1)
	}
	sessionStore, err := repository.New(awsdynamodb.NewFromConfig(cfg), sessionTable)
	if err != nil {
		slog.Error("failed to create session store", "err", err)
		os.Exit(1)
	}
	openaiClient, err := openai.NewClient(ssmClient, paramPrefix)
	if err != nil {
		slog.Error("failed to create OpenAI client", "err", err)
		os.Exit(1)
	}
	catalogClient := openlibrary.NewClient()

	// ---- Handler ----
	searchService, err := usecase.NewSearchService(
		safety.NewFilter(), ssmClient, openaiClient, catalogClient, sessionStore,
		paramPrefix, historyTurns, maxQueryLen,
	)
	if err != nil {
		slog.Error("failed to create search service", "err", err)
		os.Exit(1)
	}

	h, err := handler.NewHandler(searchService)
	if err != nil {
		slog.Error("failed to create handler", "err", err)
		os.Exit(1)
	}

	lambda.Start(h.Handle)
}

func mustEnv(key string) string {
	v := os.Getenv(key)
	if v == "" {
		slog.Error("required environment variable is not set", "key", key)
		os.Exit(1)
	}
	return v
}

func envInt(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}
