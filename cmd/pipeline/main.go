package main

import (
	"context"
	"fmt"
	"log"
	"os"

	"github.com/joho/godotenv"

	"contract_analysis/pkg/core/analysis"
	"contract_analysis/pkg/core/logging"
	"contract_analysis/pkg/core/node"
	"contract_analysis/pkg/core/pipeline"
	"contract_analysis/pkg/core/prompts"
	"contract_analysis/pkg/core/store"
)

// Runs the full contract analysis chain against a local contract text file:
//
//	go run ./cmd/pipeline <contract.txt> <state> [contract_type]
//
// Requires GEMINI_API_KEY (and optionally OPENAI_API_KEY for fallback).
// DATABASE_URL enables the Postgres-backed caches; without it the pipeline
// falls back to local file caching.
func main() {
	if err := godotenv.Load(); err != nil {
		log.Println("Warning: .env file not found, assuming environment variables are set.")
	}

	if len(os.Args) < 3 {
		log.Fatal("usage: pipeline <contract.txt> <state NSW|VIC|QLD|...> [contract_type]")
	}
	contractPath, australianState := os.Args[1], os.Args[2]
	contractType := "residential_sale"
	if len(os.Args) > 3 {
		contractType = os.Args[3]
	}

	env := os.Getenv("APP_ENV")
	logger, err := logging.New(env)
	if err != nil {
		log.Fatalf("failed to build logger: %v", err)
	}
	defer logger.Sync()
	prompts.SetLogger(logger)

	text, err := os.ReadFile(contractPath)
	if err != nil {
		log.Fatalf("failed to read contract %s: %v", contractPath, err)
	}

	ctx := context.Background()

	configDir := os.Getenv("PROMPT_CONFIG_DIR")
	if configDir == "" {
		configDir = "configs"
	}
	manager, err := buildPromptStack(configDir, env, logger)
	if err != nil {
		log.Fatalf("prompt stack initialization failed: %v", err)
	}

	if os.Getenv("DATABASE_URL") != "" {
		if err := store.InitDB(ctx); err != nil {
			log.Fatalf("database initialization failed: %v", err)
		}
		if err := store.Ping(ctx); err != nil {
			log.Fatalf("database unreachable: %v", err)
		}
		defer store.Close()
	}
	contracts := store.NewContractCache(store.GetPool(), os.Getenv("CONTRACT_CACHE_DIR"))
	documents := store.NewDocumentStore(store.GetPool(), os.Getenv("BLOB_ROOT"))

	deps := analysis.Deps{
		Manager:   manager,
		Contracts: contracts,
		Documents: documents,
		Log:       logger,
	}
	orch := pipeline.NewOrchestrator(deps, "reports.contract_analysis")

	state := node.State{
		node.KeyAustralianState: australianState,
		node.KeyContractType:    contractType,
		node.KeyDocumentMetadata: map[string]interface{}{
			"full_text": string(text),
			"file_name": contractPath,
		},
		node.KeyProgressCallback: node.ProgressCallback(func(percent float64, description string) {
			fmt.Printf("[%5.1f%%] %s\n", percent, description)
		}),
	}

	final, err := orch.Run(ctx, state)
	if err != nil {
		log.Fatalf("analysis run failed: %v", err)
	}

	if report := final.GetString(analysis.AttrReport); report != "" {
		fmt.Println(report)
	} else {
		logger.Warn("run finished without a compiled report", "processing_errors", final[node.KeyProcessingErrors])
	}
}

func buildPromptStack(configDir, env string, logger *logging.Logger) (*prompts.PromptManager, error) {
	devMode := env != "prod" && env != "production"

	loader := prompts.NewTemplateLoader(configDir+"/templates", devMode)
	if err := loader.LoadAll(); err != nil {
		return nil, err
	}

	fragments := prompts.NewFragmentManager(configDir + "/fragments")
	if err := fragments.LoadOrchestration("contract_analysis", configDir+"/fragment_orchestration.yaml"); err != nil {
		return nil, err
	}

	config := prompts.NewConfigurationManager(loader, fragments)
	if err := config.LoadCompositionRules(configDir + "/composition_rules.yaml"); err != nil {
		return nil, err
	}
	if err := config.LoadServiceMappings(configDir + "/service_mappings.yaml"); err != nil {
		return nil, err
	}
	// Fail closed: a broken prompt configuration never reaches an analysis
	// run.
	if err := config.Validate(); err != nil {
		return nil, err
	}

	engine := prompts.NewWorkflowExecutionEngine(loader, nil)
	return prompts.NewPromptManager(loader, fragments, config, engine), nil
}
