// Command procsuite is a thin in-process CLI: it wires every pipeline
// package into a single process and drives the three external entry
// points (registryservice.ExtractFieldsExtractionFirst, codingservice/
// hybrid.GenerateResult|Run, registryservice.ExtractRecord) end-to-end
// against one note text file, printing the combined result as JSON to
// stdout. It never listens on a socket and is not an HTTP service — the
// HTTP surface is an external collaborator's concern, not this
// package's.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"

	"github.com/procsuite/procsuite/internal/config"
	"github.com/procsuite/procsuite/pkg/cache"
	"github.com/procsuite/procsuite/pkg/coding/derive"
	"github.com/procsuite/procsuite/pkg/codingservice"
	"github.com/procsuite/procsuite/pkg/hybrid"
	"github.com/procsuite/procsuite/pkg/llmclient"
	"github.com/procsuite/procsuite/pkg/mlaudit"
	"github.com/procsuite/procsuite/pkg/registryservice"
)

func main() {
	configPath := flag.String("config", "", "path to a settings YAML file (defaults built in if empty)")
	notePath := flag.String("note", "", "path to a raw note text file to process (required)")
	procedureID := flag.String("procedure-id", "", "opaque procedure/case identifier stamped onto the coding result")
	procedureType := flag.String("procedure-type", "", "opaque procedure category stamped onto the coding result")
	noteID := flag.String("note-id", "", "opaque note identifier stamped onto the lightweight extract-record result")
	traceStdout := flag.Bool("trace-stdout", false, "emit OpenTelemetry spans to stdout instead of discarding them")
	flag.Parse()

	logger := logrus.New()
	logger.SetFormatter(&logrus.JSONFormatter{})

	if *notePath == "" {
		logger.Fatal("-note is required: path to a raw note text file")
	}
	rawNote, err := os.ReadFile(*notePath)
	if err != nil {
		logger.WithError(err).Fatal("read note file")
	}

	settings, err := loadSettings(*configPath)
	if err != nil {
		logger.WithError(err).Fatal("load settings")
	}

	shutdownTracing, err := setupTracing(*traceStdout)
	if err != nil {
		logger.WithError(err).Fatal("configure tracing")
	}
	defer shutdownTracing(context.Background())

	registry, codingSvc, hybridOrch, err := buildPipelines(settings, logger)
	if err != nil {
		logger.WithError(err).Fatal("build pipelines")
	}

	ctx := context.Background()
	result, err := runOnce(ctx, settings, registry, codingSvc, hybridOrch, string(rawNote), *procedureID, *procedureType, *noteID)
	if err != nil {
		logger.WithError(err).Fatal("run pipeline")
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(result); err != nil {
		logger.WithError(err).Fatal("encode result")
	}
}

// cliResult is the envelope printed to stdout, one field per §6 external
// interface this command exercises.
type cliResult struct {
	Extraction *registryservice.ExtractionResult `json:"extraction"`
	Coding     *codingservice.CodingResult       `json:"coding"`
	Record     cliRecordResult                   `json:"record"`
}

type cliRecordResult struct {
	Record   interface{}          `json:"record"`
	Warnings []string             `json:"warnings"`
	Meta     registryservice.Meta `json:"meta"`
}

// runOnce drives all three external entry points against the same note,
// mirroring what a real caller would invoke independently: the full
// extraction-first pipeline, the billing-facing coding result (via
// whichever of the two pipelines config.Settings.PipelineMode selects),
// and the lightweight record-only extraction.
func runOnce(ctx context.Context, settings *config.Settings, registry *registryservice.Service, codingSvc *codingservice.Service, hybridOrch *hybrid.Orchestrator, rawNote, procedureID, procedureType, noteID string) (*cliResult, error) {
	extraction, err := registry.ExtractFieldsExtractionFirst(ctx, rawNote)
	if err != nil {
		return nil, err
	}

	var coding *codingservice.CodingResult
	switch settings.PipelineMode {
	case config.PipelineModeCurrent:
		if hybridOrch == nil {
			return nil, fmt.Errorf("pipeline_mode=current requires auditor_source=raw_ml")
		}
		coding, err = hybridOrch.Run(ctx, procedureID, rawNote, procedureType)
	default:
		coding, err = codingSvc.GenerateResult(ctx, procedureID, rawNote, procedureType)
	}
	if err != nil {
		return nil, err
	}

	record, warnings, meta, err := registry.ExtractRecord(ctx, rawNote, noteID)
	if err != nil {
		return nil, err
	}

	return &cliResult{
		Extraction: extraction,
		Coding:     coding,
		Record:     cliRecordResult{Record: record, Warnings: warnings, Meta: meta},
	}, nil
}

func loadSettings(path string) (*config.Settings, error) {
	if path == "" {
		return config.NewDefaultSettings(), nil
	}
	return config.Load(path)
}

// setupTracing installs a global TracerProvider so pkg/tracing's span
// calls produce real spans instead of no-ops. The stdout exporter is the
// only exporter in the retrieved dependency surface; production
// deployments would swap it for an OTLP exporter without touching
// pkg/tracing at all.
func setupTracing(toStdout bool) (func(context.Context) error, error) {
	var exporter sdktrace.SpanExporter
	var err error
	if toStdout {
		exporter, err = stdouttrace.New(stdouttrace.WithPrettyPrint())
	} else {
		exporter, err = stdouttrace.New(stdouttrace.WithWriter(discardWriter{}))
	}
	if err != nil {
		return nil, err
	}

	tp := sdktrace.NewTracerProvider(sdktrace.WithBatcher(exporter))
	otel.SetTracerProvider(tp)
	return tp.Shutdown, nil
}

type discardWriter struct{}

func (discardWriter) Write(p []byte) (int, error) { return len(p), nil }

// buildPipelines constructs the shared LLM client, RAW-ML auditor, and
// derivation engine once, then wraps them into the registry orchestrator,
// the extraction-first coding service, and the hybrid orchestrator so a
// single process never loads the model bundle or rego policy twice.
func buildPipelines(settings *config.Settings, logger *logrus.Logger) (*registryservice.Service, *codingservice.Service, *hybrid.Orchestrator, error) {
	llmCache, err := buildCache(settings, logger)
	if err != nil {
		return nil, nil, nil, err
	}

	provider, err := llmclient.NewProvider(settings)
	if err != nil {
		return nil, nil, nil, err
	}
	llmClient := llmclient.NewClientWithProvider(settings, logger, provider, llmCache)

	engine, err := derive.NewEngine(settings.RulesDir)
	if err != nil {
		return nil, nil, nil, err
	}

	var auditor *mlaudit.Auditor
	if settings.AuditorSource == config.AuditorSourceRawML {
		thresholds, err := mlaudit.LoadThresholds(settings.ThresholdsPath)
		if err != nil {
			return nil, nil, nil, err
		}
		auditor, err = mlaudit.NewAuditor(settings, thresholds, settings.ModelBundleDir)
		if err != nil {
			return nil, nil, nil, err
		}
	}

	registry := registryservice.New(settings, llmClient, auditor, engine)
	codingSvc := codingservice.NewService(registry)

	var hybridOrch *hybrid.Orchestrator
	if auditor != nil {
		hybridOrch = hybrid.NewOrchestrator(auditor, engine, llmClient)
	}

	return registry, codingSvc, hybridOrch, nil
}

// buildCache selects a Redis-backed cache when settings.RedisAddr is
// configured, falling back to the in-memory cache for local/offline runs.
// Connection errors are logged, not fatal: a cold Redis doesn't block
// startup, it just degrades every LLM call to an uncached one.
func buildCache(settings *config.Settings, logger *logrus.Logger) (llmclient.Cache, error) {
	if settings.RedisAddr == "" {
		return cache.NewInMemoryCache(), nil
	}

	client := cache.NewClient(&redis.Options{Addr: settings.RedisAddr}, logger)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.EnsureConnection(ctx); err != nil {
		logger.WithError(err).Warn("redis unreachable at startup, llm calls will run uncached until it recovers")
	}
	return cache.NewCache(client, logger), nil
}
