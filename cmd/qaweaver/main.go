package main

import (
	"context"
	"errors"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	otelglobal "go.opentelemetry.io/otel"

	"github.com/qaweaverhq/qaweaver/api"
	"github.com/qaweaverhq/qaweaver/artifact"
	generatorfactory "github.com/qaweaverhq/qaweaver/generator/factory"
	"github.com/qaweaverhq/qaweaver/internal/config"
	"github.com/qaweaverhq/qaweaver/observe"
	otelsink "github.com/qaweaverhq/qaweaver/observe/otel"
	"github.com/qaweaverhq/qaweaver/orchestrator"
	"github.com/qaweaverhq/qaweaver/pipeline"
	"github.com/qaweaverhq/qaweaver/progress"
	"github.com/qaweaverhq/qaweaver/registry"
	statefactory "github.com/qaweaverhq/qaweaver/state/factory"
)

func main() {
	_ = godotenv.Load()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	def, err := pipeline.FromEnv()
	if err != nil {
		log.Fatalf("failed to load pipeline definition: %v", err)
	}

	gen := generatorfactory.FromEnv()
	log.Printf("generator backend: %s", gen.Name())

	states, err := statefactory.FromEnv(ctx)
	if err != nil {
		log.Fatalf("failed to configure state store: %v", err)
	}
	if states != nil {
		defer func() {
			if err := states.Close(); err != nil {
				log.Printf("state store close error: %v", err)
			}
		}()
	}

	artifacts, err := artifact.NewFSStore(config.StringEnv("QAWEAVER_ARTIFACT_DIR", "./.qaweaver/artifacts"))
	if err != nil {
		log.Fatalf("failed to open artifact store: %v", err)
	}

	sinks := []observe.Sink{}
	if config.ParseBoolEnv("QAWEAVER_TRACING", false) {
		sinks = append(sinks, otelsink.NewSink(otelglobal.GetTracerProvider()))
	}
	if config.ParseBoolEnv("QAWEAVER_DEBUG", false) {
		sinks = append(sinks, observe.SinkFunc(func(_ context.Context, event observe.Event) error {
			log.Printf("[observe] kind=%s status=%s run=%s stage=%s msg=%s err=%s",
				event.Kind, event.Status, event.RunID, event.StageKey, event.Message, event.Error)
			return nil
		}))
	}
	var sink observe.Sink = observe.NoopSink{}
	if len(sinks) > 0 {
		async := observe.NewAsyncSink(observe.NewMultiSink(sinks...), config.ParseIntEnv("QAWEAVER_OBSERVE_BUFFER", 256))
		defer func() {
			async.Close()
			if n := async.Dropped(); n > 0 {
				log.Printf("observe: %d events dropped, raise QAWEAVER_OBSERVE_BUFFER", n)
			}
		}()
		sink = async
	}

	reg := registry.New()
	broker := progress.NewBroker()

	orch, err := orchestrator.New(orchestrator.Config{
		Pipeline:  def,
		Generator: gen,
		Registry:  reg,
		Broker:    broker,
		Artifacts: artifacts,
		States:    states,
		Sink:      sink,
	})
	if err != nil {
		log.Fatalf("failed to build orchestrator: %v", err)
	}

	server := api.NewServer(api.Config{
		Addr:         config.StringEnv("QAWEAVER_ADDR", "127.0.0.1:8080"),
		Orchestrator: orch,
		Registry:     reg,
		Broker:       broker,
		Artifacts:    artifacts,
		States:       states,
	})

	log.Printf("qaweaver listening on %s (pipeline: %d stages)", config.StringEnv("QAWEAVER_ADDR", "127.0.0.1:8080"), def.Len())
	if err := server.ListenAndServe(ctx); err != nil && !errors.Is(err, context.Canceled) {
		log.Fatalf("server error: %v", err)
	}

	// Let in-flight runs reach a stage boundary before the process exits.
	orch.Wait()
}
