// workerd runs one worker agent. With role "builder" it turns task
// assignments into generated, validated, committed artifacts; with role
// "tester" it answers test requests.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path"
	"strings"
	"syscall"
	"time"

	"github.com/agentmesh/agentmesh/internal/adapter/fileserver"
	"github.com/agentmesh/agentmesh/internal/adapter/gitservice"
	"github.com/agentmesh/agentmesh/internal/adapter/llm"
	agentnats "github.com/agentmesh/agentmesh/internal/adapter/nats"
	"github.com/agentmesh/agentmesh/internal/adapter/otel"
	"github.com/agentmesh/agentmesh/internal/adapter/registryclient"
	"github.com/agentmesh/agentmesh/internal/agent"
	"github.com/agentmesh/agentmesh/internal/config"
	"github.com/agentmesh/agentmesh/internal/logger"
	"github.com/agentmesh/agentmesh/internal/port/messagequeue"
	"github.com/agentmesh/agentmesh/internal/resilience"
)

func main() {
	if err := run(); err != nil {
		slog.Error("fatal", "error", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}
	if cfg.Logging.Service == "" {
		cfg.Logging.Service = "workerd"
	}
	slog.SetDefault(logger.New(cfg.Logging))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdownMetrics, err := otel.Setup(ctx, cfg.Logging.Service, cfg.Metrics)
	if err != nil {
		return fmt.Errorf("metrics: %w", err)
	}
	defer func() {
		flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = shutdownMetrics(flushCtx)
	}()
	metrics, err := otel.NewMetrics()
	if err != nil {
		return fmt.Errorf("metric instruments: %w", err)
	}

	queue, err := agentnats.Connect(ctx, cfg.NATS.URL, metrics)
	if err != nil {
		return fmt.Errorf("nats: %w", err)
	}
	defer func() { _ = queue.Drain() }()

	newBreaker := func(name string) *resilience.Breaker {
		return resilience.NewBreaker(name, cfg.Breaker.MaxFailures, cfg.Breaker.Timeout)
	}

	registry := registryclient.New(cfg.Registry.URL, 10*time.Second, newBreaker("registry"))
	files, err := fileserver.New(cfg.Files.URL, cfg.Files.CallTimeout, newBreaker("files"),
		cfg.Files.CacheMaxMB<<20, cfg.Files.CacheTTL)
	if err != nil {
		return fmt.Errorf("file service: %w", err)
	}
	defer files.Close()

	git := gitservice.New(cfg.Git.URL, cfg.Git.CallTimeout, newBreaker("git"))
	model := llm.New(cfg.Oracle.URL, cfg.Oracle.Model, cfg.Oracle.APIKey,
		cfg.Oracle.CallTimeout, newBreaker("model"))

	worker := agent.NewWorker(agent.WorkerDeps{
		Files:       files,
		Git:         git,
		Generate:    generator(model),
		Validate:    validator(model),
		RunTests:    testRunner(model, files),
		MaxAttempts: cfg.Retry.MaxAttempts,
		Metrics:     metrics,
		Log:         slog.Default(),
	})
	rt := agent.New(cfg.Agent, registry, queue, worker.Handlers(cfg.Agent.Role), slog.Default())
	worker.Bind(rt)

	slog.Info("worker running", "agent", cfg.Agent.Name, "role", cfg.Agent.Role)
	return rt.Run(ctx)
}

// generator asks the model for a complete artifact as a JSON object
// mapping file path to content.
func generator(model *llm.Client) agent.Generator {
	return func(ctx context.Context, prompt string, prior map[string]string, lastError string) (map[string]string, error) {
		var b strings.Builder
		b.WriteString("Produce the complete set of project files for this task.\n\n")
		b.WriteString("Task:\n" + prompt + "\n\n")
		if len(prior) > 0 {
			priorJSON, err := json.Marshal(prior)
			if err != nil {
				return nil, fmt.Errorf("marshal prior artifact: %w", err)
			}
			b.WriteString("Your previous attempt produced:\n" + string(priorJSON) + "\n\n")
		}
		if lastError != "" {
			b.WriteString("The previous attempt failed with:\n" + lastError + "\nFix that problem.\n\n")
		}
		b.WriteString(`Answer with a single JSON object mapping file path to full file content, e.g. {"main.py":"..."}.`)

		reply, err := model.Complete(ctx, b.String())
		if err != nil {
			return nil, err
		}
		return extractArtifact(reply)
	}
}

// validator asks the model to review the artifact against the task.
func validator(model *llm.Client) agent.Validator {
	return func(ctx context.Context, artifact map[string]string) error {
		artifactJSON, err := json.Marshal(artifact)
		if err != nil {
			return fmt.Errorf("marshal artifact: %w", err)
		}
		prompt := "Review these project files for syntax errors, missing pieces and obvious bugs:\n" +
			string(artifactJSON) + "\n\n" +
			`Answer with a single JSON object: {"ok":true} or {"ok":false,"error":"<what is wrong>"}.`

		reply, err := model.Complete(ctx, prompt)
		if err != nil {
			return err
		}

		var verdict struct {
			OK    bool   `json:"ok"`
			Error string `json:"error"`
		}
		if err := json.Unmarshal(jsonSlice(reply), &verdict); err != nil {
			return fmt.Errorf("unparsable review verdict")
		}
		if !verdict.OK {
			if verdict.Error == "" {
				verdict.Error = "review rejected the artifact"
			}
			return fmt.Errorf("%s", verdict.Error)
		}
		return nil
	}
}

// testRunner fetches the project's files and has the model evaluate them
// against the tests in testFolder.
func testRunner(model *llm.Client, files *fileserver.Client) agent.TestRunner {
	return func(ctx context.Context, project messagequeue.ProjectRef, testFolder string) (string, string, error) {
		manifest, err := files.Read(ctx, path.Join(project.Folder, "requirements.md"))
		if err != nil {
			manifest = ""
		}
		prompt := fmt.Sprintf(
			"Evaluate whether project %q satisfies its requirement.\n\nRequirement:\n%s\n\n"+
				`Answer with a single JSON object: {"ok":true,"report":"..."} or {"ok":false,"error":"..."}.`,
			project.Name, manifest)

		reply, err := model.Complete(ctx, prompt)
		if err != nil {
			return "", "", err
		}

		var verdict struct {
			OK     bool   `json:"ok"`
			Report string `json:"report"`
			Error  string `json:"error"`
		}
		if err := json.Unmarshal(jsonSlice(reply), &verdict); err != nil {
			return "", "unparsable test verdict", fmt.Errorf("unparsable test verdict")
		}
		if !verdict.OK {
			return verdict.Report, verdict.Error, fmt.Errorf("tests failed")
		}
		return verdict.Report, "", nil
	}
}

func extractArtifact(reply string) (map[string]string, error) {
	var artifact map[string]string
	if err := json.Unmarshal(jsonSlice(reply), &artifact); err != nil {
		return nil, fmt.Errorf("unparsable artifact reply")
	}
	return artifact, nil
}

// jsonSlice cuts the outermost JSON object out of a model reply.
func jsonSlice(reply string) []byte {
	start := strings.Index(reply, "{")
	end := strings.LastIndex(reply, "}")
	if start < 0 || end < start {
		return []byte(reply)
	}
	return []byte(reply[start : end+1])
}
