package agent

import "context"

// MaxAttempts is the default attempt ceiling for one task.
const MaxAttempts = 5

// Retry stages, tagged on progress updates so an observer can reconstruct
// which sub-phase of an attempt produced them.
const (
	StageGenerating = "generating"
	StageGenerated  = "generated"
	StageValidated  = "validated"
)

// Generator produces an artifact (path -> content) for a task. prior is
// the artifact carried forward from the previous attempt, lastError the
// failure that attempt reported; both are empty on the first attempt.
type Generator func(ctx context.Context, prompt string, prior map[string]string, lastError string) (map[string]string, error)

// Validator checks an artifact and returns a descriptive error when it is
// not acceptable.
type Validator func(ctx context.Context, artifact map[string]string) error

// ProgressFunc observes retry progress. attempt is 1-based; progress is
// attempt/maxAttempts.
type ProgressFunc func(ctx context.Context, stage string, attempt, maxAttempts int, detail string)

// RetryResult is the terminal outcome of one task.
type RetryResult struct {
	Success   bool
	Artifact  map[string]string
	Attempts  int
	LastError string
}

// RetryEngine converts one task assignment into a terminal outcome
// through bounded generate-and-validate iterations. Each failed attempt
// feeds its artifact and error text into the next generation call, so the
// generator iterates on its own prior output rather than starting over.
type RetryEngine struct {
	maxAttempts int
	generate    Generator
	validate    Validator
	progress    ProgressFunc
}

// NewRetryEngine builds an engine. validate may be nil, in which case the
// first non-empty generation is a terminal success. progress may be nil.
func NewRetryEngine(maxAttempts int, generate Generator, validate Validator, progress ProgressFunc) *RetryEngine {
	if maxAttempts < 1 {
		maxAttempts = MaxAttempts
	}
	return &RetryEngine{
		maxAttempts: maxAttempts,
		generate:    generate,
		validate:    validate,
		progress:    progress,
	}
}

// Run executes the attempt loop. prior seeds the first attempt's
// carried-forward artifact, usually from a previous agent's output.
//
// Run does not abort mid-attempt on context cancellation: a started
// attempt completes and reports before the loop observes ctx.Done.
func (e *RetryEngine) Run(ctx context.Context, prompt string, prior map[string]string) RetryResult {
	carried := prior
	lastError := ""

	for attempt := 1; attempt <= e.maxAttempts; attempt++ {
		e.emit(ctx, StageGenerating, attempt, "")

		artifact, err := e.generate(ctx, prompt, carried, lastError)
		switch {
		case err != nil:
			lastError = err.Error()
			e.emit(ctx, StageGenerated, attempt, "generation failed: "+lastError)
		case len(artifact) == 0:
			// An empty artifact still burns an attempt.
			lastError = "no output produced"
			e.emit(ctx, StageGenerated, attempt, lastError)
		default:
			e.emit(ctx, StageGenerated, attempt, "")

			if e.validate == nil {
				return RetryResult{Success: true, Artifact: artifact, Attempts: attempt}
			}
			verr := e.validate(ctx, artifact)
			if verr == nil {
				e.emit(ctx, StageValidated, attempt, "")
				return RetryResult{Success: true, Artifact: artifact, Attempts: attempt}
			}
			lastError = verr.Error()
			carried = artifact
			e.emit(ctx, StageValidated, attempt, "validation failed: "+lastError)
		}

		if attempt < e.maxAttempts && ctx.Err() != nil {
			return RetryResult{Attempts: attempt, LastError: lastError}
		}
	}

	return RetryResult{Attempts: e.maxAttempts, LastError: lastError}
}

func (e *RetryEngine) emit(ctx context.Context, stage string, attempt int, detail string) {
	if e.progress != nil {
		e.progress(ctx, stage, attempt, e.maxAttempts, detail)
	}
}
