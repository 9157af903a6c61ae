package build

import (
	"context"
	"log/slog"
	"path/filepath"

	"github.com/cruciblehq/kiln/internal/cache"
	"github.com/cruciblehq/kiln/internal/manifest"
	"github.com/google/uuid"
	"github.com/opencontainers/go-digest"
	"github.com/pkg/errors"
)

// Filename of the runtime image archive in the output directory.
const ImageFilename = "image.tar"

// Controls a build run.
type Options struct {
	Context   string             // Root of the source tree.
	Manifest  *manifest.Manifest // Build description. Loaded from Context when nil.
	Output    string             // Directory receiving the runtime image.
	Cache     *cache.Store       // Dependency cache.
	Backend   Backend            // Starts the stage sandboxes.
	Platforms []string           // Overrides the platforms of the build description.
	Push      string             // Registry reference the verified image is pushed to. Empty skips the push.
	Observer  Observer           // Notified of state changes. Optional.
}

// Outcome of a build run.
type Report struct {
	RunID        string        `json:"run_id"`
	States       []State       `json:"states"` // Every state visited, in order.
	RecipeDigest digest.Digest `json:"recipe_digest,omitempty"`
	CacheHit     bool          `json:"cache_hit"` // Dependencies came from the cache for every platform.
	Images       []string      `json:"images,omitempty"`
	Pushed       string        `json:"pushed,omitempty"`
	Err          error         `json:"-"`
}

// Returns the final state of the run.
func (r *Report) State() State {
	if len(r.States) == 0 {
		return Init
	}
	return r.States[len(r.States)-1]
}

// Runs the build pipeline for one source tree.
//
// The run moves strictly through Init, RecipeGenerated, DependenciesCached,
// Compiled, Assembled, and Done. The first stage failure moves it to
// Failed and is returned as a [*StageError]. Nothing is written to the
// output directory unless the run reaches Assembled. Every sandbox is
// destroyed before Run returns, even when ctx is canceled. The report is
// returned in every case.
func Run(ctx context.Context, opts Options) (*Report, error) {
	p := newPipeline(uuid.NewString(), opts)

	if err := p.prepare(); err != nil {
		return p.report(err), err
	}

	slog.Info("starting build", "run", p.runID, "context", p.opts.Context, "output", p.opts.Output)

	err := p.run(ctx)
	if cerr := p.destroy(context.WithoutCancel(ctx)); cerr != nil {
		slog.Warn("sandbox cleanup failed", "run", p.runID, "error", cerr)
	}

	report := p.report(err)
	if err != nil {
		slog.Error("build failed", "run", p.runID, "state", p.machine.state, "error", err)
		return report, err
	}

	slog.Info("build complete", "run", p.runID, "images", report.Images, "cache_hit", report.CacheHit)
	return report, nil
}

// Checks the options and makes the output path absolute. A failure fails
// the run in Init.
func (p *pipeline) prepare() error {
	if p.opts.Backend == nil || p.opts.Cache == nil {
		return p.machine.fail(ErrRecipe, errors.New("backend and cache are required"))
	}

	output, err := filepath.Abs(p.opts.Output)
	if err != nil {
		return p.machine.fail(ErrRecipe, wrap(ErrFileSystemOperation, err))
	}
	p.opts.Output = output
	return nil
}
