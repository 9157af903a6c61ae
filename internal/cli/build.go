package cli

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"

	"github.com/cruciblehq/kiln/internal/build"
	"github.com/cruciblehq/kiln/internal/manifest"
	"github.com/cruciblehq/kiln/internal/protocol"
)

// Represents the 'kiln build' command.
type BuildCmd struct {
	Context    string          `short:"C" type:"existingdir" default:"." help:"Root of the source tree."`
	File       string          `short:"f" type:"path" help:"Build description. Defaults to kiln.toml in the source tree." placeholder:"PATH"`
	Output     string          `short:"o" default:"dist" help:"Directory receiving the runtime image."`
	Push       string          `help:"Push the verified image to this registry reference." placeholder:"REF"`
	Platform   []string        `short:"p" help:"Target platform, repeatable. Overrides the build description." placeholder:"OS/ARCH"`
	Daemon     bool            `help:"Run the build on the kiln daemon."`
	Containerd ContainerdFlags `embed:""`
}

// Executes the build command.
//
// Prints the path of every image written, followed by the pushed
// reference when --push is given.
func (c *BuildCmd) Run(ctx context.Context) error {
	if c.Daemon {
		return c.runRemote(ctx)
	}

	store, err := openCache()
	if err != nil {
		return err
	}

	rt, backend, err := c.Containerd.backend()
	if err != nil {
		return err
	}
	defer rt.Close()

	opts := build.Options{
		Context:   c.Context,
		Output:    c.Output,
		Cache:     store,
		Backend:   backend,
		Platforms: c.Platform,
		Push:      c.Push,
		Observer: build.ObserverFunc(func(from, to build.State) {
			slog.Debug("state changed", "from", from, "to", to)
		}),
	}
	if c.File != "" {
		if opts.Manifest, err = manifest.LoadFile(c.File); err != nil {
			return err
		}
	}

	report, err := build.Run(ctx, opts)
	if err != nil {
		return err
	}

	printImages(report.Images, report.Pushed)
	return nil
}

// Forwards the build to the daemon.
func (c *BuildCmd) runRemote(ctx context.Context) error {
	req := &protocol.BuildRequest{
		Push:      c.Push,
		Platforms: c.Platform,
	}

	var err error
	if req.Context, err = filepath.Abs(c.Context); err != nil {
		return err
	}
	if req.Output, err = filepath.Abs(c.Output); err != nil {
		return err
	}
	if c.File != "" {
		if req.File, err = filepath.Abs(c.File); err != nil {
			return err
		}
	}

	res, err := protocol.Call[protocol.BuildResult](ctx, socketPath(), protocol.CmdBuild, req)
	if err != nil {
		return err
	}

	slog.Info("build complete", "run", res.RunID, "recipe", res.RecipeDigest, "cache_hit", res.CacheHit)
	printImages(res.Images, res.Pushed)
	return nil
}

func printImages(images []string, pushed string) {
	for _, img := range images {
		fmt.Println(img)
	}
	if pushed != "" {
		fmt.Println(pushed)
	}
}
