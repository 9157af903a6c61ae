// Package build runs the staged build pipeline.
//
// A run generates the recipe of the source tree, fills a builder sandbox
// with compiled dependencies, compiles the application, and assembles a
// minimal runtime image. Dependencies are compiled against a skeleton made
// from the recipe alone and cached under a key derived from the recipe
// digest, so edits to application code never rebuild them.
//
// The run is a strictly linear state machine:
//
//	Init -> RecipeGenerated -> DependenciesCached -> Compiled -> Assembled -> Done
//
// The first failure moves it to Failed and aborts every later stage. No
// image reaches the output directory unless the run reaches Assembled.
//
// Sandboxes come from a [Backend]. [RuntimeBackend] starts containerd
// containers; tests use the in-memory backend of package buildtest.
//
//	report, err := build.Run(ctx, build.Options{
//	    Context: ".",
//	    Output:  "dist",
//	    Cache:   store,
//	    Backend: build.NewRuntimeBackend(rt),
//	})
//	if err != nil {
//	    return err
//	}
package build
