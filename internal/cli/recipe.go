package cli

import (
	"context"
	"fmt"
	"path/filepath"

	"github.com/cruciblehq/kiln/internal/protocol"
	"github.com/cruciblehq/kiln/internal/recipe"
)

// Represents the 'kiln recipe' command.
type RecipeCmd struct {
	Context   string `short:"C" type:"existingdir" default:"." help:"Root of the source tree."`
	Ecosystem string `short:"e" help:"Force an ecosystem instead of detecting it (cargo, go)."`
	Digest    bool   `help:"Print only the recipe digest."`
	Daemon    bool   `help:"Generate the recipe on the kiln daemon."`
}

// Executes the recipe command.
//
// Prints the canonical recipe JSON followed by its digest.
func (c *RecipeCmd) Run(ctx context.Context) error {
	var res *protocol.RecipeResult
	var err error
	if c.Daemon {
		res, err = c.remote(ctx)
	} else {
		res, err = c.local()
	}
	if err != nil {
		return err
	}

	if !c.Digest {
		fmt.Println(string(res.Recipe))
	}
	fmt.Println(res.Digest)
	return nil
}

func (c *RecipeCmd) local() (*protocol.RecipeResult, error) {
	r, err := recipe.Generate(c.Context, recipe.Options{Ecosystem: recipe.Ecosystem(c.Ecosystem)})
	if err != nil {
		return nil, err
	}

	data, err := r.Encode()
	if err != nil {
		return nil, err
	}
	d, err := r.Digest()
	if err != nil {
		return nil, err
	}
	return &protocol.RecipeResult{Digest: d.String(), Recipe: data}, nil
}

func (c *RecipeCmd) remote(ctx context.Context) (*protocol.RecipeResult, error) {
	root, err := filepath.Abs(c.Context)
	if err != nil {
		return nil, err
	}
	return protocol.Call[protocol.RecipeResult](ctx, socketPath(), protocol.CmdRecipe, &protocol.RecipeRequest{
		Context:   root,
		Ecosystem: c.Ecosystem,
	})
}
