package server

import (
	"context"
	"encoding/json"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"time"

	"github.com/cruciblehq/kiln/internal"
	"github.com/cruciblehq/kiln/internal/build"
	"github.com/cruciblehq/kiln/internal/manifest"
	"github.com/cruciblehq/kiln/internal/protocol"
	"github.com/cruciblehq/kiln/internal/recipe"
	"github.com/pkg/errors"
)

// Handles a build command.
//
// Runs the whole pipeline for the requested source tree. The build is
// canceled when the client disconnects.
func (s *Server) handleBuild(ctx context.Context, conn net.Conn, payload json.RawMessage) {
	req, err := protocol.DecodePayload[protocol.BuildRequest](payload)
	if err != nil {
		s.respondError(conn, err)
		return
	}

	opts, err := s.buildOptions(req)
	if err != nil {
		s.respondError(conn, err)
		return
	}

	report, err := build.Run(ctx, opts)

	s.mu.Lock()
	s.builds++
	s.mu.Unlock()

	if err != nil {
		s.respondError(conn, err)
		return
	}

	s.respond(conn, protocol.CmdOK, buildResult(report))
}

func (s *Server) buildOptions(req *protocol.BuildRequest) (build.Options, error) {
	if !filepath.IsAbs(req.Context) || !filepath.IsAbs(req.Output) {
		return build.Options{}, errors.Wrap(protocol.ErrMalformed, "context and output must be absolute paths")
	}

	opts := build.Options{
		Context:   req.Context,
		Output:    req.Output,
		Cache:     s.cache,
		Backend:   s.backend,
		Platforms: req.Platforms,
		Push:      req.Push,
	}

	if req.File != "" {
		m, err := manifest.LoadFile(req.File)
		if err != nil {
			return build.Options{}, err
		}
		opts.Manifest = m
	}

	return opts, nil
}

func buildResult(r *build.Report) *protocol.BuildResult {
	res := &protocol.BuildResult{
		RunID:        r.RunID,
		RecipeDigest: r.RecipeDigest.String(),
		CacheHit:     r.CacheHit,
		Images:       r.Images,
		Pushed:       r.Pushed,
	}
	for _, st := range r.States {
		res.States = append(res.States, st.String())
	}
	return res
}

// Handles a recipe command.
func (s *Server) handleRecipe(conn net.Conn, payload json.RawMessage) {
	req, err := protocol.DecodePayload[protocol.RecipeRequest](payload)
	if err != nil {
		s.respondError(conn, err)
		return
	}

	r, err := recipe.Generate(req.Context, recipe.Options{Ecosystem: recipe.Ecosystem(req.Ecosystem)})
	if err != nil {
		s.respondError(conn, err)
		return
	}

	data, err := r.Encode()
	if err != nil {
		s.respondError(conn, err)
		return
	}
	d, err := r.Digest()
	if err != nil {
		s.respondError(conn, err)
		return
	}

	s.respond(conn, protocol.CmdOK, &protocol.RecipeResult{Digest: d.String(), Recipe: data})
}

// Handles a status command.
func (s *Server) handleStatus(conn net.Conn) {
	s.mu.Lock()
	builds := s.builds
	s.mu.Unlock()

	uptime := time.Since(s.startedAt).Truncate(time.Second)

	s.respond(conn, protocol.CmdOK, &protocol.StatusResult{
		Running: true,
		Version: internal.VersionString(),
		Pid:     os.Getpid(),
		Uptime:  uptime.String(),
		Builds:  builds,
	})
}

// Handles a shutdown command.
func (s *Server) handleShutdown(conn net.Conn) {
	s.respond(conn, protocol.CmdOK, nil)
	slog.Info("shutdown requested")

	go func() {
		s.Stop()
	}()
}
