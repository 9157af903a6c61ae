package cli

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/alecthomas/kong"
	"github.com/cruciblehq/kiln/internal"
	"github.com/cruciblehq/kiln/internal/build"
	"github.com/cruciblehq/kiln/internal/cache"
	"github.com/cruciblehq/kiln/internal/paths"
	"github.com/cruciblehq/kiln/internal/runtime"
)

const (

	// Default containerd socket address.
	DefaultContainerdAddress = "/run/containerd/containerd.sock"

	// Default containerd namespace for images and containers.
	DefaultContainerdNamespace = "kiln"
)

// Connection flags for containerd, shared by every command that starts
// sandboxes.
type ContainerdFlags struct {
	Address     string `name:"containerd-address" env:"KILN_CONTAINERD_ADDRESS" default:"${containerd_address}" help:"Containerd socket address." placeholder:"PATH"`
	Namespace   string `name:"containerd-namespace" env:"KILN_CONTAINERD_NAMESPACE" default:"${containerd_namespace}" help:"Containerd namespace for images and containers."`
	Snapshotter string `name:"snapshotter" env:"KILN_SNAPSHOTTER" help:"Containerd snapshotter. Defaults to fuse-overlayfs." placeholder:"NAME"`
}

// Connects to containerd and returns the sandbox backend. The runtime must
// be closed by the caller.
func (f ContainerdFlags) backend() (*runtime.Runtime, build.Backend, error) {
	rt, err := runtime.New(runtime.Options{
		Address:     f.Address,
		Namespace:   f.Namespace,
		Snapshotter: f.Snapshotter,
	})
	if err != nil {
		return nil, nil, err
	}
	return rt, build.NewRuntimeBackend(rt), nil
}

// Represents the root command for kiln.
var RootCmd struct {
	Quiet    bool   `short:"q" help:"Suppress informational output."`
	Verbose  bool   `short:"v" help:"Enable verbose output."`
	Debug    bool   `short:"d" help:"Enable debug output."`
	Socket   string `short:"s" help:"Override the default Unix socket path." placeholder:"PATH"`
	CacheDir string `name:"cache" env:"KILN_CACHE" help:"Dependency cache directory." placeholder:"DIR"`

	Build   BuildCmd   `cmd:"" help:"Build a runtime image from a source tree."`
	Recipe  RecipeCmd  `cmd:"" help:"Print the dependency recipe of a source tree."`
	Cache   CacheCmd   `cmd:"" help:"Inspect and prune the dependency cache."`
	Start   StartCmd   `cmd:"" help:"Start the daemon."`
	Stop    StopCmd    `cmd:"" help:"Stop the daemon."`
	Status  StatusCmd  `cmd:"" help:"Show daemon status."`
	Version VersionCmd `cmd:"" help:"Show version information."`
}

// Parses arguments, configures logging, and runs the selected subcommand.
func Execute() error {

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	kongCtx := kong.Parse(&RootCmd,
		kong.Name(internal.Name),
		kong.Description("Staged container builds with a dependency cache.\n\nGenerates a dependency recipe, compiles dependencies once per recipe, compiles the application, and assembles a minimal runtime image."),
		kong.UsageOnError(),
		kong.Vars{
			"version":              internal.VersionString(),
			"containerd_address":   DefaultContainerdAddress,
			"containerd_namespace": DefaultContainerdNamespace,
		},
		kong.BindTo(ctx, (*context.Context)(nil)),
	)

	configureLogger()

	return kongCtx.Run()
}

// Configures the global logger based on CLI flags.
func configureLogger() {
	internal.SetDebug(RootCmd.Debug || internal.IsDebug())
	internal.SetQuiet(RootCmd.Quiet || internal.IsQuiet())
	internal.SetVerbose(RootCmd.Verbose || internal.IsVerbose())

	slog.SetDefault(NewLogger(os.Stderr, internal.LogLevel(), internal.IsVerbose()))
}

// Returns the daemon socket path.
func socketPath() string {
	if RootCmd.Socket != "" {
		return RootCmd.Socket
	}
	return paths.Socket()
}

// Opens the dependency cache.
func openCache() (*cache.Store, error) {
	root := RootCmd.CacheDir
	if root == "" {
		root = paths.DependencyCache()
	}
	return cache.Open(root)
}
