// Package runtime runs stage containers on containerd.
//
// A [Runtime] connects to a containerd daemon. Base images are pulled from
// their registry, or imported from a local OCI archive when the reference
// carries the "oci-archive:" prefix, and unpacked for the requested
// platform. Each [Container] wraps a running task: shell commands run
// inside it, files move in and out as tar streams, and the final
// filesystem is committed and exported as an OCI archive.
//
//	rt, err := runtime.New(runtime.Options{
//	    Address:   "/run/containerd/containerd.sock",
//	    Namespace: "kiln",
//	})
//	if err != nil {
//	    return err
//	}
//	defer rt.Close()
//
//	ctr, err := rt.StartContainer(ctx, "debian:bookworm-slim", "kiln-runtime", "linux/amd64")
//	if err != nil {
//	    return err
//	}
//	defer ctr.Destroy(ctx)
//
//	if err := ctr.Export(ctx, "image.tar", runtime.ExportOptions{
//	    Entrypoint: []string{"/usr/local/bin/backend"},
//	}); err != nil {
//	    return err
//	}
package runtime
