package build

import (
	"archive/tar"
	"context"
	"io"
	"log/slog"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"
)

// Copies the host directory root into dest inside sb, leaving out what
// filter excludes.
func copyTree(ctx context.Context, sb Sandbox, root, dest string, filter *ignoreFilter) error {
	slog.Debug("copy tree", "src", root, "dest", dest)

	return pipeTo(ctx, sb, dest, func(tw *tar.Writer) error {
		return writeDirToTar(tw, root, filter)
	})
}

// Copies the host file src to the absolute path dest inside sb.
func copyFile(ctx context.Context, sb Sandbox, src, dest string) error {
	slog.Debug("copy file", "src", src, "dest", dest)

	return pipeTo(ctx, sb, path.Dir(dest), func(tw *tar.Writer) error {
		return writeFileToTar(tw, src, path.Base(dest))
	})
}

// Streams the tar archive produced by write into destDir inside sb.
func pipeTo(ctx context.Context, sb Sandbox, destDir string, write func(*tar.Writer) error) error {
	pr, pw := io.Pipe()

	go func() {
		tw := tar.NewWriter(pw)
		err := write(tw)
		if cerr := tw.Close(); err == nil {
			err = cerr
		}
		pw.CloseWithError(err)
	}()

	err := sb.CopyTo(ctx, pr, destDir)
	pr.CloseWithError(io.ErrClosedPipe)
	if err != nil {
		return wrap(ErrCopy, err)
	}
	return nil
}

// Copies src from one sandbox to the path dest in another.
//
// The archive is streamed from the source sandbox straight into the
// target, renaming its top-level entry to the base name of dest.
func copyBetween(ctx context.Context, from Sandbox, src string, to Sandbox, dest string) error {
	slog.Debug("cross-sandbox copy", "src", src, "dest", dest)

	srcR, srcW := io.Pipe()
	dstR, dstW := io.Pipe()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		err := from.CopyFrom(gctx, srcW, src)
		srcW.CloseWithError(err)
		return err
	})
	g.Go(func() error {
		err := renameTar(srcR, dstW, path.Base(dest))
		srcR.CloseWithError(io.ErrClosedPipe)
		dstW.CloseWithError(err)
		return err
	})
	g.Go(func() error {
		err := to.CopyTo(gctx, dstR, path.Dir(dest))
		dstR.CloseWithError(io.ErrClosedPipe)
		return err
	})

	if err := g.Wait(); err != nil {
		return wrapf(ErrCopy, err, "%s -> %s", src, dest)
	}
	return nil
}

// Copies the tar stream r to w, replacing the first path element of every
// entry with base. Input past the end of the archive is drained.
func renameTar(r io.Reader, w io.Writer, base string) error {
	tr := tar.NewReader(r)
	tw := tar.NewWriter(w)

	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return err
		}

		hdr.Name = rebase(hdr.Name, base)
		if hdr.Typeflag == tar.TypeLink {
			hdr.Linkname = rebase(hdr.Linkname, base)
		}

		if err := tw.WriteHeader(hdr); err != nil {
			return err
		}
		if _, err := io.Copy(tw, tr); err != nil {
			return err
		}
	}

	if err := tw.Close(); err != nil {
		return err
	}
	_, err := io.Copy(io.Discard, r)
	return err
}

// Replaces the first element of the archive path name with base.
func rebase(name, base string) string {
	name = strings.TrimPrefix(name, "./")
	if _, rest, ok := strings.Cut(name, "/"); ok {
		return base + "/" + rest
	}
	return base
}

// Writes a single file to a tar writer with the given archive name.
func writeFileToTar(tw *tar.Writer, hostPath, name string) error {
	info, err := os.Stat(hostPath)
	if err != nil {
		return err
	}
	if !info.Mode().IsRegular() {
		return errors.Errorf("%s is not a regular file", hostPath)
	}

	header, err := tar.FileInfoHeader(info, "")
	if err != nil {
		return err
	}
	header.Name = name

	if err := tw.WriteHeader(header); err != nil {
		return err
	}

	f, err := os.Open(hostPath)
	if err != nil {
		return err
	}
	defer f.Close()

	_, err = io.Copy(tw, f)
	return err
}

// Writes the contents of hostDir to a tar writer with archive paths
// relative to hostDir. Entries excluded by filter are skipped, and so is
// everything below an excluded directory.
func writeDirToTar(tw *tar.Writer, hostDir string, filter *ignoreFilter) error {
	return filepath.WalkDir(hostDir, func(p string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}

		rel, err := filepath.Rel(hostDir, p)
		if err != nil {
			return err
		}
		if rel == "." {
			return nil
		}
		rel = filepath.ToSlash(rel)

		if filter.excludes(rel, d.IsDir()) {
			if d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}

		// Sockets, pipes, and devices have no place in a build context.
		if t := d.Type(); !t.IsRegular() && !t.IsDir() && t&os.ModeSymlink == 0 {
			return nil
		}

		return writeTarEntry(tw, p, rel, d)
	})
}

// Writes a single file, directory, or symlink entry to a tar writer.
func writeTarEntry(tw *tar.Writer, hostPath, archivePath string, d os.DirEntry) error {
	info, err := d.Info()
	if err != nil {
		return err
	}

	var link string
	if info.Mode()&os.ModeSymlink != 0 {
		if link, err = os.Readlink(hostPath); err != nil {
			return err
		}
	}

	header, err := tar.FileInfoHeader(info, link)
	if err != nil {
		return err
	}
	header.Name = archivePath
	if info.IsDir() {
		header.Name += "/"
	}

	if err := tw.WriteHeader(header); err != nil {
		return err
	}

	if info.Mode().IsRegular() {
		f, err := os.Open(hostPath)
		if err != nil {
			return err
		}
		defer f.Close()
		_, err = io.Copy(tw, f)
		return err
	}

	return nil
}
