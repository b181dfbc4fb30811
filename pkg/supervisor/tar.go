package supervisor

import (
	"archive/tar"
	"io"
	"os"
	"path/filepath"
)

// contextSkipDirs are never shipped to the daemon; node_modules alone can be
// hundreds of MB and the image build reinstalls it anyway
var contextSkipDirs = map[string]bool{
	".git":         true,
	"node_modules": true,
	".next":        true,
	".nuxt":        true,
	".cache":       true,
}

// tarDirectory streams dir as an uncompressed tar archive rooted at "."
// suitable for ImageBuild. The returned reader is fed by a background
// goroutine; the caller must drain and close it.
func tarDirectory(dir string) (io.ReadCloser, error) {
	if _, err := os.Stat(dir); err != nil {
		return nil, err
	}

	pr, pw := io.Pipe()
	go func() {
		tw := tar.NewWriter(pw)
		err := filepath.Walk(dir, func(path string, info os.FileInfo, err error) error {
			if err != nil {
				return err
			}
			rel, err := filepath.Rel(dir, path)
			if err != nil {
				return err
			}
			if rel == "." {
				return nil
			}
			if info.IsDir() && contextSkipDirs[info.Name()] {
				return filepath.SkipDir
			}
			// Symlinks are preserved as links, never followed; a link
			// escaping the site directory must not leak host files
			link := ""
			if info.Mode()&os.ModeSymlink != 0 {
				if link, err = os.Readlink(path); err != nil {
					return err
				}
			}
			hdr, err := tar.FileInfoHeader(info, link)
			if err != nil {
				return err
			}
			hdr.Name = filepath.ToSlash(rel)
			if info.IsDir() {
				hdr.Name += "/"
			}
			if err := tw.WriteHeader(hdr); err != nil {
				return err
			}
			if !info.Mode().IsRegular() {
				return nil
			}
			f, err := os.Open(path)
			if err != nil {
				return err
			}
			_, err = io.Copy(tw, f)
			f.Close()
			return err
		})
		if err != nil {
			pw.CloseWithError(err)
			return
		}
		if err := tw.Close(); err != nil {
			pw.CloseWithError(err)
			return
		}
		pw.Close()
	}()
	return pr, nil
}

// staticRoot picks the directory a static site should be served from. Built
// output directories win over the source tree when present.
func staticRoot(dir string) string {
	for _, out := range []string{"dist", "build", "out", "public"} {
		candidate := filepath.Join(dir, out)
		if info, err := os.Stat(candidate); err == nil && info.IsDir() {
			if hasIndexHTML(candidate) {
				return candidate
			}
		}
	}
	return dir
}

func hasIndexHTML(dir string) bool {
	_, err := os.Stat(filepath.Join(dir, "index.html"))
	return err == nil
}
