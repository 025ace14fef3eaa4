package buildworker

import (
	"io"
	"io/fs"
	"mime"
	"os"
	"path/filepath"
	"sort"
)

// Source over a local directory tree. good for CLI-driven builds and tests; real
// installs plug in a Source that checks out the commit from version control.
type DirSource struct {
	root   string
	commit string
	paths  []string // site paths ("/..."), sorted
	next   int
}

func NewDirSource(root string, commit string) (*DirSource, error) {
	paths := []string{}

	if err := filepath.WalkDir(root, func(path string, entry fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if entry.IsDir() {
			return nil
		}

		relative, err := filepath.Rel(root, path)
		if err != nil {
			return err
		}

		paths = append(paths, "/"+filepath.ToSlash(relative))

		return nil
	}); err != nil {
		return nil, err
	}

	sort.Strings(paths)

	return &DirSource{root: root, commit: commit, paths: paths}, nil
}

func (d *DirSource) Commit() string {
	return d.commit
}

func (d *DirSource) Next() (string, io.ReadCloser, error) {
	if d.next >= len(d.paths) {
		return "", nil, io.EOF
	}

	path := d.paths[d.next]
	d.next++

	content, err := os.Open(filepath.Join(d.root, filepath.FromSlash(path)))
	if err != nil {
		return "", nil, err
	}

	return path, content, nil
}

// response headers cached at build time. just the content type for now; a source
// could also carry cache-control rules per path.
func headersFor(path string) map[string]string {
	contentType := mime.TypeByExtension(filepath.Ext(path))
	if contentType == "" {
		return nil
	}

	return map[string]string{"Content-Type": contentType}
}
