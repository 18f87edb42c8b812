package validators

import (
	"bufio"
	"context"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/bmatcuk/doublestar/v4"

	"github.com/strongdm/converge/internal/convergence/runtime"
)

// ConflictValidator fails when unresolved merge conflict markers remain in
// the workspace. It scans the file tree directly rather than shelling out to
// git, so it also works in workspaces that are not git repositories.
type ConflictValidator struct {
	ValidatorName string
	Root          string

	// Include/Exclude are doublestar globs matched against slash-separated
	// paths relative to Root. An empty include list means every file.
	Include []string
	Exclude []string

	// MaxFileSize caps how large a file is still scanned (default 4 MiB);
	// bigger files are assumed to be artifacts, not sources.
	MaxFileSize int64
}

var defaultConflictExcludes = []string{"**/.git/**", "**/node_modules/**"}

func (v *ConflictValidator) Name() string { return v.ValidatorName }

func (v *ConflictValidator) Execute(ctx context.Context) (runtime.ValidatorResult, error) {
	maxSize := v.MaxFileSize
	if maxSize <= 0 {
		maxSize = 4 << 20
	}
	excludes := append(append([]string{}, defaultConflictExcludes...), v.Exclude...)

	var conflicted []string
	err := filepath.WalkDir(v.Root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if cerr := ctx.Err(); cerr != nil {
			return cerr
		}
		rel, rerr := filepath.Rel(v.Root, path)
		if rerr != nil {
			return rerr
		}
		rel = filepath.ToSlash(rel)
		if d.IsDir() {
			if rel != "." && matchesAny(excludes, rel+"/") {
				return fs.SkipDir
			}
			return nil
		}
		if matchesAny(excludes, rel) {
			return nil
		}
		if len(v.Include) > 0 && !matchesAny(v.Include, rel) {
			return nil
		}
		info, ierr := d.Info()
		if ierr != nil || info.Size() > maxSize {
			return nil
		}
		has, serr := fileHasConflictMarkers(path)
		if serr != nil {
			return nil // unreadable files are not conflicts
		}
		if has {
			conflicted = append(conflicted, rel)
		}
		return nil
	})

	res := runtime.ValidatorResult{
		Metadata: map[string]any{"conflicted_files": conflicted},
	}
	if err != nil {
		res.Success = false
		res.Stderr = err.Error()
		return res, nil
	}
	res.Success = len(conflicted) == 0
	if !res.Success {
		res.Stderr = "unresolved conflict markers in: " + strings.Join(conflicted, ", ")
	}
	return res, nil
}

func matchesAny(globs []string, rel string) bool {
	for _, g := range globs {
		if ok, err := doublestar.Match(g, rel); err == nil && ok {
			return true
		}
		// Directory globs like "**/.git/**" should also match the directory
		// entry itself when the walk is deciding whether to descend.
		if strings.HasSuffix(rel, "/") {
			if ok, err := doublestar.Match(g, rel+"x"); err == nil && ok {
				return true
			}
		}
	}
	return false
}

func fileHasConflictMarkers(path string) (bool, error) {
	f, err := os.Open(path)
	if err != nil {
		return false, err
	}
	defer f.Close()

	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 1<<20)
	sawOurs := false
	for sc.Scan() {
		line := sc.Text()
		switch {
		case strings.HasPrefix(line, "<<<<<<< "):
			sawOurs = true
		case strings.HasPrefix(line, ">>>>>>> "):
			if sawOurs {
				return true, nil
			}
		}
	}
	return false, sc.Err()
}
