package bridge

import (
	"errors"
	"fmt"
	"path"
	"strings"

	"github.com/sourcegraph/go-diff/diff"
)

// ErrInvalidPatch is returned for patches that cannot be applied safely.
var ErrInvalidPatch = errors.New("invalid patch")

// PatchStats summarizes a unified diff.
type PatchStats struct {
	FilesAffected int `json:"files_affected"`
	LinesAdded    int `json:"lines_added"`
	LinesRemoved  int `json:"lines_removed"`
}

// ValidatePatch parses a unified diff and rejects empty patches, files
// without hunks, and paths that leave the project.
func ValidatePatch(patch string) (PatchStats, error) {
	var stats PatchStats
	if strings.TrimSpace(patch) == "" {
		return stats, fmt.Errorf("%w: empty", ErrInvalidPatch)
	}

	fileDiffs, err := diff.ParseMultiFileDiff([]byte(patch))
	if err != nil {
		return stats, fmt.Errorf("%w: %v", ErrInvalidPatch, err)
	}
	if len(fileDiffs) == 0 {
		return stats, fmt.Errorf("%w: no file diffs", ErrInvalidPatch)
	}

	for _, fd := range fileDiffs {
		name := stripDiffPrefix(fd.NewName)
		if name == "/dev/null" {
			name = stripDiffPrefix(fd.OrigName)
		}
		if unsafePath(name) {
			return stats, fmt.Errorf("%w: path %q escapes the project", ErrInvalidPatch, name)
		}
		if len(fd.Hunks) == 0 {
			return stats, fmt.Errorf("%w: %s has no hunks", ErrInvalidPatch, name)
		}
		for _, hunk := range fd.Hunks {
			for _, line := range strings.Split(string(hunk.Body), "\n") {
				switch {
				case strings.HasPrefix(line, "+"):
					stats.LinesAdded++
				case strings.HasPrefix(line, "-"):
					stats.LinesRemoved++
				}
			}
		}
	}
	stats.FilesAffected = len(fileDiffs)
	return stats, nil
}

func stripDiffPrefix(name string) string {
	if strings.HasPrefix(name, "a/") || strings.HasPrefix(name, "b/") {
		return name[2:]
	}
	return name
}

func unsafePath(name string) bool {
	if name == "" {
		return true
	}
	if strings.HasPrefix(name, "/") && name != "/dev/null" {
		return true
	}
	clean := path.Clean(name)
	return clean == ".." || strings.HasPrefix(clean, "../")
}
