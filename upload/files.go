package upload

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/bitrise-io/go-utils/v2/log"
	"github.com/bitrise-io/go-utils/v2/pathutil"
	"github.com/bmatcuk/doublestar/v4"
)

// ExpandPatterns resolves a list of file paths and glob patterns into
// concrete, existing files for batch enqueueing. Patterns that match nothing
// are logged and skipped, never fatal.
func ExpandPatterns(
	patterns []string,
	pathModifier pathutil.PathModifier,
	pathChecker pathutil.PathChecker,
	logger log.Logger,
) ([]string, error) {
	var expandedPaths []string
	for _, pattern := range patterns {
		if !strings.Contains(pattern, "*") {
			expandedPaths = append(expandedPaths, pattern)
			continue
		}

		base, glob := doublestar.SplitPattern(pattern)
		absBase, err := pathModifier.AbsPath(base) // resolves ~/ and expands any envs
		if err != nil {
			return nil, err
		}
		matches, err := doublestar.Glob(os.DirFS(absBase), glob, doublestar.WithNoFollow())
		if matches == nil {
			logger.Warnf("No match for path pattern: %s", pattern)
			continue
		}
		if err != nil {
			logger.Warnf("Error in path pattern '%s': %s", pattern, err)
			continue
		}

		for _, match := range matches {
			expandedPaths = append(expandedPaths, filepath.Join(base, match))
		}
	}

	var finalPaths []string
	for _, path := range expandedPaths {
		absPath, err := pathModifier.AbsPath(path)
		if err != nil {
			logger.Warnf("Failed to parse path %s, error: %s", path, err)
			continue
		}

		exists, err := pathChecker.IsPathExists(absPath)
		if err != nil {
			logger.Warnf("Failed to check path %s, error: %s", absPath, err)
		}
		if !exists {
			logger.Warnf("Media path doesn't exist: %s", path)
			continue
		}

		info, err := os.Stat(absPath)
		if err != nil {
			logger.Warnf("Failed to stat path %s, error: %s", absPath, err)
			continue
		}
		if info.IsDir() {
			continue
		}

		finalPaths = append(finalPaths, absPath)
	}

	return finalPaths, nil
}
