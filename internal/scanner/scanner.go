package scanner

import (
	"fmt"
	"io/fs"
	"path/filepath"
	"strings"

	"uplink/internal/agent"
)

// Scanner performs read-only traversal of the configured roots.
// It never follows symbolic links, prunes denied directories before
// descending into them, and treats any single unreadable entry as a
// logged skip rather than an aborted pass.
type Scanner struct {
	roots  []string
	allow  map[string]bool // lowercased extensions incl. dot; nil = allow all
	deny   *DenyMatcher
	logger agent.Logger
}

// New creates a Scanner over the given root directories.
// includeExtensions is an extension allow-list (".pdf", "txt" both accepted);
// an empty list allows every regular file. excludeGlobs is a name-glob
// deny-list applied to files and directories.
func New(roots []string, includeExtensions []string, excludeGlobs []string, logger agent.Logger) *Scanner {
	var allow map[string]bool
	if len(includeExtensions) > 0 {
		allow = make(map[string]bool, len(includeExtensions))
		for _, ext := range includeExtensions {
			ext = strings.ToLower(strings.TrimSpace(ext))
			if ext == "" {
				continue
			}
			if !strings.HasPrefix(ext, ".") {
				ext = "." + ext
			}
			allow[ext] = true
		}
	}

	return &Scanner{
		roots:  roots,
		allow:  allow,
		deny:   NewDenyMatcher(excludeGlobs),
		logger: logger,
	}
}

// Scan walks every root and invokes fn for each file that passes the
// filters. A scan pass is finite; fn returning an error aborts the pass.
func (s *Scanner) Scan(fn func(agent.ScanEntry) error) error {
	for _, root := range s.roots {
		if err := s.scanRoot(root, fn); err != nil {
			return err
		}
	}
	return nil
}

func (s *Scanner) scanRoot(root string, fn func(agent.ScanEntry) error) error {
	root = filepath.Clean(root)

	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			// Unreadable entry: log and keep walking the rest.
			s.logger.Warn("scan: skipping unreadable entry", "path", path, "error", err)
			if d != nil && d.IsDir() {
				return fs.SkipDir
			}
			return nil
		}

		rel, relErr := filepath.Rel(root, path)
		if relErr != nil {
			rel = d.Name()
		}

		if d.IsDir() {
			if path != root && s.deny.Match(rel) {
				// Pruned before descent: WalkDir never enters this subtree.
				return fs.SkipDir
			}
			return nil
		}

		// Symlinks (and every other irregular file) are excluded: the share
		// is read-only and link cycles must not trap the walker.
		if !d.Type().IsRegular() {
			return nil
		}

		if s.deny.Match(rel) {
			return nil
		}
		if s.allow != nil && !s.allow[strings.ToLower(filepath.Ext(path))] {
			return nil
		}

		info, infoErr := d.Info()
		if infoErr != nil {
			s.logger.Warn("scan: skipping file without readable info", "path", path, "error", infoErr)
			return nil
		}

		return fn(agent.ScanEntry{
			Path:      path,
			SizeBytes: info.Size(),
			ModTime:   info.ModTime(),
		})
	})
	if err != nil {
		return fmt.Errorf("walking %s: %w", root, err)
	}
	return nil
}

// Compile-time check that Scanner implements agent.Scanner
var _ agent.Scanner = (*Scanner)(nil)
