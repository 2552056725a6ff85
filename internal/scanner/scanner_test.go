package scanner_test

import (
	"os"
	"path/filepath"
	"testing"

	"uplink/internal/agent"
	"uplink/internal/scanner"
	"uplink/internal/testutil"
)

func collect(t *testing.T, s *scanner.Scanner) []string {
	t.Helper()
	var paths []string
	err := s.Scan(func(e agent.ScanEntry) error {
		paths = append(paths, e.Path)
		return nil
	})
	if err != nil {
		t.Fatalf("Scan() error = %v", err)
	}
	return paths
}

func TestScanner_Scan(t *testing.T) {
	t.Run("finds all regular files by default", func(t *testing.T) {
		root := t.TempDir()
		testutil.WriteTree(t, root, map[string][]byte{
			"a.txt":        []byte("a"),
			"sub/b.pdf":    []byte("b"),
			"sub/deep/c":   []byte("c"),
			"sub/deep/d.x": []byte("d"),
		})

		s := scanner.New([]string{root}, nil, nil, agent.NewNopLogger())
		paths := collect(t, s)
		if len(paths) != 4 {
			t.Errorf("found %d files, want 4: %v", len(paths), paths)
		}
	})

	t.Run("filters by extension allow-list", func(t *testing.T) {
		root := t.TempDir()
		testutil.WriteTree(t, root, map[string][]byte{
			"a.txt":     []byte("a"),
			"b.PDF":     []byte("b"),
			"c.docx":    []byte("c"),
			"sub/d.pdf": []byte("d"),
		})

		// Leading dot optional, matching case-insensitive.
		s := scanner.New([]string{root}, []string{".txt", "pdf"}, nil, agent.NewNopLogger())
		paths := collect(t, s)
		if len(paths) != 3 {
			t.Errorf("found %d files, want 3: %v", len(paths), paths)
		}
		for _, p := range paths {
			if filepath.Base(p) == "c.docx" {
				t.Errorf("c.docx should have been filtered out")
			}
		}
	})

	t.Run("prunes excluded directories before descent", func(t *testing.T) {
		root := t.TempDir()
		testutil.WriteTree(t, root, map[string][]byte{
			"keep.txt":           []byte("k"),
			".cache/skip.txt":    []byte("s"),
			"tmp/nested/also.txt": []byte("s"),
		})

		s := scanner.New([]string{root}, nil, []string{".cache", "tmp"}, agent.NewNopLogger())
		paths := collect(t, s)
		if len(paths) != 1 {
			t.Fatalf("found %d files, want 1: %v", len(paths), paths)
		}
		if filepath.Base(paths[0]) != "keep.txt" {
			t.Errorf("kept %s, want keep.txt", paths[0])
		}
	})

	t.Run("excludes files by glob", func(t *testing.T) {
		root := t.TempDir()
		testutil.WriteTree(t, root, map[string][]byte{
			"doc.txt":      []byte("d"),
			"doc.txt.swp":  []byte("s"),
			"sub/note.tmp": []byte("n"),
		})

		s := scanner.New([]string{root}, nil, []string{"*.swp", "*.tmp"}, agent.NewNopLogger())
		paths := collect(t, s)
		if len(paths) != 1 {
			t.Errorf("found %d files, want 1: %v", len(paths), paths)
		}
	})

	t.Run("skips symlinks", func(t *testing.T) {
		root := t.TempDir()
		testutil.WriteTree(t, root, map[string][]byte{
			"real.txt": []byte("r"),
		})
		if err := os.Symlink(filepath.Join(root, "real.txt"), filepath.Join(root, "link.txt")); err != nil {
			t.Skipf("symlinks not supported: %v", err)
		}

		s := scanner.New([]string{root}, nil, nil, agent.NewNopLogger())
		paths := collect(t, s)
		if len(paths) != 1 {
			t.Errorf("found %d files, want 1 (symlink excluded): %v", len(paths), paths)
		}
	})

	t.Run("walks multiple roots", func(t *testing.T) {
		rootA := t.TempDir()
		rootB := t.TempDir()
		testutil.WriteTree(t, rootA, map[string][]byte{"a.txt": []byte("a")})
		testutil.WriteTree(t, rootB, map[string][]byte{"b.txt": []byte("b")})

		s := scanner.New([]string{rootA, rootB}, nil, nil, agent.NewNopLogger())
		paths := collect(t, s)
		if len(paths) != 2 {
			t.Errorf("found %d files, want 2: %v", len(paths), paths)
		}
	})
}

func TestDenyMatcher(t *testing.T) {
	t.Run("basename patterns match anywhere in the tree", func(t *testing.T) {
		m := scanner.NewDenyMatcher([]string{"*.log"})
		if !m.Match("a.log") {
			t.Errorf("a.log should match")
		}
		if !m.Match("deep/nested/b.log") {
			t.Errorf("deep/nested/b.log should match on basename")
		}
		if m.Match("a.txt") {
			t.Errorf("a.txt should not match")
		}
	})

	t.Run("path patterns match relative path only", func(t *testing.T) {
		m := scanner.NewDenyMatcher([]string{"build/*"})
		if !m.Match("build/out.bin") {
			t.Errorf("build/out.bin should match")
		}
		if m.Match("src/out.bin") {
			t.Errorf("src/out.bin should not match")
		}
	})

	t.Run("skips blanks and comments", func(t *testing.T) {
		m := scanner.NewDenyMatcher([]string{"", "  ", "# comment", "*.bak"})
		if m.Match("# comment") {
			t.Errorf("comment line should not be a pattern")
		}
		if !m.Match("old.bak") {
			t.Errorf("old.bak should match")
		}
	})
}
