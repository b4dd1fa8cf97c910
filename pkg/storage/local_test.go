package storage

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/go-git/go-billy/v5/memfs"
)

// backends returns the OS backend rooted in a temp dir and an in-memory one
func backends(t *testing.T) map[string]struct {
	b    *Local
	root string
} {
	t.Helper()
	return map[string]struct {
		b    *Local
		root string
	}{
		"osfs":  {NewLocal(), t.TempDir()},
		"memfs": {NewLocalFS(memfs.New()), "/work"},
	}
}

func TestLocal_ListSortedDirectChildren(t *testing.T) {
	ctx := context.Background()
	for name, tc := range backends(t) {
		t.Run(name, func(t *testing.T) {
			b, root := tc.b, tc.root
			if err := b.MkdirAll(ctx, b.Join(root, "sub", "deep")); err != nil {
				t.Fatalf("MkdirAll() error = %v", err)
			}
			for _, f := range []string{"zeta.txt", "alpha.txt", "sub/inner.txt"} {
				if err := WriteFile(ctx, b, b.Join(root, filepath.FromSlash(f)), []byte(f)); err != nil {
					t.Fatalf("WriteFile(%s) error = %v", f, err)
				}
			}

			entries, err := b.List(ctx, root)
			if err != nil {
				t.Fatalf("List() error = %v", err)
			}
			var names []string
			for _, e := range entries {
				names = append(names, e.RelativePath)
			}
			want := []string{"alpha.txt", "sub", "zeta.txt"}
			if len(names) != len(want) {
				t.Fatalf("List() = %v, want %v", names, want)
			}
			for i := range want {
				if names[i] != want[i] {
					t.Errorf("List()[%d] = %s, want %s", i, names[i], want[i])
				}
			}
			if !entries[1].IsDir || entries[0].IsDir {
				t.Error("IsDir flags are wrong")
			}
			if entries[0].Size != int64(len("alpha.txt")) {
				t.Errorf("Size = %d", entries[0].Size)
			}
			if entries[0].AbsolutePath != b.Join(root, "alpha.txt") {
				t.Errorf("AbsolutePath = %s", entries[0].AbsolutePath)
			}
		})
	}
}

func TestLocal_StatMissing(t *testing.T) {
	ctx := context.Background()
	for name, tc := range backends(t) {
		t.Run(name, func(t *testing.T) {
			_, err := tc.b.Stat(ctx, tc.b.Join(tc.root, "nope"))
			if !IsNotExist(err) {
				t.Fatalf("Stat() error = %v, want not-exist", err)
			}
			ok, err := Exists(ctx, tc.b, tc.b.Join(tc.root, "nope"))
			if err != nil || ok {
				t.Errorf("Exists() = %v, %v", ok, err)
			}
		})
	}
}

func TestLocal_RenameReplaces(t *testing.T) {
	ctx := context.Background()
	for name, tc := range backends(t) {
		t.Run(name, func(t *testing.T) {
			b, root := tc.b, tc.root
			if err := b.MkdirAll(ctx, root); err != nil {
				t.Fatal(err)
			}
			final := b.Join(root, "final.txt")
			temp := b.Join(root, ".final.txt.part")
			if err := WriteFile(ctx, b, final, []byte("old")); err != nil {
				t.Fatal(err)
			}
			if err := WriteFile(ctx, b, temp, []byte("new content")); err != nil {
				t.Fatal(err)
			}
			if err := b.Rename(ctx, temp, final); err != nil {
				t.Fatalf("Rename() error = %v", err)
			}
			data, err := ReadFile(ctx, b, final)
			if err != nil {
				t.Fatal(err)
			}
			if string(data) != "new content" {
				t.Errorf("content = %q", data)
			}
			if ok, _ := Exists(ctx, b, temp); ok {
				t.Error("temp file still exists after rename")
			}
		})
	}
}

func TestLocal_Chtimes(t *testing.T) {
	ctx := context.Background()
	b := NewLocal()
	p := filepath.Join(t.TempDir(), "f.txt")
	if err := WriteFile(ctx, b, p, []byte("x")); err != nil {
		t.Fatal(err)
	}
	mtime := time.Date(2020, 1, 2, 3, 4, 5, 0, time.UTC)
	if err := b.Chtimes(ctx, p, mtime); err != nil {
		t.Fatalf("Chtimes() error = %v", err)
	}
	info, err := os.Stat(p)
	if err != nil {
		t.Fatal(err)
	}
	if !info.ModTime().Equal(mtime) {
		t.Errorf("ModTime = %v, want %v", info.ModTime(), mtime)
	}
}

func TestRemoveAll(t *testing.T) {
	ctx := context.Background()
	for name, tc := range backends(t) {
		t.Run(name, func(t *testing.T) {
			b, root := tc.b, tc.root
			tree := b.Join(root, "tree")
			for _, f := range []string{"a.txt", "x/b.txt", "x/y/c.txt"} {
				p := b.Join(tree, filepath.FromSlash(f))
				if err := b.MkdirAll(ctx, filepath.Dir(p)); err != nil {
					t.Fatal(err)
				}
				if err := WriteFile(ctx, b, p, []byte(f)); err != nil {
					t.Fatal(err)
				}
			}
			if err := RemoveAll(ctx, b, tree); err != nil {
				t.Fatalf("RemoveAll() error = %v", err)
			}
			if ok, _ := Exists(ctx, b, tree); ok {
				t.Error("tree still exists")
			}
			if err := RemoveAll(ctx, b, tree); err != nil {
				t.Errorf("RemoveAll() of missing path error = %v", err)
			}
		})
	}
}
