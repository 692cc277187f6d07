package inmemory

import (
	"context"
	"io"
	"reflect"
	"testing"

	storagedriver "github.com/quayd/quayd/registry/storage/driver"
)

func TestContentRoundTrip(t *testing.T) {
	ctx := context.Background()
	d := New()

	if _, err := d.GetContent(ctx, "/missing"); !isPathNotFound(err) {
		t.Fatalf("expected PathNotFoundError, got %v", err)
	}

	if err := d.PutContent(ctx, "/a/b/file", []byte("hello")); err != nil {
		t.Fatalf("unexpected error putting content: %v", err)
	}
	got, err := d.GetContent(ctx, "/a/b/file")
	if err != nil {
		t.Fatalf("unexpected error getting content: %v", err)
	}
	if string(got) != "hello" {
		t.Fatalf("unexpected content: %q", got)
	}
}

func TestReaderOffset(t *testing.T) {
	ctx := context.Background()
	d := New()

	if err := d.PutContent(ctx, "/data", []byte("0123456789")); err != nil {
		t.Fatalf("unexpected error putting content: %v", err)
	}

	rc, err := d.Reader(ctx, "/data", 4)
	if err != nil {
		t.Fatalf("unexpected error opening reader: %v", err)
	}
	defer rc.Close()
	got, err := io.ReadAll(rc)
	if err != nil {
		t.Fatalf("unexpected error reading: %v", err)
	}
	if string(got) != "456789" {
		t.Fatalf("unexpected content at offset: %q", got)
	}

	if _, err := d.Reader(ctx, "/data", -1); err == nil {
		t.Fatal("expected error for negative offset")
	}
	if _, err := d.Reader(ctx, "/data", 100); err == nil {
		t.Fatal("expected error for offset past end")
	}
}

func TestWriterAppendAndCommit(t *testing.T) {
	ctx := context.Background()
	d := New()

	w, err := d.Writer(ctx, "/blob", false)
	if err != nil {
		t.Fatalf("unexpected error opening writer: %v", err)
	}
	if _, err := w.Write([]byte("part1")); err != nil {
		t.Fatalf("unexpected error writing: %v", err)
	}
	if w.Size() != 5 {
		t.Fatalf("unexpected size: %d", w.Size())
	}
	if err := w.Commit(ctx); err != nil {
		t.Fatalf("unexpected error committing: %v", err)
	}
	if err := w.Close(); err != nil {
		t.Fatalf("unexpected error closing: %v", err)
	}

	// Appending continues from the committed content.
	w, err = d.Writer(ctx, "/blob", true)
	if err != nil {
		t.Fatalf("unexpected error opening append writer: %v", err)
	}
	if w.Size() != 5 {
		t.Fatalf("append writer did not resume: size %d", w.Size())
	}
	if _, err := w.Write([]byte("part2")); err != nil {
		t.Fatalf("unexpected error appending: %v", err)
	}
	if err := w.Commit(ctx); err != nil {
		t.Fatalf("unexpected error committing: %v", err)
	}
	w.Close()

	got, err := d.GetContent(ctx, "/blob")
	if err != nil {
		t.Fatalf("unexpected error getting content: %v", err)
	}
	if string(got) != "part1part2" {
		t.Fatalf("unexpected content: %q", got)
	}
}

func TestWriterCancel(t *testing.T) {
	ctx := context.Background()
	d := New()

	w, err := d.Writer(ctx, "/cancelled", false)
	if err != nil {
		t.Fatalf("unexpected error opening writer: %v", err)
	}
	if _, err := w.Write([]byte("junk")); err != nil {
		t.Fatalf("unexpected error writing: %v", err)
	}
	if err := w.Cancel(ctx); err != nil {
		t.Fatalf("unexpected error cancelling: %v", err)
	}

	if _, err := d.GetContent(ctx, "/cancelled"); !isPathNotFound(err) {
		t.Fatalf("cancelled write must leave nothing behind, got %v", err)
	}
}

func TestStatAndList(t *testing.T) {
	ctx := context.Background()
	d := New()

	for _, p := range []string{"/dir/a", "/dir/b", "/dir/sub/c"} {
		if err := d.PutContent(ctx, p, []byte("x")); err != nil {
			t.Fatalf("unexpected error putting %s: %v", p, err)
		}
	}

	fi, err := d.Stat(ctx, "/dir/a")
	if err != nil {
		t.Fatalf("unexpected error statting file: %v", err)
	}
	if fi.IsDir() || fi.Size() != 1 {
		t.Fatalf("unexpected file info: dir=%t size=%d", fi.IsDir(), fi.Size())
	}

	fi, err = d.Stat(ctx, "/dir")
	if err != nil {
		t.Fatalf("unexpected error statting directory: %v", err)
	}
	if !fi.IsDir() {
		t.Fatal("expected /dir to stat as a directory")
	}

	children, err := d.List(ctx, "/dir")
	if err != nil {
		t.Fatalf("unexpected error listing: %v", err)
	}
	want := []string{"/dir/a", "/dir/b", "/dir/sub"}
	if !reflect.DeepEqual(children, want) {
		t.Fatalf("unexpected listing: %v != %v", children, want)
	}
}

func TestMoveAndDelete(t *testing.T) {
	ctx := context.Background()
	d := New()

	if err := d.PutContent(ctx, "/src/file", []byte("payload")); err != nil {
		t.Fatalf("unexpected error putting content: %v", err)
	}
	if err := d.Move(ctx, "/src/file", "/dst/file"); err != nil {
		t.Fatalf("unexpected error moving: %v", err)
	}
	if _, err := d.GetContent(ctx, "/src/file"); !isPathNotFound(err) {
		t.Fatalf("source must be gone after move, got %v", err)
	}
	got, err := d.GetContent(ctx, "/dst/file")
	if err != nil {
		t.Fatalf("unexpected error reading destination: %v", err)
	}
	if string(got) != "payload" {
		t.Fatalf("unexpected content after move: %q", got)
	}

	// Deleting a directory removes everything beneath it.
	if err := d.PutContent(ctx, "/dst/other", []byte("y")); err != nil {
		t.Fatalf("unexpected error putting content: %v", err)
	}
	if err := d.Delete(ctx, "/dst"); err != nil {
		t.Fatalf("unexpected error deleting: %v", err)
	}
	if _, err := d.GetContent(ctx, "/dst/file"); !isPathNotFound(err) {
		t.Fatalf("delete did not remove subpaths, got %v", err)
	}
	if err := d.Delete(ctx, "/dst"); !isPathNotFound(err) {
		t.Fatalf("expected PathNotFoundError deleting absent path, got %v", err)
	}
}

func TestWalk(t *testing.T) {
	ctx := context.Background()
	d := New()

	for _, p := range []string{"/w/a", "/w/sub/b", "/w/sub/c"} {
		if err := d.PutContent(ctx, p, []byte("x")); err != nil {
			t.Fatalf("unexpected error putting %s: %v", p, err)
		}
	}

	var files []string
	err := d.Walk(ctx, "/w", func(fi storagedriver.FileInfo) error {
		if !fi.IsDir() {
			files = append(files, fi.Path())
		}
		return nil
	})
	if err != nil {
		t.Fatalf("unexpected error walking: %v", err)
	}
	want := []string{"/w/a", "/w/sub/b", "/w/sub/c"}
	if !reflect.DeepEqual(files, want) {
		t.Fatalf("unexpected walk result: %v != %v", files, want)
	}
}

func TestInvalidPathRejected(t *testing.T) {
	ctx := context.Background()
	d := New()

	if err := d.PutContent(ctx, "no-leading-slash", []byte("x")); err == nil {
		t.Fatal("expected invalid path error")
	} else if _, ok := err.(storagedriver.InvalidPathError); !ok {
		t.Fatalf("expected InvalidPathError, got %T", err)
	}
}

func isPathNotFound(err error) bool {
	_, ok := err.(storagedriver.PathNotFoundError)
	return ok
}
