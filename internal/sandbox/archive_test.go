package sandbox

import (
	"archive/tar"
	"archive/zip"
	"bytes"
	"errors"
	"io"
	"testing"
)

func readTar(t *testing.T, r io.Reader) map[string]*tar.Header {
	t.Helper()
	headers := map[string]*tar.Header{}
	tr := tar.NewReader(r)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			return headers
		}
		if err != nil {
			t.Fatalf("read tar: %v", err)
		}
		headers[hdr.Name] = hdr
	}
}

func TestBuildArchiveLayout(t *testing.T) {
	r, err := buildArchive("/sandbox", "main.c", "int main(){}", []File{
		{Name: "lib/util.h", Content: []byte("#pragma once")},
	})
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	headers := readTar(t, r)

	for _, dir := range []string{"sandbox/", "sandbox/lib/"} {
		hdr, ok := headers[dir]
		if !ok || hdr.Typeflag != tar.TypeDir || hdr.Mode != 0o777 {
			t.Fatalf("missing or wrong dir entry %s: %+v", dir, hdr)
		}
	}
	src, ok := headers["sandbox/main.c"]
	if !ok || src.Size != int64(len("int main(){}")) || src.Mode != 0o666 {
		t.Fatalf("unexpected source header: %+v", src)
	}
	if _, ok := headers["sandbox/lib/util.h"]; !ok {
		t.Fatal("additional file missing")
	}
}

func TestBuildArchiveRejectsUnsafeNames(t *testing.T) {
	for _, name := range []string{"../etc/passwd", "/abs", "a/../../b", "", "dir\\file"} {
		if _, err := buildArchive("/sandbox", "main.py", "", []File{{Name: name}}); !errors.Is(err, ErrUnsafePath) {
			t.Errorf("%q: expected ErrUnsafePath, got %v", name, err)
		}
	}
	if _, err := buildArchive("/", "main.py", "", nil); err == nil {
		t.Error("expected error for root work dir")
	}
}

func zipOf(t *testing.T, files map[string]string) []byte {
	t.Helper()
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	for name, content := range files {
		w, err := zw.Create(name)
		if err != nil {
			t.Fatalf("zip create: %v", err)
		}
		if _, err := w.Write([]byte(content)); err != nil {
			t.Fatalf("zip write: %v", err)
		}
	}
	if err := zw.Close(); err != nil {
		t.Fatalf("zip close: %v", err)
	}
	return buf.Bytes()
}

func TestExtractZip(t *testing.T) {
	files, err := ExtractZip(zipOf(t, map[string]string{"input.txt": "42", "data/a.csv": "1,2"}))
	if err != nil {
		t.Fatalf("extract: %v", err)
	}
	got := map[string]string{}
	for _, f := range files {
		got[f.Name] = string(f.Content)
	}
	if got["input.txt"] != "42" || got["data/a.csv"] != "1,2" || len(got) != 2 {
		t.Fatalf("unexpected files: %v", got)
	}

	if files, err := ExtractZip(nil); err != nil || files != nil {
		t.Fatalf("empty input: %v %v", files, err)
	}
	if _, err := ExtractZip([]byte("not a zip")); err == nil {
		t.Fatal("expected error for invalid zip")
	}
	if _, err := ExtractZip(zipOf(t, map[string]string{"../escape": "x"})); !errors.Is(err, ErrUnsafePath) {
		t.Fatalf("expected ErrUnsafePath, got %v", err)
	}
}
