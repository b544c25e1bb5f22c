package languages

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"reflect"
	"testing"
)

type memoryStore map[int]Language

func (s memoryStore) GetLanguage(_ context.Context, id int) (Language, error) {
	lang, ok := s[id]
	if !ok {
		return Language{}, ErrLanguageNotFound
	}
	return lang, nil
}

func storeFrom(catalog []Language) memoryStore {
	s := memoryStore{}
	for _, l := range catalog {
		s[l.ID] = l
	}
	return s
}

func defaultRegistry(t *testing.T) *Registry {
	t.Helper()
	catalog, err := LoadCatalog("")
	if err != nil {
		t.Fatalf("load catalog: %v", err)
	}
	return NewRegistry(storeFrom(catalog), catalog)
}

func TestDefaultCatalog(t *testing.T) {
	catalog, err := LoadCatalog("")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	active := 0
	for _, l := range catalog {
		if l.Image == "" {
			t.Errorf("language %d has no image", l.ID)
		}
		if !l.IsArchived {
			active++
		}
	}
	if active != 30 {
		t.Fatalf("expected 30 active languages (45-74), got %d", active)
	}
}

func TestLookupInterpreted(t *testing.T) {
	cfg, err := defaultRegistry(t).Lookup(context.Background(), 71)
	if err != nil {
		t.Fatalf("lookup: %v", err)
	}
	want := RuntimeConfig{
		LanguageID: 71,
		Name:       "Python (3.8.1)",
		Image:      "python:3.8.1",
		SourceFile: "main.py",
		RunCommand: []string{"python3", "main.py"},
	}
	if !reflect.DeepEqual(cfg, want) {
		t.Fatalf("got %+v, want %+v", cfg, want)
	}
}

func TestLookupCompiled(t *testing.T) {
	cfg, err := defaultRegistry(t).Lookup(context.Background(), 54)
	if err != nil {
		t.Fatalf("lookup: %v", err)
	}
	if !cfg.CompileFirst || cfg.Image != "gcc:9.2.0" {
		t.Fatalf("unexpected config: %+v", cfg)
	}
	if !reflect.DeepEqual(cfg.CompileCommand, []string{"g++", "-O2", "-std=c++17", "-o", "main", "main.cpp"}) {
		t.Fatalf("unexpected compile argv: %q", cfg.CompileCommand)
	}
}

func TestLookupShellCompile(t *testing.T) {
	cfg, err := defaultRegistry(t).Lookup(context.Background(), 45)
	if err != nil {
		t.Fatalf("lookup: %v", err)
	}
	if len(cfg.CompileCommand) != 3 || cfg.CompileCommand[0] != "/bin/sh" || cfg.CompileCommand[1] != "-c" {
		t.Fatalf("expected shell wrapper, got %q", cfg.CompileCommand)
	}
}

func TestLookupQuotedRun(t *testing.T) {
	cfg, err := defaultRegistry(t).Lookup(context.Background(), 69)
	if err != nil {
		t.Fatalf("lookup: %v", err)
	}
	want := []string{"gprolog", "--consult-file", "main.pl", "--entry-goal", "main,halt."}
	if !reflect.DeepEqual(cfg.RunCommand, want) {
		t.Fatalf("got %q, want %q", cfg.RunCommand, want)
	}
}

func TestLookupRejects(t *testing.T) {
	r := defaultRegistry(t)
	ctx := context.Background()

	if _, err := r.Lookup(ctx, 1); !errors.Is(err, ErrLanguageNotFound) || !errors.Is(err, ErrLanguageArchived) {
		t.Fatalf("archived language: got %v", err)
	}
	if _, err := r.Lookup(ctx, 999); !errors.Is(err, ErrLanguageNotFound) {
		t.Fatalf("unknown language: got %v", err)
	}

	// A catalog row without an image mapping is unsupported.
	store := memoryStore{500: {ID: 500, Name: "Brainfuck", SourceFile: "main.bf", RunCmd: "bf main.bf"}}
	if _, err := NewRegistry(store, nil).Lookup(ctx, 500); !errors.Is(err, ErrLanguageNotFound) {
		t.Fatalf("unmapped image: got %v", err)
	}
}

func TestRegisterOverridesImage(t *testing.T) {
	r := defaultRegistry(t)
	r.Register(71, "python:3.12-slim")
	cfg, err := r.Lookup(context.Background(), 71)
	if err != nil || cfg.Image != "python:3.12-slim" {
		t.Fatalf("override not applied: %+v %v", cfg, err)
	}
}

func TestImagesDistinct(t *testing.T) {
	images := defaultRegistry(t).Images()
	seen := map[string]bool{}
	for _, img := range images {
		if seen[img] {
			t.Fatalf("duplicate image %s", img)
		}
		seen[img] = true
	}
	if !seen["gcc:9.2.0"] || !seen["node:12.14.0"] {
		t.Fatalf("expected shared images to be listed once: %v", images)
	}
}

func TestBuildCommand(t *testing.T) {
	tests := []struct {
		line string
		want []string
	}{
		{"", nil},
		{"java Main", []string{"java", "Main"}},
		{"  ruby   main.rb ", []string{"ruby", "main.rb"}},
		{"a && b", []string{"/bin/sh", "-c", "a && b"}},
		{"echo $HOME", []string{"/bin/sh", "-c", "echo $HOME"}},
	}
	for _, tt := range tests {
		got, err := BuildCommand(tt.line)
		if err != nil {
			t.Fatalf("BuildCommand(%q): %v", tt.line, err)
		}
		if !reflect.DeepEqual(got, tt.want) {
			t.Errorf("BuildCommand(%q) = %q, want %q", tt.line, got, tt.want)
		}
	}
}

func TestLoadCatalogFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "catalog.yaml")
	content := "languages:\n  - {id: 100, name: Zig, source_file: main.zig, run_cmd: \"zig run main.zig\", image: \"ziglang:0.11\"}\n"
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatal(err)
	}
	catalog, err := LoadCatalog(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(catalog) != 1 || catalog[0].Image != "ziglang:0.11" || catalog[0].CompileCmd != nil {
		t.Fatalf("unexpected catalog: %+v", catalog)
	}

	if _, err := LoadCatalog(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Fatal("expected error for missing file")
	}
	if _, err := parseCatalog([]byte("languages:\n  - {id: 1, name: A, source_file: a, run_cmd: a}\n  - {id: 1, name: B, source_file: b, run_cmd: b}\n")); err == nil {
		t.Fatal("expected duplicate id error")
	}
}
