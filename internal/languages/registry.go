package languages

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/google/shlex"
)

var (
	ErrLanguageNotFound = errors.New("language not found")
	ErrLanguageArchived = errors.New("language is archived")
)

// shellOperators mark a command line that only a shell can interpret.
var shellOperators = []string{"&&", "||", ";", "|", ">", "<", "$", "`"}

// Store reads catalog rows. Implementations return ErrLanguageNotFound for
// unknown ids.
type Store interface {
	GetLanguage(ctx context.Context, id int) (Language, error)
}

// Registry resolves language ids to runnable recipes. Catalog rows come
// from the store; images come from the static id-to-image table.
type Registry struct {
	store Store

	mu     sync.RWMutex
	images map[int]string
}

func NewRegistry(store Store, catalog []Language) *Registry {
	r := &Registry{
		store:  store,
		images: make(map[int]string, len(catalog)),
	}
	for _, lang := range catalog {
		if lang.Image != "" {
			r.images[lang.ID] = lang.Image
		}
	}
	return r
}

func (r *Registry) Register(id int, image string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.images[id] = image
}

func (r *Registry) Image(id int) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	img, ok := r.images[id]
	return img, ok
}

// Images lists each distinct image once, sorted.
func (r *Registry) Images() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	seen := make(map[string]bool, len(r.images))
	out := make([]string, 0, len(r.images))
	for _, img := range r.images {
		if !seen[img] {
			seen[img] = true
			out = append(out, img)
		}
	}
	sort.Strings(out)
	return out
}

// Lookup resolves a language for a new run. Archived languages and
// languages without an image are reported as not found.
func (r *Registry) Lookup(ctx context.Context, id int) (RuntimeConfig, error) {
	lang, err := r.store.GetLanguage(ctx, id)
	if err != nil {
		return RuntimeConfig{}, err
	}
	if lang.IsArchived {
		return RuntimeConfig{}, fmt.Errorf("%w: %w (id %d)", ErrLanguageNotFound, ErrLanguageArchived, id)
	}
	image, ok := r.Image(id)
	if !ok {
		return RuntimeConfig{}, fmt.Errorf("%w: no image mapped for id %d", ErrLanguageNotFound, id)
	}

	run, err := BuildCommand(lang.RunCmd)
	if err != nil {
		return RuntimeConfig{}, fmt.Errorf("language %d run command: %w", id, err)
	}
	if len(run) == 0 {
		return RuntimeConfig{}, fmt.Errorf("%w: language %d has no run command", ErrLanguageNotFound, id)
	}

	cfg := RuntimeConfig{
		LanguageID: lang.ID,
		Name:       lang.Name,
		Image:      image,
		SourceFile: lang.SourceFile,
		RunCommand: run,
	}
	if lang.CompileCmd != nil && strings.TrimSpace(*lang.CompileCmd) != "" {
		compile, err := BuildCommand(*lang.CompileCmd)
		if err != nil {
			return RuntimeConfig{}, fmt.Errorf("language %d compile command: %w", id, err)
		}
		cfg.CompileCommand = compile
		cfg.CompileFirst = true
	}
	return cfg, nil
}

// BuildCommand turns a catalog command line into an argv. Lines that use
// shell operators are handed to /bin/sh; the rest are split shell-style
// and executed directly.
func BuildCommand(line string) ([]string, error) {
	line = strings.TrimSpace(line)
	if line == "" {
		return nil, nil
	}
	for _, op := range shellOperators {
		if strings.Contains(line, op) {
			return []string{"/bin/sh", "-c", line}, nil
		}
	}
	return shlex.Split(line)
}
