package languages

import (
	_ "embed"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

//go:embed catalog.yaml
var defaultCatalog []byte

type catalogFile struct {
	Languages []Language `yaml:"languages"`
}

// LoadCatalog reads the catalog at path, or the built-in one when path is
// empty.
func LoadCatalog(path string) ([]Language, error) {
	data := defaultCatalog
	if path != "" {
		var err error
		data, err = os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read language catalog: %w", err)
		}
	}
	return parseCatalog(data)
}

func parseCatalog(data []byte) ([]Language, error) {
	var file catalogFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("parse language catalog: %w", err)
	}

	seen := make(map[int]bool, len(file.Languages))
	for _, lang := range file.Languages {
		if lang.ID <= 0 {
			return nil, fmt.Errorf("language %q: id must be positive", lang.Name)
		}
		if seen[lang.ID] {
			return nil, fmt.Errorf("language id %d listed twice", lang.ID)
		}
		seen[lang.ID] = true
		if lang.Name == "" || lang.SourceFile == "" || lang.RunCmd == "" {
			return nil, fmt.Errorf("language %d: name, source_file and run_cmd are required", lang.ID)
		}
	}
	return file.Languages, nil
}
