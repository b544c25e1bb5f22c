package languages

// Language is one row of the language catalog.
type Language struct {
	ID         int     `json:"id" yaml:"id"`
	Name       string  `json:"name" yaml:"name"`
	IsArchived bool    `json:"is_archived" yaml:"archived"`
	SourceFile string  `json:"source_file" yaml:"source_file"`
	CompileCmd *string `json:"compile_cmd" yaml:"compile_cmd"`
	RunCmd     string  `json:"run_cmd" yaml:"run_cmd"`
	// Image lives in the static catalog only, not in the store.
	Image string `json:"-" yaml:"image"`
}

// RuntimeConfig is a resolved recipe, ready to hand to the sandbox.
type RuntimeConfig struct {
	LanguageID     int
	Name           string
	Image          string
	SourceFile     string
	CompileCommand []string
	RunCommand     []string
	CompileFirst   bool
}
