package source

import (
	"path"
	"strings"
)

var languageByExt = map[string]string{
	".go":    "Go",
	".py":    "Python",
	".js":    "JavaScript",
	".jsx":   "JavaScript",
	".mjs":   "JavaScript",
	".ts":    "TypeScript",
	".tsx":   "TypeScript",
	".java":  "Java",
	".c":     "C",
	".cpp":   "C++",
	".cc":    "C++",
	".h":     "C/C++ Header",
	".hpp":   "C++ Header",
	".rs":    "Rust",
	".rb":    "Ruby",
	".php":   "PHP",
	".swift": "Swift",
	".kt":    "Kotlin",
	".scala": "Scala",
	".sh":    "Shell",
	".bash":  "Shell",
	".zsh":   "Shell",
	".sql":   "SQL",
	".cs":    "C#",
	".fs":    "F#",
	".hs":    "Haskell",
	".elm":   "Elm",
	".erl":   "Erlang",
	".ex":    "Elixir",
	".exs":   "Elixir",
	".clj":   "Clojure",
	".lua":   "Lua",
	".pl":    "Perl",
	".dart":  "Dart",
	".vue":   "Vue",
}

var textExtensions = map[string]bool{
	".txt": true, ".json": true, ".yaml": true, ".yml": true,
	".toml": true, ".xml": true, ".html": true, ".css": true, ".scss": true,
	".proto": true, ".thrift": true, ".conf": true, ".cfg": true, ".ini": true,
	".properties": true, ".vcl": true, ".tf": true, ".hcl": true, ".gradle": true,
	".kts": true, ".env": true, ".mod": true, ".graphql": true,
}

// Extensionless files worth reading.
var textNames = map[string]bool{
	"Dockerfile": true, "Makefile": true, "Gemfile": true, "Pipfile": true,
	"Procfile": true, "Jenkinsfile": true, "Rakefile": true,
}

// DetectLanguage returns the programming language of a file by extension, or
// "" when it is not source code.
func DetectLanguage(p string) string {
	return languageByExt[strings.ToLower(path.Ext(p))]
}

// IsTextFile reports whether a file is worth indexing for keyword search.
func IsTextFile(p string) bool {
	if textNames[path.Base(p)] {
		return true
	}
	ext := strings.ToLower(path.Ext(p))
	if _, ok := languageByExt[ext]; ok {
		return true
	}
	return textExtensions[ext]
}
