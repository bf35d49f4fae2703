package source

import (
	"sort"

	"gopkg.in/yaml.v3"

	"github.com/steveyegge/patternscan/internal/detection"
)

// ComposeFiles are the file names docker compose looks for.
var ComposeFiles = []string{"docker-compose.yml", "docker-compose.yaml", "compose.yml", "compose.yaml"}

// ComposeService is one service of a compose file.
type ComposeService struct {
	Name  string
	Image string
	Build bool
}

// ParseComposeServices returns the services declared in a compose file,
// ordered by name.
func ParseComposeServices(data []byte) ([]ComposeService, error) {
	var doc struct {
		Services map[string]struct {
			Image string    `yaml:"image"`
			Build yaml.Node `yaml:"build"`
		} `yaml:"services"`
	}
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, detection.Wrap(detection.ErrParse, "parse compose file", err)
	}
	out := make([]ComposeService, 0, len(doc.Services))
	for name, svc := range doc.Services {
		out = append(out, ComposeService{
			Name:  name,
			Image: svc.Image,
			Build: !svc.Build.IsZero(),
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

// ComposeServices parses the first compose file found at the tree root.
func (t *Tree) ComposeServices() (string, []ComposeService) {
	for _, name := range ComposeFiles {
		if !t.Exists(name) {
			continue
		}
		data, err := t.ReadFile(name)
		if err != nil {
			return name, nil
		}
		services, err := ParseComposeServices(data)
		if err != nil {
			return name, nil
		}
		return name, services
	}
	return "", nil
}
