package completion

import (
	_ "embed"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

//go:embed persona.yaml
var defaultPersona []byte

// Persona is the prompt file handed to the remote model.
type Persona struct {
	System string `yaml:"system"`
	Style  struct {
		Temperature *float32 `yaml:"temperature"`
		MaxTokens   int      `yaml:"max_tokens"`
	} `yaml:"style"`
}

// LoadPersona reads a YAML prompt file. An empty path or a missing file falls
// back to the embedded default.
func LoadPersona(path string) (*Persona, error) {
	b := defaultPersona
	if strings.TrimSpace(path) != "" {
		fb, err := os.ReadFile(path)
		switch {
		case err == nil:
			b = fb
		case errors.Is(err, fs.ErrNotExist):
		default:
			return nil, fmt.Errorf("read prompt file: %w", err)
		}
	}
	return ParsePersona(b)
}

func ParsePersona(b []byte) (*Persona, error) {
	var p Persona
	if err := yaml.Unmarshal(b, &p); err != nil {
		return nil, fmt.Errorf("parse prompt file: %w", err)
	}
	if p.Style.Temperature == nil {
		t := DefaultTemperature
		p.Style.Temperature = &t
	}
	if *p.Style.Temperature < 0 {
		return nil, fmt.Errorf("parse prompt file: temperature must be >= 0")
	}
	if p.Style.MaxTokens <= 0 {
		p.Style.MaxTokens = DefaultMaxTokens
	}
	return &p, nil
}

// SystemPrompt fills the {{assistant}} placeholder.
func (p *Persona) SystemPrompt(assistantName string) string {
	return strings.TrimSpace(strings.ReplaceAll(p.System, "{{assistant}}", assistantName))
}
