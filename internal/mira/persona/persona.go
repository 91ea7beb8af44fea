// Package persona loads and validates the persona pack: the companion's
// name, generation settings, system prompt template and localized strings.
package persona

import (
	"bytes"
	_ "embed"
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"
	"gopkg.in/yaml.v3"

	"github.com/anindo/mira/internal/mira/record"
)

//go:embed schema.json
var schemaJSON []byte

//go:embed default.yaml
var defaultYAML []byte

// Keys of the localized string table. Every pack must define all of them
// for English; other languages fall back per key.
const (
	KeyEntryPrompt       = "entry_prompt"
	KeyAgeGate           = "age_gate"
	KeyRejected          = "rejected"
	KeyAskName           = "ask_name"
	KeyAskDob            = "ask_dob"
	KeyDobRetry          = "dob_retry"
	KeyActivated         = "activated"
	KeyWelcomeBack       = "welcome_back"
	KeyLanguageConfirmed = "language_confirmed"
	KeyCancelled         = "cancelled"
	KeyApology           = "apology"
	KeyTease             = "tease"
	KeyMoodShift         = "mood_shift"
	KeyAnniversary       = "anniversary"
	KeyHistoryCleared    = "history_cleared"
)

// Generation holds the model parameters for reply generation.
type Generation struct {
	Model       string  `yaml:"model"`
	Temperature float64 `yaml:"temperature"`
	MaxTokens   int     `yaml:"maxTokens"`
}

// Pack is a validated persona pack.
type Pack struct {
	Name         string                       `yaml:"name"`
	Generation   Generation                   `yaml:"generation"`
	SystemPrompt string                       `yaml:"systemPrompt"`
	Strings      map[string]map[string]string `yaml:"strings"`
}

// Default returns the embedded persona pack.
func Default() (*Pack, error) {
	return Parse(defaultYAML)
}

// LoadFile reads and validates a persona pack from disk.
func LoadFile(path string) (*Pack, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("persona: read %s: %w", path, err)
	}
	p, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("persona: %s: %w", path, err)
	}
	return p, nil
}

// Parse validates raw YAML against the pack schema and decodes it.
func Parse(data []byte) (*Pack, error) {
	if err := validateSchema(data); err != nil {
		return nil, err
	}
	var p Pack
	if err := yaml.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("persona: decode pack: %w", err)
	}
	if p.Generation.Temperature == 0 {
		p.Generation.Temperature = 0.8
	}
	if p.Generation.MaxTokens == 0 {
		p.Generation.MaxTokens = 100
	}
	return &p, nil
}

// validateSchema round-trips the YAML through JSON so the schema validator
// sees plain maps and numbers.
func validateSchema(data []byte) error {
	var doc any
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return fmt.Errorf("persona: parse yaml: %w", err)
	}
	jsonDoc, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("persona: convert to json: %w", err)
	}
	var v any
	if err := json.Unmarshal(jsonDoc, &v); err != nil {
		return fmt.Errorf("persona: reload json: %w", err)
	}

	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource("persona.schema.json", bytes.NewReader(schemaJSON)); err != nil {
		return fmt.Errorf("persona: load schema: %w", err)
	}
	schema, err := compiler.Compile("persona.schema.json")
	if err != nil {
		return fmt.Errorf("persona: compile schema: %w", err)
	}
	if err := schema.Validate(v); err != nil {
		return fmt.Errorf("persona: invalid pack: %w", err)
	}
	return nil
}

// Text returns the string for key in lang, falling back to English when the
// language block is missing or does not override the key.
func (p *Pack) Text(lang record.Language, key string) string {
	if block, ok := p.Strings[string(lang)]; ok {
		if s, ok := block[key]; ok {
			return s
		}
	}
	return p.Strings[string(record.LanguageDefault)][key]
}

// RenderText resolves the key in lang and substitutes template variables.
func (p *Pack) RenderText(lang record.Language, key string, vars map[string]string) string {
	return Render(p.Text(lang, key), vars)
}

// SystemInstruction renders the system prompt for a user's current state.
func (p *Pack) SystemInstruction(u *record.User) string {
	memories := "(nothing yet)"
	if len(u.Memories) > 0 {
		memories = strings.Join(u.Memories, "; ")
	}
	return Render(p.SystemPrompt, map[string]string{
		"name":     p.Name,
		"mood":     string(u.Mood),
		"language": u.Language.Label(),
		"memories": memories,
	})
}

// Render substitutes {{key}} placeholders from vars. Unknown placeholders
// and dangling braces pass through unchanged.
func Render(s string, vars map[string]string) string {
	var b strings.Builder
	for {
		start := strings.Index(s, "{{")
		if start < 0 {
			b.WriteString(s)
			return b.String()
		}
		end := strings.Index(s[start:], "}}")
		if end < 0 {
			b.WriteString(s)
			return b.String()
		}
		key := strings.TrimSpace(s[start+2 : start+end])
		if val, ok := vars[key]; ok {
			b.WriteString(s[:start])
			b.WriteString(val)
		} else {
			b.WriteString(s[:start+end+2])
		}
		s = s[start+end+2:]
	}
}
