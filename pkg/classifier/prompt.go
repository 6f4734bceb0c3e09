package classifier

import (
	"fmt"
	"os"
	"strings"
)

// Prompt builds the classification prompt from a template and the three
// configuration documents it embeds.
//
// The template names its slots {label_list}, {probability_config},
// {res_format} and {tx_summary}. Templates written with bare positional {}
// slots are filled in that same order. Doubled braces are literal braces.
type Prompt struct {
	Template          string
	LabelList         string
	ProbabilityConfig string
	OutputFormat      string
}

// PromptFiles are the paths the prompt parts are read from
type PromptFiles struct {
	Template          string
	LabelList         string
	ProbabilityConfig string
	OutputFormat      string
}

// LoadPrompt reads every part of the prompt from disk
func LoadPrompt(files PromptFiles) (Prompt, error) {
	var p Prompt
	for _, part := range []struct {
		path string
		dst  *string
		name string
	}{
		{files.Template, &p.Template, "system prompt template"},
		{files.LabelList, &p.LabelList, "label list"},
		{files.ProbabilityConfig, &p.ProbabilityConfig, "probability config"},
		{files.OutputFormat, &p.OutputFormat, "output format"},
	} {
		if part.path == "" {
			return Prompt{}, fmt.Errorf("%s path is not configured", part.name)
		}
		data, err := os.ReadFile(part.path)
		if err != nil {
			return Prompt{}, fmt.Errorf("failed to read %s: %w", part.name, err)
		}
		*part.dst = strings.TrimSpace(string(data))
	}
	return p, nil
}

// Render fills the template with summary
func (p Prompt) Render(summary string) string {
	named := strings.NewReplacer(
		"{label_list}", p.LabelList,
		"{probability_config}", p.ProbabilityConfig,
		"{res_format}", p.OutputFormat,
		"{tx_summary}", summary,
		"{{", "{",
		"}}", "}",
	)
	if !strings.Contains(p.Template, "{}") {
		return named.Replace(p.Template)
	}

	values := []string{p.LabelList, p.ProbabilityConfig, p.OutputFormat, summary}
	pieces := strings.Split(p.Template, "{}")
	var b strings.Builder
	unescape := strings.NewReplacer("{{", "{", "}}", "}")
	for i, piece := range pieces {
		b.WriteString(unescape.Replace(piece))
		if i < len(pieces)-1 && i < len(values) {
			b.WriteString(values[i])
		}
	}
	return b.String()
}
