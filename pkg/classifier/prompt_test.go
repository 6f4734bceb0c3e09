package classifier

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPrompt_RenderNamed(t *testing.T) {
	p := Prompt{
		Template:          `L={label_list} P={probability_config} F={res_format} S={tx_summary} {{"literal": true}}`,
		LabelList:         "swap",
		ProbabilityConfig: "0.5",
		OutputFormat:      "json",
	}
	assert.Equal(t, `L=swap P=0.5 F=json S=a {tx_summary} b {"literal": true}`, p.Render("a {tx_summary} b"))
}

func TestPrompt_RenderPositional(t *testing.T) {
	p := Prompt{
		Template:          "labels {} probs {} format {} summary {} end {{ok}}",
		LabelList:         "L",
		ProbabilityConfig: "P {}",
		OutputFormat:      "F",
	}
	assert.Equal(t, "labels L probs P {} format F summary S end {ok}", p.Render("S"))
}

func TestLoadPrompt(t *testing.T) {
	dir := t.TempDir()
	write := func(name, content string) string {
		path := filepath.Join(dir, name)
		require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
		return path
	}
	files := PromptFiles{
		Template:          write("system.txt", "{label_list}|{tx_summary}\n"),
		LabelList:         write("labels.json", "[\"swap\"]\n"),
		ProbabilityConfig: write("probability.json", "{}"),
		OutputFormat:      write("format.json", "{\"labels\":[]}"),
	}

	p, err := LoadPrompt(files)
	require.NoError(t, err)
	assert.Equal(t, `["swap"]|tx`, p.Render("tx"))

	files.OutputFormat = filepath.Join(dir, "missing.json")
	_, err = LoadPrompt(files)
	assert.Error(t, err)

	files.OutputFormat = ""
	_, err = LoadPrompt(files)
	assert.ErrorContains(t, err, "output format path is not configured")
}
