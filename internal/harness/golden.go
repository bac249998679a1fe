package harness

import (
	"bytes"
	"testing"

	"github.com/sebdah/goldie/v2"
	"gopkg.in/yaml.v3"

	"github.com/relaykit/relay/internal/dispatch"
	"github.com/relaykit/relay/internal/registry"
)

// snapshot is the golden-file representation of a scenario run.
type snapshot struct {
	Scenario string      `yaml:"scenario"`
	Replies  []string    `yaml:"replies"`
	Trace    []TraceStep `yaml:"trace"`
}

// RunWithGolden replays the scenario, verifies its assertions and
// compares the full run snapshot against testdata/golden/<name>.golden.
//
// Regenerate golden files with:
//
//	go test ./internal/harness -update
func RunWithGolden(t *testing.T, s *Scenario, specs []*registry.NodeSpec, opts ...dispatch.Option) {
	t.Helper()

	result, err := Run(s, specs, opts...)
	if err != nil {
		t.Fatalf("running scenario %s: %v", s.Name, err)
	}
	for _, err := range Verify(result, s.Assertions) {
		t.Error(err)
	}

	var buf bytes.Buffer
	enc := yaml.NewEncoder(&buf)
	enc.SetIndent(2)
	if err := enc.Encode(snapshot{
		Scenario: s.Name,
		Replies:  result.Replies,
		Trace:    result.Trace,
	}); err != nil {
		t.Fatalf("encoding snapshot: %v", err)
	}
	if err := enc.Close(); err != nil {
		t.Fatalf("closing encoder: %v", err)
	}

	g := goldie.New(t,
		goldie.WithFixtureDir("testdata/golden"),
		goldie.WithNameSuffix(".golden"),
	)
	g.Assert(t, s.Name, buf.Bytes())
}
