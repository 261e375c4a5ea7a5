package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultWorkflowIsValid(t *testing.T) {
	w := DefaultWorkflow()
	require.NoError(t, w.Validate())
	assert.Equal(t, []string{
		"initialization", "goal-clarification", "specification", "pseudocode", "architecture",
		"refinement-testing", "refinement-implementation", "bmo-completion", "maintenance", "documentation",
	}, w.PhaseNames())
	assert.Equal(t, "uber-orchestrator", w.UberAgent)

	spec, ok := w.Phase("specification")
	require.True(t, ok)
	assert.Equal(t, []string{
		"docs/Mutual_Understanding_Document.md",
		"docs/specifications/constraints_and_anti_goals.md",
	}, spec.Prerequisites)
	assert.Equal(t, ApprovalManual, spec.Approval)
	assert.Equal(t, "generate_artifact", spec.Tasks[0].TaskType)
	assert.Equal(t, "specification", spec.Tasks[0].MemoryType)
	assert.Equal(t, "docs/specifications/comprehensive_specification.md", spec.Outputs()[0])
}

func TestWorkflowNavigation(t *testing.T) {
	w := DefaultWorkflow()
	assert.Equal(t, "goal-clarification", w.Next("initialization"))
	assert.Equal(t, "", w.Next("documentation"))
	assert.Equal(t, "", w.Next("unknown"))

	p, ok := w.PhaseForOrchestrator("orchestrator-pseudocode")
	require.True(t, ok)
	assert.Equal(t, "pseudocode", p.Name)

	agents := w.WorkerAgents()
	assert.Contains(t, agents, "spec-writer")
	assert.Contains(t, w.RoleFor("spec-writer"), "specifications")
	assert.Contains(t, w.RoleFor("nobody"), "nobody")
}

func TestWorkflowValidate(t *testing.T) {
	cases := map[string]string{
		"no uber":      "phases: [{name: a, orchestrator: o, primary_artifact: x}]",
		"no phases":    "uber_agent: u",
		"dup phase":    "uber_agent: u\nphases: [{name: a, orchestrator: o1, primary_artifact: x}, {name: a, orchestrator: o2, primary_artifact: y}]",
		"bad approval": "uber_agent: u\nphases: [{name: a, orchestrator: o, primary_artifact: x, approval: maybe}]",
		"no producer":  "uber_agent: u\nphases: [{name: a, orchestrator: o, primary_artifact: x, tasks: [{agent: w, output_file: y}]}]",
		"dup orch":     "uber_agent: u\nphases: [{name: a, orchestrator: o, primary_artifact: x}, {name: b, orchestrator: o, primary_artifact: y}]",
	}
	for name, doc := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := WorkflowFromYAML([]byte(doc))
			assert.Error(t, err)
		})
	}
}

func TestLoadWorkflowFallsBackToDefault(t *testing.T) {
	dir := t.TempDir()
	w, err := LoadWorkflow(dir)
	require.NoError(t, err)
	assert.Len(t, w.Phases, 10)

	custom := "uber_agent: boss\nphases:\n  - name: only\n    orchestrator: orch-only\n    primary_artifact: out.md\n"
	require.NoError(t, os.WriteFile(filepath.Join(dir, "phaseline.yml"), []byte(custom), 0o644))
	w, err = LoadWorkflow(dir)
	require.NoError(t, err)
	assert.Equal(t, []string{"only"}, w.PhaseNames())
	p, _ := w.Phase("only")
	assert.Equal(t, ApprovalNone, p.Approval)
	assert.Equal(t, "only", p.MemoryType)
}

func TestGenerateDefaultWorkflowRoundTrips(t *testing.T) {
	w, err := WorkflowFromYAML([]byte(GenerateDefaultWorkflow()))
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(w.Phases[0].PrimaryArtifact, "docs/"))
}

func TestLoadSettings(t *testing.T) {
	dir := t.TempDir()
	v := viper.New()
	SetDefaults(v)
	v.Set("workspace", dir)
	s, err := LoadSettings(v)
	require.NoError(t, err)
	assert.Equal(t, 2*time.Second, s.PollInterval)
	assert.Equal(t, "sqlite", s.DB.Driver)
	assert.Equal(t, int64(8192), s.Anthropic.MaxTokens)

	_, err = s.RequireNamespace()
	assert.Error(t, err)
}

func TestLoadSettingsFromFileAndEnv(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "phaseline.settings.yaml"), []byte("namespace: proj1\npoll_interval: 250ms\nlog:\n  level: debug\n"), 0o644))
	t.Setenv("PHASELINE_NATS_URL", "nats://127.0.0.1:4222")

	v := viper.New()
	SetDefaults(v)
	BindEnv(v)
	v.Set("workspace", dir)
	s, err := LoadSettings(v)
	require.NoError(t, err)
	ns, err := s.RequireNamespace()
	require.NoError(t, err)
	assert.Equal(t, "proj1", ns)
	assert.Equal(t, 250*time.Millisecond, s.PollInterval)
	assert.Equal(t, "debug", s.Log.Level)
	assert.Equal(t, "nats://127.0.0.1:4222", s.NATS.URL)
}

func TestSettingsValidate(t *testing.T) {
	v := viper.New()
	SetDefaults(v)
	v.Set("workspace", t.TempDir())
	v.Set("db.driver", "mysql")
	_, err := LoadSettings(v)
	assert.Error(t, err)
}

func TestProjectRoot(t *testing.T) {
	ws := filepath.FromSlash("/srv/ws")
	projects := map[string]string{"legacy": "apps/legacy", "shared": "/data/shared"}

	got, err := ProjectRoot(ws, projects, "proj1")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(ws, "proj1"), got)

	got, err = ProjectRoot(ws, projects, "legacy")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(ws, "apps", "legacy"), got)

	got, err = ProjectRoot(ws, projects, "Shared")
	require.NoError(t, err)
	assert.Equal(t, filepath.Clean("/data/shared"), got)

	a, err := ProjectRoot(ws, nil, "proj1")
	require.NoError(t, err)
	b, err := ProjectRoot(ws, nil, "proj2")
	require.NoError(t, err)
	assert.NotEqual(t, a, b)

	for _, bad := range []string{"", "  ", "a/b", `a\b`, ".", "..", ".phaseline"} {
		_, err := ProjectRoot(ws, projects, bad)
		assert.ErrorContains(t, err, "invalid namespace", bad)
	}
}

func TestLoadSettingsReadsProjects(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "phaseline.settings.yaml"), []byte("projects:\n  Legacy: apps/legacy\n"), 0o644))

	v := viper.New()
	SetDefaults(v)
	v.Set("workspace", dir)
	s, err := LoadSettings(v)
	require.NoError(t, err)
	got, err := ProjectRoot(dir, s.Projects, "Legacy")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "apps", "legacy"), got)
}
