package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"auditflow/policy"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "auditflow.yaml")
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("expected nil error, got %v", err)
	}
	if cfg.Server.ListenAddr != ":8080" {
		t.Fatalf("unexpected listen addr %q", cfg.Server.ListenAddr)
	}
	if cfg.EvaluationTimeout() != 5*time.Second {
		t.Fatalf("unexpected evaluation timeout %v", cfg.EvaluationTimeout())
	}
}

func TestLoad_OverridesAndCustomPolicies(t *testing.T) {
	path := writeConfig(t, `
server:
  listen_addr: ":9090"
  read_timeout_seconds: 5
  write_timeout_seconds: 20
  idle_timeout_seconds: 45
policies:
  evaluation_timeout_seconds: 2
  custom:
    - id: firm_going_concern_memo
      name: Going Concern Memo
      kind: require_workpaper_kind
      workpaper_kind: going_concern
      blocking: true
      transitions: ["review->finalized"]
      waivable: true
      min_waiver_authority: partner
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("expected nil error, got %v", err)
	}
	if cfg.Server.ListenAddr != ":9090" || cfg.Server.WriteTimeout() != 20*time.Second {
		t.Fatalf("unexpected server config %+v", cfg.Server)
	}
	if len(cfg.Policies.Custom) != 1 {
		t.Fatalf("expected one custom policy, got %d", len(cfg.Policies.Custom))
	}

	registry := policy.NewRegistry()
	if err := RegisterCustomPolicies(registry, cfg); err != nil {
		t.Fatalf("register custom policies: %v", err)
	}
	def, ok := registry.Get("firm_going_concern_memo")
	if !ok {
		t.Fatal("expected custom policy in registry")
	}
	if !def.Blocking || !def.Waivable {
		t.Fatalf("unexpected definition %+v", def)
	}
	gating := registry.ForTransition(policy.TransitionReviewFinalized)
	found := false
	for _, d := range gating {
		if d.ID == "firm_going_concern_memo" {
			found = true
		}
	}
	if !found {
		t.Fatal("expected custom policy to gate review->finalized")
	}
}

func TestLoad_RejectsBadConfig(t *testing.T) {
	cases := []struct {
		name    string
		content string
	}{
		{"unsupported kind", `
policies:
  custom:
    - id: p1
      kind: lua_script
      workpaper_kind: x
      transitions: ["draft->planning"]
`},
		{"missing workpaper kind", `
policies:
  custom:
    - id: p1
      kind: require_workpaper_kind
      transitions: ["draft->planning"]
`},
		{"unknown waiver authority", `
policies:
  custom:
    - id: p1
      kind: require_workpaper_kind
      workpaper_kind: x
      transitions: ["draft->planning"]
      waivable: true
      min_waiver_authority: ceo
`},
		{"zero timeout", `
policies:
  evaluation_timeout_seconds: 0
`},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := Load(writeConfig(t, tc.content)); err == nil {
				t.Fatal("expected error")
			}
		})
	}
}
