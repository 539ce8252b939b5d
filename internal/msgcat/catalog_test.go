package msgcat

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestEmbeddedCatalogLoads(t *testing.T) {
	c, err := New("")
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	for _, key := range []string{"duel.queued", "duel.matched", "duel.rt_ticket", "help.body", "error.generic"} {
		if _, err := c.Render(key, map[string]any{
			"Prefix": "/", "JoinCode": "123456", "TTL": 120, "Ticket": "t",
			"InitiatorName": "a", "OpponentName": "b", "TargetName": "c", "Username": "d",
		}); err != nil {
			t.Fatalf("render %s: %v", key, err)
		}
	}
}

func TestRenderSubstitutesData(t *testing.T) {
	c, err := New("")
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	out, err := c.Render("duel.rt_ticket", map[string]any{"TTL": 120, "Ticket": "abc.def"})
	if err != nil {
		t.Fatalf("Render: %v", err)
	}
	if !strings.Contains(out, "120") || !strings.Contains(out, "abc.def") {
		t.Fatalf("data not substituted: %q", out)
	}
}

func TestRenderMissingKeyFails(t *testing.T) {
	c, err := New("")
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if _, err := c.Render("no.such.key", nil); err == nil {
		t.Fatalf("unknown key rendered")
	}
	if got := c.Text("no.such.key", nil); got != "no.such.key" {
		t.Fatalf("Text fallback = %q", got)
	}
}

func TestOverrideDirReplacesKeys(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "override.yaml"), []byte("duel:\n  queued: \"custom {{.JoinCode}}\"\n"), 0o644); err != nil {
		t.Fatalf("write override: %v", err)
	}
	c, err := New(dir)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	out, err := c.Render("duel.queued", map[string]any{"JoinCode": "999999"})
	if err != nil {
		t.Fatalf("Render: %v", err)
	}
	if out != "custom 999999" {
		t.Fatalf("override not applied: %q", out)
	}
	// untouched keys survive
	if _, err := c.Render("error.generic", nil); err != nil {
		t.Fatalf("embedded key lost: %v", err)
	}
}

func TestDuplicateOverrideKeyRejected(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "a.yaml"), []byte("x:\n  y: \"1\"\n"), 0o644); err != nil {
		t.Fatalf("write a: %v", err)
	}
	if err := os.WriteFile(filepath.Join(dir, "b.yaml"), []byte("x:\n  y: \"2\"\n"), 0o644); err != nil {
		t.Fatalf("write b: %v", err)
	}
	if _, err := New(dir); err == nil {
		t.Fatalf("duplicate key across override files accepted")
	}
}
