package stems

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/Zbehel/Music-Split/internal/testutil"
)

func TestRegistry_Builtins(t *testing.T) {
	t.Parallel()
	r, err := NewRegistry("", nil)
	if err != nil {
		t.Fatalf("NewRegistry failed: %v", err)
	}

	tests := []struct {
		model    string
		stems    int
		contains string
	}{
		{"htdemucs_6s", 6, "guitar"},
		{"htdemucs_ft", 4, "vocals"},
		{"mvsep_full", 4, "drums"},
	}

	for _, tt := range tests {
		m, ok := r.Get(tt.model)
		if !ok {
			t.Fatalf("expected model %s", tt.model)
		}
		if len(m.Stems) != tt.stems {
			t.Errorf("%s: expected %d stems, got %d", tt.model, tt.stems, len(m.Stems))
		}
		found := false
		for _, s := range m.Stems {
			if s == tt.contains {
				found = true
			}
		}
		if !found {
			t.Errorf("%s: expected stem %q in %v", tt.model, tt.contains, m.Stems)
		}
	}

	if r.Contains("ghost_model") {
		t.Error("expected ghost_model to be unknown")
	}
}

func TestModel_MinRescueStems(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name  string
		stems []string
		want  int
	}{
		{"six stems", []string{"a", "b", "c", "d", "e", "f"}, 6},
		{"four stems", []string{"a", "b", "c", "d"}, 4},
		{"two stems floors at four", []string{"a", "b"}, 4},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			m := Model{Name: "m", Stems: tt.stems}
			if got := m.MinRescueStems(); got != tt.want {
				t.Errorf("MinRescueStems() = %d, want %d", got, tt.want)
			}
		})
	}
}

func TestRegistry_ListOrder(t *testing.T) {
	t.Parallel()
	r, err := NewRegistry("", nil)
	if err != nil {
		t.Fatalf("NewRegistry failed: %v", err)
	}

	names := r.Names()
	if len(names) != 3 {
		t.Fatalf("expected 3 builtin models, got %d", len(names))
	}
	if names[0] != "htdemucs_6s" {
		t.Errorf("expected htdemucs_6s first, got %s", names[0])
	}
	if len(r.List()) != 3 {
		t.Errorf("expected 3 models from List")
	}
}

func TestRegistry_LoadsModelsFile(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "models.yaml")
	content := `models:
  - name: tiny
    stems: [vocals, other]
    description: two-source test model
  - name: big
    stems: [drums, bass, other, vocals, guitar]
`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("writing models file: %v", err)
	}

	r, err := NewRegistry(path, nil)
	if err != nil {
		t.Fatalf("NewRegistry failed: %v", err)
	}

	if r.Contains("htdemucs_6s") {
		t.Error("expected file to replace builtin set")
	}
	m, ok := r.Get("tiny")
	if !ok {
		t.Fatal("expected model tiny")
	}
	if m.MinRescueStems() != 4 {
		t.Errorf("expected rescue floor 4 for 2-stem model, got %d", m.MinRescueStems())
	}
	if got := r.Names(); len(got) != 2 || got[1] != "big" {
		t.Errorf("unexpected names: %v", got)
	}
}

func TestRegistry_RejectsBadFile(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()

	tests := []struct {
		name    string
		content string
		errMsg  string
	}{
		{"empty set", "models: []", "no models"},
		{"missing name", "models:\n  - stems: [a, b]", "empty name"},
		{"missing stems", "models:\n  - name: x", "no stems"},
		{"garbage", "{{{{", "parsing"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			path := filepath.Join(dir, strings.ReplaceAll(tt.name, " ", "-")+".yaml")
			if err := os.WriteFile(path, []byte(tt.content), 0o644); err != nil {
				t.Fatalf("writing file: %v", err)
			}

			_, err := NewRegistry(path, nil)
			if err == nil {
				t.Fatal("expected error")
			}
			if !strings.Contains(err.Error(), tt.errMsg) {
				t.Errorf("expected %q in error, got %q", tt.errMsg, err.Error())
			}
		})
	}
}

func TestRegistry_ReloadKeepsCurrentOnFailure(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "models.yaml")
	if err := os.WriteFile(path, []byte("models:\n  - name: good\n    stems: [a, b, c, d]\n"), 0o644); err != nil {
		t.Fatalf("writing models file: %v", err)
	}

	r, err := NewRegistry(path, nil)
	if err != nil {
		t.Fatalf("NewRegistry failed: %v", err)
	}

	if err := os.WriteFile(path, []byte("models: []"), 0o644); err != nil {
		t.Fatalf("rewriting models file: %v", err)
	}
	if err := r.Reload(); err == nil {
		t.Fatal("expected reload error")
	}

	if !r.Contains("good") {
		t.Error("expected previous set to survive a failed reload")
	}
}

func TestRegistry_WatchReloads(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "models.yaml")
	if err := os.WriteFile(path, []byte("models:\n  - name: v1\n    stems: [a, b, c, d]\n"), 0o644); err != nil {
		t.Fatalf("writing models file: %v", err)
	}

	r, err := NewRegistry(path, nil)
	if err != nil {
		t.Fatalf("NewRegistry failed: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go r.Watch(ctx)

	// Give the watcher a moment to register before mutating the file.
	time.Sleep(50 * time.Millisecond)

	if err := os.WriteFile(path, []byte("models:\n  - name: v2\n    stems: [a, b, c, d]\n"), 0o644); err != nil {
		t.Fatalf("rewriting models file: %v", err)
	}

	testutil.MustWaitFor(t, func() bool {
		return r.Contains("v2")
	}, testutil.WithTimeout(5*time.Second))
}
