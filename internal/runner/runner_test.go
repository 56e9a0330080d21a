package runner

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/mpataki/studio/internal/accumulator"
	"github.com/mpataki/studio/internal/models"
	"github.com/mpataki/studio/internal/registry"
)

func newTestRegistry(t *testing.T) *registry.Registry {
	t.Helper()
	r, err := registry.Default()
	if err != nil {
		t.Fatalf("registry.Default: %v", err)
	}
	return r
}

func TestRunRendersSnapshot(t *testing.T) {
	reg := newTestRegistry(t)
	squad, _ := reg.Squad("text")

	var gotPrompt, gotProvider string
	inv := InvokerFunc(func(_ context.Context, provider, p string, _ models.Contract) (string, error) {
		gotProvider, gotPrompt = provider, p
		return `{"summary":"ok"}`, nil
	})

	view := accumulator.View{
		models.SlotIdea:     "cold brew",
		"strategy":          map[string]any{"format": "Blog"},
		models.SlotRevision: "address the risk",
	}
	raw, desc, err := New(reg, inv, time.Second).Run(context.Background(), Request{
		Squad: squad, StageIndex: 1, Idea: "cold brew", View: view,
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if raw != `{"summary":"ok"}` || desc.ID != "text.linguist" {
		t.Errorf("raw = %q, desc = %s", raw, desc.ID)
	}
	if gotProvider != registry.DefaultProvider {
		t.Errorf("provider = %q", gotProvider)
	}
	for _, want := range []string{"Linguist", `"format": "Blog"`, "address the risk", "House style"} {
		if !strings.Contains(gotPrompt, want) {
			t.Errorf("prompt missing %q:\n%s", want, gotPrompt)
		}
	}
}

func TestRunUnknownStage(t *testing.T) {
	reg := newTestRegistry(t)
	squad, _ := reg.Squad("art")
	inv := InvokerFunc(func(context.Context, string, string, models.Contract) (string, error) {
		t.Fatal("invoker must not be called")
		return "", nil
	})
	_, _, err := New(reg, inv, 0).Run(context.Background(), Request{Squad: squad, StageIndex: 7})
	var us *models.UnknownStageError
	if !errors.As(err, &us) {
		t.Errorf("err = %v, want UnknownStageError", err)
	}
}

func TestRunWrapsProviderErrors(t *testing.T) {
	reg := newTestRegistry(t)
	squad, _ := reg.Squad("art")

	t.Run("invoker error", func(t *testing.T) {
		boom := errors.New("connection reset")
		inv := InvokerFunc(func(context.Context, string, string, models.Contract) (string, error) {
			return "", boom
		})
		_, _, err := New(reg, inv, 0).Run(context.Background(), Request{Squad: squad, View: accumulator.View{}})
		var pe *models.ProviderError
		if !errors.As(err, &pe) || !errors.Is(err, boom) {
			t.Errorf("err = %v, want ProviderError wrapping %v", err, boom)
		}
	})

	t.Run("timeout", func(t *testing.T) {
		inv := InvokerFunc(func(ctx context.Context, _ string, _ string, _ models.Contract) (string, error) {
			<-ctx.Done()
			return "", ctx.Err()
		})
		_, _, err := New(reg, inv, 20*time.Millisecond).Run(context.Background(), Request{Squad: squad, View: accumulator.View{}})
		if !errors.Is(err, context.DeadlineExceeded) || models.ErrorKind(err) != "provider_error" {
			t.Errorf("err = %v, want provider timeout", err)
		}
	})
}
