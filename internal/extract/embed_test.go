package extract

import (
	"context"
	"errors"
	"testing"

	"github.com/memora-ai/memora/internal/progress"
	"github.com/memora-ai/memora/internal/runtime"
)

func TestEmbedderMapsBatchPositions(t *testing.T) {
	rc := runtime.RoleClient{
		Binding: runtime.Binding{Model: "embed-1"},
		Client: &stubClient{embed: func(input []string) ([][]float32, error) {
			if len(input) != 2 {
				t.Fatalf("expected one batched call with 2 inputs, got %d", len(input))
			}
			return [][]float32{{1}, {2}}, nil
		}},
	}
	e := NewEmbedder(100, nil)
	a, c := "first", "third"
	vecs := e.Generate(context.Background(), rc, []*string{&a, nil, &c}, progress.NewDiagnostics(nil))
	if len(vecs) != 3 {
		t.Fatalf("expected positional result, got %d", len(vecs))
	}
	if vecs[1] != nil {
		t.Fatalf("absent field must stay nil")
	}
	if vecs[0][0] != 1 || vecs[2][0] != 2 {
		t.Fatalf("vectors mapped to wrong positions: %v", vecs)
	}
}

func TestEmbedderFailureYieldsNilVectors(t *testing.T) {
	rc := runtime.RoleClient{
		Binding: runtime.Binding{Model: "embed-1"},
		Client: &stubClient{embed: func([]string) ([][]float32, error) {
			return nil, errors.New("provider down")
		}},
	}
	e := NewEmbedder(100, nil)
	diags := progress.NewDiagnostics(nil)
	text := "hello"
	vecs := e.Generate(context.Background(), rc, []*string{&text}, diags)
	if vecs[0] != nil {
		t.Fatalf("failed batch must degrade to nil vectors")
	}
	if len(diags.Events()) != 1 {
		t.Fatalf("failure must be observable via diagnostics")
	}
}

func TestEmbedderSkipsEmptyFields(t *testing.T) {
	called := false
	rc := runtime.RoleClient{
		Client: &stubClient{embed: func([]string) ([][]float32, error) {
			called = true
			return nil, nil
		}},
	}
	e := NewEmbedder(100, nil)
	empty := "   "
	vecs := e.Generate(context.Background(), rc, []*string{nil, &empty}, progress.NewDiagnostics(nil))
	if called {
		t.Fatalf("no provider call expected for an all-empty batch")
	}
	if vecs[0] != nil || vecs[1] != nil {
		t.Fatalf("expected nil vectors")
	}
}
