package errdefs

import (
	"errors"
	"fmt"
	"testing"
)

func TestKindOf(t *testing.T) {
	err := New(KindRepo, "gitws.Commit", "exit status 1")
	if KindOf(err) != KindRepo {
		t.Errorf("Expected KindRepo, got %q", KindOf(err))
	}

	if KindOf(errors.New("plain")) != "" {
		t.Error("Expected empty kind for unclassified error")
	}
}

func TestKindSurvivesWrapping(t *testing.T) {
	inner := New(KindConflict, "registry.CreateSite", "name %q taken", "blog")
	outer := fmt.Errorf("create site: %w", inner)

	if !IsKind(outer, KindConflict) {
		t.Error("Expected KindConflict through fmt.Errorf wrapping")
	}
}

func TestWrapNil(t *testing.T) {
	if Wrap(KindBuild, "supervisor.Create", nil) != nil {
		t.Error("Wrap(nil) must return nil")
	}
}

func TestUnwrapPreservesCause(t *testing.T) {
	cause := errors.New("merge conflict in index.html")
	err := Wrap(KindRepo, "gitws.MergeToMain", cause)

	if !errors.Is(err, cause) {
		t.Error("Expected errors.Is to find the wrapped cause")
	}
}
