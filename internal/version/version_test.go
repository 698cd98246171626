package version

import (
	"strings"
	"testing"
)

func TestStringUsesLinkedCommit(t *testing.T) {
	oldVersion, oldCommit := Version, Commit
	t.Cleanup(func() { Version, Commit = oldVersion, oldCommit })

	Version, Commit = "v1.2.3", "abc1234"
	if got := String(); got != "v1.2.3 (abc1234)" {
		t.Fatalf("String() = %q", got)
	}
}

func TestStringFallsBack(t *testing.T) {
	if got := String(); !strings.HasPrefix(got, Version+" (") {
		t.Fatalf("String() = %q", got)
	}
}
