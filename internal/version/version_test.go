package version

import (
	"strings"
	"testing"
)

func TestInfoShortensCommit(t *testing.T) {
	oldVersion, oldCommit := Version, Commit
	defer func() { Version, Commit = oldVersion, oldCommit }()

	Version = "v1.4.0"
	Commit = "0123456789abcdef"

	if got := Info(); got != "motorlink v1.4.0 (commit: 0123456)" {
		t.Errorf("Expected short commit in info, got %q", got)
	}
	if !strings.Contains(DetailedInfo(), "Commit: 0123456789abcdef") {
		t.Error("Expected full commit in detailed info")
	}
}

func TestIsDev(t *testing.T) {
	old := Version
	defer func() { Version = old }()

	Version = "v0.0.0-dev"
	if !IsDev() {
		t.Error("Expected -dev build to be a dev version")
	}
	Version = "v1.0.0"
	if IsDev() {
		t.Error("Expected tagged build not to be a dev version")
	}
}
