package node

import (
	"strings"
	"testing"
)

func TestValidName(t *testing.T) {
	valid := []string{"node-1", "a", "store_east", "n01"}
	for _, name := range valid {
		if !ValidName(name) {
			t.Errorf("ValidName(%q) = false, want true", name)
		}
	}

	invalid := []string{"", "-leading", "UPPER", "has space", "has/slash", strings.Repeat("a", 65)}
	for _, name := range invalid {
		if ValidName(name) {
			t.Errorf("ValidName(%q) = true, want false", name)
		}
	}
}

func TestPathsNest(t *testing.T) {
	if !strings.HasPrefix(LockPath("n1"), Dir("n1")) {
		t.Error("lock path not under node dir")
	}
	if !strings.HasPrefix(LogPath("n1"), LogDir("n1")) {
		t.Error("log path not under log dir")
	}
}
