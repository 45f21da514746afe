package hash

import (
	"os"
	"path/filepath"
	"testing"
)

func TestText_TrimsAndSeparates(t *testing.T) {
	if Text(" a ", "b") != Text("a", "b") {
		t.Fatalf("surrounding whitespace must not change the hash")
	}
	if Text("ab", "") == Text("a", "b") {
		t.Fatalf("field boundaries must affect the hash")
	}
}

func TestJSON_StableForMaps(t *testing.T) {
	a, err := JSON(map[string]any{"x": 1, "y": []string{"a"}})
	if err != nil {
		t.Fatalf("hash: %v", err)
	}
	b, _ := JSON(map[string]any{"y": []string{"a"}, "x": 1})
	if a != b || len(a) != 64 {
		t.Fatalf("unstable checksum %s vs %s", a, b)
	}
}

func TestFile(t *testing.T) {
	p := filepath.Join(t.TempDir(), "f.txt")
	if err := os.WriteFile(p, []byte("hello"), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	sum, size, err := File(p)
	if err != nil {
		t.Fatalf("file: %v", err)
	}
	if size != 5 || sum != "2cf24dba5fb0a30e26e83b2ac5b9e29e1b161e5c1fa7425e73043362938b9824" {
		t.Fatalf("sum=%s size=%d", sum, size)
	}
}
