package diff

import (
	"strings"
	"testing"
)

func TestUnified_NoChangeProducesEmptyPreview(t *testing.T) {
	r := Unified("a.txt", "same\ncontent\n", "same\ncontent\n")
	if r.Preview != "" || r.Bytes != 0 {
		t.Fatalf("expected empty result for identical content, got %+v", r)
	}
}

func TestUnified_CreateShowsAllLinesAsAdded(t *testing.T) {
	r := Unified("new.go", "", "package main\n\nfunc main() {}\n")
	if !strings.Contains(r.Preview, "+package main") {
		t.Fatalf("expected created file lines marked with +, got:\n%s", r.Preview)
	}
	if strings.Contains(r.Preview, "\n-") {
		t.Fatalf("did not expect any deleted lines for a create, got:\n%s", r.Preview)
	}
	if r.Bytes != len(r.Preview) {
		t.Fatalf("Bytes must equal len(Preview)")
	}
}

func TestUnified_DeleteShowsAllLinesAsRemoved(t *testing.T) {
	r := Unified("gone.go", "package main\n", "")
	if !strings.Contains(r.Preview, "-package main") {
		t.Fatalf("expected deleted file lines marked with -, got:\n%s", r.Preview)
	}
}

func TestUnified_SingleLineChangeKeepsSurroundingContext(t *testing.T) {
	before := "line1\nline2\nline3\nline4\nline5\nline6\nline7\n"
	after := "line1\nline2\nCHANGED\nline4\nline5\nline6\nline7\n"

	r := Unified("mid.txt", before, after)
	if !strings.Contains(r.Preview, "-line3") || !strings.Contains(r.Preview, "+CHANGED") {
		t.Fatalf("expected changed line diffed, got:\n%s", r.Preview)
	}
	if !strings.Contains(r.Preview, " line2") || !strings.Contains(r.Preview, " line4") {
		t.Fatalf("expected immediate context lines retained, got:\n%s", r.Preview)
	}
}

func TestUnified_DistantChangesProduceSeparateHunks(t *testing.T) {
	var beforeLines, afterLines []string
	for i := 0; i < 30; i++ {
		beforeLines = append(beforeLines, "ctx")
		afterLines = append(afterLines, "ctx")
	}
	beforeLines[0] = "first-old"
	afterLines[0] = "first-new"
	beforeLines[29] = "last-old"
	afterLines[29] = "last-new"

	before := strings.Join(beforeLines, "\n") + "\n"
	after := strings.Join(afterLines, "\n") + "\n"

	r := Unified("far.txt", before, after)
	hunkCount := strings.Count(r.Preview, "@@ -")
	if hunkCount < 2 {
		t.Fatalf("expected at least 2 separate hunks for far-apart changes, got %d:\n%s", hunkCount, r.Preview)
	}
}
