package jsonl

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestTrimTornTail(t *testing.T) {
	long := strings.Repeat("x", 3*tailChunk)
	tests := []struct {
		name    string
		content string
		want    string
	}{
		{"empty", "", ""},
		{"complete", "{}\n{}\n", "{}\n{}\n"},
		{"torn", "{}\n{\"a\":", "{}\n"},
		{"only torn line", "{\"a\":", ""},
		{"torn line longer than a chunk", "{}\n" + long, "{}\n"},
		{"newline far back", long + "\n" + long, long + "\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "log.jsonl")
			if err := os.WriteFile(path, []byte(tt.content), 0o644); err != nil {
				t.Fatal(err)
			}
			f, err := os.OpenFile(path, os.O_RDWR|os.O_APPEND, 0o644)
			if err != nil {
				t.Fatal(err)
			}
			n, err := TrimTornTail(f)
			if err != nil {
				t.Fatalf("trim: %v", err)
			}
			if _, err := f.WriteString("{}\n"); err != nil {
				t.Fatal(err)
			}
			_ = f.Close()

			if n != int64(len(tt.content)-len(tt.want)) {
				t.Errorf("discarded %d bytes, want %d", n, len(tt.content)-len(tt.want))
			}
			got, _ := os.ReadFile(path)
			if string(got) != tt.want+"{}\n" {
				t.Errorf("file = %q, want %q", got, tt.want+"{}\n")
			}
		})
	}
}
