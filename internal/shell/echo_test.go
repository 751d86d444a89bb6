package shell

import (
	"strings"
	"testing"
)

func TestEchoizeSingleCommand(t *testing.T) {
	got := Echoize("rake")
	want := "echo \\$\\ rake\nrake"
	if got != want {
		t.Fatalf("Echoize(rake) = %q, want %q", got, want)
	}
}

func TestEchoizeMultipleCommands(t *testing.T) {
	got := Echoize("rvm use 1.9.2", "FOO=bar rake ci")
	want := "echo \\$\\ rvm\\ use\\ 1.9.2\nrvm use 1.9.2\necho \\$\\ FOO\\=bar\\ rake\\ ci\nFOO=bar rake ci"
	if got != want {
		t.Fatalf("Echoize = %q, want %q", got, want)
	}
	if lines := strings.Split(got, "\n"); len(lines) != 4 {
		t.Fatalf("expected 4 lines, got %d", len(lines))
	}
}

func TestEscapeEchoQuotesShellSyntax(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"a$b c=d", `a\$b\ c\=d`},
		{"a > b", `a\ \>\ b`},
		{"x && y", `x\ \&\&\ y`},
		{"'q'", `\'q\'`},
		{"ls | wc -l; echo `id` (x) <in", "ls\\ \\|\\ wc\\ -l\\;\\ echo\\ \\`id\\`\\ \\(x\\)\\ \\<in"},
		{"git@github.com:a/b.git 1.9.2+p%1,x", "git@github.com:a/b.git\\ 1.9.2+p%1,x"},
		{"héllo", "héllo"},
	}
	for _, tt := range tests {
		if got := escapeEcho(tt.in); got != tt.want {
			t.Fatalf("escapeEcho(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}
