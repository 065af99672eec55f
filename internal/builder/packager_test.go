package builder

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"
	"time"
	"unicode/utf8"
)

func requireShell(t *testing.T) {
	t.Helper()
	if _, err := exec.LookPath("sh"); err != nil {
		t.Skip("sh not available")
	}
}

func testInput(t *testing.T) BuildInput {
	ws := t.TempDir()
	in := BuildInput{
		RunID:         "run-1",
		Workspace:     ws,
		SourcePath:    filepath.Join(ws, "avalon"),
		InstallerPath: filepath.Join(ws, "avalon-installer"),
		Decision: &Decision{
			SourceBranch:    "master",
			SourceCommit:    "abc123",
			InstallerBranch: "master",
			InstallerCommit: "def456",
		},
	}
	os.MkdirAll(in.SourcePath, 0755)
	os.MkdirAll(in.InstallerPath, 0755)
	return in
}

func TestNewCommandPackager(t *testing.T) {
	tests := []struct {
		name    string
		command interface{}
		wantNil bool
		wantErr bool
		want    []string
	}{
		{name: "nil", command: nil, wantNil: true},
		{name: "blank string", command: "  ", wantNil: true},
		{name: "string", command: `vagrant up --provision`, want: []string{"vagrant", "up", "--provision"}},
		{name: "quoted string", command: `make ova NAME="avalon 7"`, want: []string{"make", "ova", "NAME=avalon 7"}},
		{name: "list", command: []interface{}{"./build.sh", "--ova"}, want: []string{"./build.sh", "--ova"}},
		{name: "bad list item", command: []interface{}{"make", 3}, wantErr: true},
		{name: "unbalanced quote", command: `make "ova`, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p, err := NewCommandPackager(tt.command, time.Minute, "", nil)
			if tt.wantErr {
				if err == nil {
					t.Error("expected error")
				}
				return
			}
			if err != nil {
				t.Fatalf("NewCommandPackager() error = %v", err)
			}
			if tt.wantNil {
				if p != nil {
					t.Errorf("expected nil packager, got %+v", p)
				}
				return
			}
			if strings.Join(p.Command, "|") != strings.Join(tt.want, "|") {
				t.Errorf("Command = %q, want %q", p.Command, tt.want)
			}
			if p.ArtifactPattern != "*.ova" {
				t.Errorf("ArtifactPattern = %q, want *.ova", p.ArtifactPattern)
			}
		})
	}

	if _, err := NewCommandPackager("make", time.Minute, "[", nil); err == nil {
		t.Error("expected error for malformed artifact pattern")
	}
}

func TestCommandPackager_Package(t *testing.T) {
	requireShell(t)
	in := testInput(t)

	// A stale artifact from an earlier run must not be picked.
	stale := filepath.Join(in.InstallerPath, "old.ova")
	os.WriteFile(stale, []byte("old"), 0644)
	past := time.Now().Add(-time.Hour)
	os.Chtimes(stale, past, past)

	p, err := NewCommandPackager(
		[]interface{}{"sh", "-c", `test -d "$OVA_SOURCE_PATH" && touch "avalon-${OVA_SOURCE_COMMIT}-${OVA_INSTALLER_COMMIT}.ova"`},
		time.Minute, "*.ova", nil)
	if err != nil {
		t.Fatal(err)
	}

	artifact, err := p.Package(context.Background(), in)
	if err != nil {
		t.Fatalf("Package() error = %v", err)
	}
	if artifact != "avalon-abc123-def456.ova" {
		t.Errorf("artifact = %q, want avalon-abc123-def456.ova", artifact)
	}
}

func TestCommandPackager_Failures(t *testing.T) {
	requireShell(t)

	tests := []struct {
		name    string
		script  string
		timeout time.Duration
		wantErr string
	}{
		{"non-zero exit", `echo "disk full" >&2; exit 3`, time.Minute, "disk full"},
		{"no artifact", `true`, time.Minute, "no artifact"},
		{"timeout", `exec sleep 5`, 100 * time.Millisecond, "timed out"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			in := testInput(t)
			p, err := NewCommandPackager([]interface{}{"sh", "-c", tt.script}, tt.timeout, "*.ova", nil)
			if err != nil {
				t.Fatal(err)
			}

			_, err = p.Package(context.Background(), in)
			if err == nil {
				t.Fatal("expected error")
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("error = %v, want it to mention %q", err, tt.wantErr)
			}
		})
	}
}

func TestNotes(t *testing.T) {
	long := strings.Repeat("x", maxNotesLength*2)
	if got := notes(errString(long)); len(got) != maxNotesLength {
		t.Errorf("len(notes) = %d, want %d", len(got), maxNotesLength)
	}
	if got := notes(errString("line one\n  line two\t")); got != "line one line two" {
		t.Errorf("notes = %q", got)
	}

	// "é" is two bytes, so a byte cut at the limit would split one.
	got := notes(errString("a" + strings.Repeat("é", maxNotesLength)))
	if !utf8.ValidString(got) {
		t.Errorf("notes(multi-byte) is not valid UTF-8: %q", got[len(got)-4:])
	}
	if len(got) > maxNotesLength || len(got) < maxNotesLength-1 {
		t.Errorf("len(notes) = %d, want %d or %d", len(got), maxNotesLength-1, maxNotesLength)
	}

	if got := notes(errString("bad \xff byte")); !utf8.ValidString(got) {
		t.Errorf("notes(invalid input) = %q, want valid UTF-8", got)
	}
}

func TestTail(t *testing.T) {
	if got := tail("  short output \n", 400); got != "short output" {
		t.Errorf("tail = %q, want %q", got, "short output")
	}

	got := tail(strings.Repeat("ü", 300), 401)
	if !utf8.ValidString(got) {
		t.Errorf("tail(multi-byte) is not valid UTF-8: %q", got[:6])
	}
	if want := "..." + strings.Repeat("ü", 200); got != want {
		t.Errorf("tail kept %d bytes, want %d", len(got), len(want))
	}
}

type errString string

func (e errString) Error() string { return string(e) }
