package version

import (
	"context"
	"os"
	"os/exec"
	"strings"
	"testing"
	"time"
)

// TestHelperProcess stands in for git when execCommand is replaced.
func TestHelperProcess(t *testing.T) {
	if os.Getenv("GO_WANT_HELPER_PROCESS") != "1" {
		return
	}
	defer os.Exit(0)

	args := os.Args
	for len(args) > 0 && args[0] != "--" {
		args = args[1:]
	}
	if len(args) < 4 || args[1] != "git" || args[2] != "describe" {
		os.Exit(2)
	}

	switch args[3] {
	case "--always":
		if os.Getenv("FAKE_GIT_COMMIT") == "" {
			os.Exit(1)
		}
		_, _ = os.Stdout.WriteString(os.Getenv("FAKE_GIT_COMMIT") + "\n")
	case "--tags":
		if os.Getenv("FAKE_GIT_TAG") == "" {
			os.Exit(1)
		}
		_, _ = os.Stdout.WriteString(os.Getenv("FAKE_GIT_TAG") + "\n")
	}
}

// fakeGit routes git through TestHelperProcess. An empty commit or tag
// makes the matching describe call fail.
func fakeGit(t *testing.T, commit, tag string) *int {
	t.Helper()
	calls := new(int)
	orig := execCommand
	execCommand = func(ctx context.Context, name string, arg ...string) *exec.Cmd {
		*calls++
		cs := append([]string{"-test.run=TestHelperProcess", "--", name}, arg...)
		cmd := exec.CommandContext(ctx, os.Args[0], cs...)
		cmd.Env = []string{
			"GO_WANT_HELPER_PROCESS=1",
			"FAKE_GIT_COMMIT=" + commit,
			"FAKE_GIT_TAG=" + tag,
		}
		return cmd
	}
	t.Cleanup(func() {
		execCommand = orig
		reset()
	})
	reset()
	return calls
}

func TestName(t *testing.T) {
	fakeGit(t, "abc123", "v2.0.1")
	if Name != "gacsync" {
		t.Errorf("Name = %q", Name)
	}
	if !strings.HasPrefix(Info(), "gacsync 2.0.1 ") {
		t.Errorf("Info() = %q, want it to start with the program name and version", Info())
	}
}

func TestResolveFromGit(t *testing.T) {
	tests := []struct {
		name       string
		commit     string
		tag        string
		wantVer    string
		wantCommit string
	}{
		{"tagged", "abc123-dirty", "v1.4.0", "1.4.0", "abc123-dirty"},
		{"untagged", "abc123", "", "dev", "abc123"},
		{"no repository", "", "", "dev", "unknown"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fakeGit(t, tt.commit, tt.tag)

			if got := GetVersion(); got != tt.wantVer {
				t.Errorf("GetVersion() = %q, want %q", got, tt.wantVer)
			}
			if got := GetCommit(); got != tt.wantCommit {
				t.Errorf("GetCommit() = %q, want %q", got, tt.wantCommit)
			}
			if !strings.Contains(Info(), "commit: "+tt.wantCommit) {
				t.Errorf("Info() = %q", Info())
			}
		})
	}
}

func TestLdflagsValuesWin(t *testing.T) {
	calls := fakeGit(t, "abc123", "v1.0.0")
	Version, Commit, Date = "3.1.0", "deadbeef", "2024-05-01"

	if GetVersion() != "3.1.0" || GetCommit() != "deadbeef" || GetDate() != "2024-05-01" {
		t.Errorf("got %s %s %s", GetVersion(), GetCommit(), GetDate())
	}
	if *calls != 0 {
		t.Errorf("git ran %d times with every value injected", *calls)
	}
}

func TestResolvedOnce(t *testing.T) {
	calls := fakeGit(t, "abc123", "v1.0.0")

	_ = GetVersion()
	_ = GetCommit()
	_ = Info()
	if *calls != 2 {
		t.Errorf("git ran %d times, want one commit and one tag lookup", *calls)
	}
}

func TestReset(t *testing.T) {
	fakeGit(t, "first", "v1.0.0")
	if GetCommit() != "first" {
		t.Fatalf("GetCommit() = %q", GetCommit())
	}

	fakeGit(t, "second", "v1.1.0")
	if GetCommit() != "second" || GetVersion() != "1.1.0" {
		t.Errorf("after reset got %s %s; want values resolved again", GetCommit(), GetVersion())
	}
}

func TestGetDate(t *testing.T) {
	fakeGit(t, "", "")
	if _, err := time.Parse("2006-01-02", GetDate()); err != nil {
		t.Errorf("GetDate() = %q: %v", GetDate(), err)
	}
}
