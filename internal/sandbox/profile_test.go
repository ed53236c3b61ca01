package sandbox

import (
	"strings"
	"testing"
)

func baseManifest() *GearManifest {
	return &GearManifest{
		ID:         "file-manager",
		EntryPoint: "/usr/local/bin/file-manager-gear",
		Actions:    []ActionSpec{{Name: "read_file"}},
		Limits:     ResourceLimits{MaxMemoryBytes: 64 * 1024 * 1024},
	}
}

func TestBuildLinuxProfile_BlocksShellWithoutDeclaration(t *testing.T) {
	m := baseManifest()
	p := BuildLinuxProfile(m)
	if !strings.Contains(p.Text, "deny: execve") {
		t.Errorf("expected execve denied when shell not declared, got:\n%s", p.Text)
	}
	if !strings.Contains(p.Text, "deny: socket, connect") {
		t.Errorf("expected socket/connect denied without network domains, got:\n%s", p.Text)
	}
	if !strings.Contains(p.Text, "deny: ptrace, mount, umount2, reboot") {
		t.Errorf("expected ptrace/mount/reboot always denied, got:\n%s", p.Text)
	}
}

func TestBuildLinuxProfile_AllowsShellAndNetworkWhenDeclared(t *testing.T) {
	m := baseManifest()
	m.Permissions.Shell = true
	m.Permissions.NetworkDomains = []string{"api.example.com"}

	p := BuildLinuxProfile(m)
	if !strings.Contains(p.Text, "allow: execve") {
		t.Errorf("expected execve allowed when shell declared, got:\n%s", p.Text)
	}
	if !strings.Contains(p.Text, "allow: socket, connect") {
		t.Errorf("expected socket/connect allowed when network declared, got:\n%s", p.Text)
	}
}

func TestBuildDarwinProfile_DeniesByDefault(t *testing.T) {
	m := baseManifest()
	p := BuildDarwinProfile(m, "/workspace", "/tmp/sandbox-1")
	if !strings.Contains(p.Text, "(deny default)") {
		t.Errorf("expected deny-by-default policy, got:\n%s", p.Text)
	}
	if !strings.Contains(p.Text, "/workspace") || !strings.Contains(p.Text, "/tmp/sandbox-1") {
		t.Errorf("expected workspace and temp dir always permitted, got:\n%s", p.Text)
	}
}
