package sandbox

import (
	"fmt"
	"strings"
)

// Profile is the textual (macOS) or allowlist (Linux) sandbox policy built
// for one Gear invocation. Axis does not require an actual OS sandbox
// binary wired into this repo — it emits the profile that would be handed
// to sandbox-exec/seccomp, and process spawning itself uses os/exec without
// applying a resource limit to the child (see applyResourceLimits) (§4.6).
type Profile struct {
	OS   string
	Text string
}

// BuildDarwinProfile emits a sandbox-exec-style policy: deny by default,
// permit read/write only on declared paths, permit outbound network only
// if any domain is declared, always permit the workspace and sandbox temp
// dir.
func BuildDarwinProfile(m *GearManifest, workspace, tempDir string) Profile {
	var b strings.Builder
	b.WriteString("(version 1)\n(deny default)\n")
	fmt.Fprintf(&b, "(allow file-read* file-write* (subpath %q))\n", workspace)
	fmt.Fprintf(&b, "(allow file-read* file-write* (subpath %q))\n", tempDir)

	for _, p := range m.Permissions.FilesystemRead {
		fmt.Fprintf(&b, "(allow file-read* (regex #%q))\n", globToRegexLiteral(p))
	}
	for _, p := range m.Permissions.FilesystemWrite {
		fmt.Fprintf(&b, "(allow file-write* (regex #%q))\n", globToRegexLiteral(p))
	}
	if len(m.Permissions.NetworkDomains) > 0 {
		b.WriteString("(allow network-outbound)\n")
	}
	return Profile{OS: "darwin", Text: b.String()}
}

// BuildLinuxProfile emits a seccomp-style syscall allowlist description:
// socket/connect only if networking is declared, execve blocked unless
// shell is declared, ptrace/mount/reboot always blocked.
func BuildLinuxProfile(m *GearManifest) Profile {
	var b strings.Builder
	b.WriteString("syscall allowlist (default: deny)\n")
	b.WriteString("allow: read, write, open, openat, close, stat, fstat, mmap, munmap, brk, exit, exit_group\n")

	if len(m.Permissions.NetworkDomains) > 0 {
		b.WriteString("allow: socket, connect\n")
	} else {
		b.WriteString("deny: socket, connect\n")
	}
	if m.Permissions.Shell {
		b.WriteString("allow: execve\n")
	} else {
		b.WriteString("deny: execve\n")
	}
	b.WriteString("deny: ptrace, mount, umount2, reboot\n")
	fmt.Fprintf(&b, "max_memory_bytes: %d\n", m.Limits.MaxMemoryBytes)

	return Profile{OS: "linux", Text: b.String()}
}

// globToRegexLiteral is a minimal glob->regex conversion sufficient for
// embedding patterns into a sandbox-exec regex literal; it is not a general
// glob engine (see PathValidator/doublestar for actual path matching).
func globToRegexLiteral(glob string) string {
	replacer := strings.NewReplacer(".", `\.`, "**", ".*", "*", "[^/]*")
	return "^" + replacer.Replace(glob) + "$"
}
