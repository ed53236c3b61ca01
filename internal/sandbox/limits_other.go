//go:build !linux

package sandbox

import "os/exec"

// applyResourceLimits is a no-op outside Linux: the child gets no process
// group of its own and no resource limit.
func applyResourceLimits(cmd *exec.Cmd, limits ResourceLimits) {}
