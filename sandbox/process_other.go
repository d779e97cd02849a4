//go:build !unix

package sandbox

import "os/exec"

// setProcessGroup is a no-op; the default Cancel kills the direct process only.
func setProcessGroup(cmd *exec.Cmd) {}
