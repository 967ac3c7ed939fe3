//go:build unix

package execx

import (
	"os/exec"
	"syscall"
)

// detach puts the child in its own process group so signals aimed at the
// master do not reach spawned nodes.
func detach(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
}
