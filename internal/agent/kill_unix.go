//go:build unix

package agent

import (
	"errors"
	"fmt"

	"golang.org/x/sys/unix"
)

func terminate(pid int) error {
	if err := unix.Kill(pid, unix.SIGTERM); err != nil && !errors.Is(err, unix.ESRCH) {
		return fmt.Errorf("kill %d: %w", pid, err)
	}
	return nil
}
