package runstate

import (
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"syscall"
)

// runningPID reports whether pid belongs to a live process. Zombies do not
// count: the run.pid of a finished run must read as dead even before the
// parent has reaped it.
func runningPID(pid int) bool {
	if pid <= 0 {
		return false
	}
	switch procState(pid) {
	case 'Z', 'X':
		return false
	}
	err := syscall.Kill(pid, 0)
	// EPERM still proves the process exists.
	return err == nil || errors.Is(err, syscall.EPERM)
}

// procState returns the kernel's single-letter state for pid, preferring
// procfs and falling back to ps where /proc is absent. Returns 0 when the
// state cannot be determined.
func procState(pid int) byte {
	if b, err := os.ReadFile(fmt.Sprintf("/proc/%d/stat", pid)); err == nil {
		// The state letter follows the parenthesized command name, which may
		// itself contain spaces and parens.
		line := string(b)
		if i := strings.LastIndexByte(line, ')'); i >= 0 && i+2 < len(line) {
			return line[i+2]
		}
		return 0
	}
	out, err := exec.Command("ps", "-o", "state=", "-p", strconv.Itoa(pid)).Output()
	if err != nil {
		return 0
	}
	s := strings.TrimSpace(string(out))
	if s == "" {
		return 0
	}
	return s[0]
}
