package proxy

import (
	"os/exec"
	"strings"
)

// GitBranch returns the checked-out branch for dir, or nil when dir is
// not a work tree. A detached HEAD reports as "detached:<short-sha>".
func GitBranch(dir string) *string {
	cmd := exec.Command("git", "rev-parse", "--abbrev-ref", "HEAD")
	cmd.Dir = dir
	out, err := cmd.Output()
	if err != nil {
		return nil
	}
	branch := strings.TrimSpace(string(out))
	if branch == "" {
		return nil
	}
	if branch != "HEAD" {
		return &branch
	}

	cmd = exec.Command("git", "rev-parse", "--short", "HEAD")
	cmd.Dir = dir
	out, err = cmd.Output()
	if err != nil {
		return nil
	}
	short := strings.TrimSpace(string(out))
	if short == "" {
		return nil
	}
	detached := "detached:" + short
	return &detached
}
