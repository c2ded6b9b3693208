// Package gitctl executes the fixed set of git subcommands the Improvement
// Engine needs to create, commit, and roll back an auto-improvement
// branch: checkout -b, checkout -, branch -D, add ., commit -m.
package gitctl

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strings"
)

// Controller runs git commands against a single project's working tree.
type Controller struct {
	// Dir is the project's local directory — every command's CWD.
	Dir string
}

// New builds a Controller rooted at dir.
func New(dir string) *Controller {
	return &Controller{Dir: dir}
}

func (c *Controller) run(ctx context.Context, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Dir = c.Dir

	var out, stderr bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		return out.String(), fmt.Errorf("git %v: %w: %s", args, err, stderr.String())
	}
	return out.String(), nil
}

// CreateBranch creates and checks out a new branch from the current HEAD.
func (c *Controller) CreateBranch(ctx context.Context, name string) error {
	_, err := c.run(ctx, "checkout", "-b", name)
	return err
}

// CheckoutPrevious returns to the branch that was checked out before the
// current one (git checkout -).
func (c *Controller) CheckoutPrevious(ctx context.Context) error {
	_, err := c.run(ctx, "checkout", "-")
	return err
}

// DeleteBranch force-deletes a local branch. Missing branches are not an
// error — callers use this for best-effort rollback cleanup.
func (c *Controller) DeleteBranch(ctx context.Context, name string) error {
	_, err := c.run(ctx, "branch", "-D", name)
	if err != nil && strings.Contains(err.Error(), "not found") {
		return nil
	}
	return err
}

// StageAll stages every change in the working tree (git add .).
func (c *Controller) StageAll(ctx context.Context) error {
	_, err := c.run(ctx, "add", ".")
	return err
}

// Commit commits staged changes with the given message.
func (c *Controller) Commit(ctx context.Context, message string) error {
	_, err := c.run(ctx, "commit", "-m", message)
	return err
}

// Rollback abandons an auto-improvement branch: checks out the previous
// branch and force-deletes the failed one. Both steps are attempted even
// if the first fails, and the first error encountered is returned.
func (c *Controller) Rollback(ctx context.Context, branchName string) error {
	checkoutErr := c.CheckoutPrevious(ctx)
	deleteErr := c.DeleteBranch(ctx, branchName)
	if checkoutErr != nil {
		return checkoutErr
	}
	return deleteErr
}
