// Package worktree provisions a per-mission Git worktree so a mission's
// generated PRD, task list, and task execution all happen against an
// isolated checkout rather than the project's primary working tree.
package worktree

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/kandev/missionctl/internal/logger"
)

const defaultGitTimeout = 30 * time.Second

var consecutiveHyphens = regexp.MustCompile(`-+`)

// Provider is the contract MissionDriver depends on, kept narrow and
// swappable so a non-Git backend could satisfy it later.
type Provider interface {
	// CreateWorktree checks out a new branch for missionID off the
	// project's default branch, siblings the worktree directory next to
	// repoPath, and returns the absolute worktree path.
	CreateWorktree(ctx context.Context, repoPath, missionID, featureName string) (string, error)
	// RemoveWorktree tears down a worktree created by CreateWorktree.
	RemoveWorktree(ctx context.Context, repoPath, worktreePath string) error
}

// GitProvider shells out to the git CLI.
type GitProvider struct {
	log *logger.Logger
}

// New creates a GitProvider.
func New(log *logger.Logger) *GitProvider {
	return &GitProvider{log: log}
}

var _ Provider = (*GitProvider)(nil)

// CreateWorktree runs `git worktree add -b feature/<sanitized-name>
// <sibling-path>` against repoPath, returning the new worktree's path.
func (p *GitProvider) CreateWorktree(ctx context.Context, repoPath, missionID, featureName string) (string, error) {
	branch := "feature/" + sanitizeForBranch(featureName, 40)
	worktreePath := filepath.Join(filepath.Dir(repoPath), filepath.Base(repoPath)+"-"+missionID)

	ctx, cancel := context.WithTimeout(ctx, defaultGitTimeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, "git", "worktree", "add", "-b", branch, worktreePath)
	cmd.Dir = repoPath
	out, err := cmd.CombinedOutput()
	if err != nil {
		if p.log != nil {
			p.log.Error("worktree: git worktree add failed",
				zap.String("mission_id", missionID),
				zap.String("branch", branch),
				zap.String("output", string(out)),
				zap.Error(err),
			)
		}
		return "", fmt.Errorf("git worktree add for mission %s: %w (%s)", missionID, err, strings.TrimSpace(string(out)))
	}
	return worktreePath, nil
}

// RemoveWorktree runs `git worktree remove --force`, falling back to a
// plain directory removal if Git leaves it behind (e.g. the worktree
// directory was deleted out-of-band already).
func (p *GitProvider) RemoveWorktree(ctx context.Context, repoPath, worktreePath string) error {
	ctx, cancel := context.WithTimeout(ctx, defaultGitTimeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, "git", "worktree", "remove", "--force", worktreePath)
	cmd.Dir = repoPath
	if out, err := cmd.CombinedOutput(); err != nil {
		if p.log != nil {
			p.log.Debug("worktree: git worktree remove failed, falling back to rmdir",
				zap.String("path", worktreePath),
				zap.String("output", string(out)),
			)
		}
		if rmErr := os.RemoveAll(worktreePath); rmErr != nil {
			return fmt.Errorf("removing worktree dir %s: %w", worktreePath, rmErr)
		}
	}

	pruneCmd := exec.CommandContext(ctx, "git", "worktree", "prune")
	pruneCmd.Dir = repoPath
	_ = pruneCmd.Run()
	return nil
}

// sanitizeForBranch lowercases title, turns spaces into hyphens, drops every
// other rune outside [a-z0-9-], collapses repeated hyphens, strips leading
// and trailing ones, and trims to maxLen; an empty result becomes "mission".
func sanitizeForBranch(title string, maxLen int) string {
	if title == "" {
		return "mission"
	}
	var sb strings.Builder
	for _, r := range strings.ToLower(title) {
		switch {
		case (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') || r == '-':
			sb.WriteRune(r)
		case r == ' ':
			sb.WriteRune('-')
		}
	}
	result := consecutiveHyphens.ReplaceAllString(sb.String(), "-")
	result = strings.Trim(result, "-")
	if result == "" {
		result = "mission"
	}
	if len(result) > maxLen {
		result = strings.Trim(result[:maxLen], "-")
	}
	return result
}
