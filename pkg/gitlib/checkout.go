package gitlib

import (
	"context"
	"log/slog"
	"time"
)

// Checkouter materializes a repository at a commit into a directory.
type Checkouter struct {
	logger *slog.Logger
}

// NewCheckouter creates a Checkouter.
func NewCheckouter(logger *slog.Logger) *Checkouter {
	if logger == nil {
		logger = slog.Default()
	}

	return &Checkouter{logger: logger}
}

// Checkout clones projectURL into dir and detaches HEAD at commitID.
func (c *Checkouter) Checkout(ctx context.Context, projectURL, commitID, dir string) error {
	start := time.Now()

	repo, err := Clone(ctx, projectURL, dir)
	if err != nil {
		return err
	}
	defer repo.Free()

	head, err := repo.CheckoutDetached(commitID)
	if err != nil {
		return err
	}

	c.logger.DebugContext(ctx, "repository checked out",
		"url", projectURL, "commit", head.Short(), "dir", dir, "duration", time.Since(start))

	return nil
}
