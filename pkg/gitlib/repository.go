package gitlib

import (
	"context"
	"errors"
	"fmt"

	git2go "github.com/libgit2/git2go/v34"
)

// Sentinel errors.
var (
	ErrClone      = errors.New("clone failed")
	ErrRevision   = errors.New("revision not found")
	ErrCheckout   = errors.New("checkout failed")
	ErrNotOpen    = errors.New("repository is closed")
	ErrEmptyInput = errors.New("empty repository URL or revision")
)

// Repository wraps a libgit2 repository with a working tree.
type Repository struct {
	repo *git2go.Repository
	path string
}

// OpenRepository opens a git repository at the given path.
func OpenRepository(path string) (*Repository, error) {
	repo, err := git2go.OpenRepository(path)
	if err != nil {
		return nil, fmt.Errorf("open repository: %w", err)
	}

	return &Repository{repo: repo, path: path}, nil
}

// Clone clones url into dir. Cancelling ctx aborts the transfer.
func Clone(ctx context.Context, url, dir string) (*Repository, error) {
	if url == "" {
		return nil, ErrEmptyInput
	}

	opts := &git2go.CloneOptions{
		FetchOptions: git2go.FetchOptions{
			RemoteCallbacks: git2go.RemoteCallbacks{
				TransferProgressCallback: func(git2go.TransferProgress) error {
					return ctx.Err()
				},
			},
		},
	}

	repo, err := git2go.Clone(url, dir, opts)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, fmt.Errorf("%w: %s: %w", ErrClone, url, ctxErr)
		}

		return nil, fmt.Errorf("%w: %s: %w", ErrClone, url, err)
	}

	return &Repository{repo: repo, path: dir}, nil
}

// Path returns the repository working directory.
func (r *Repository) Path() string {
	return r.path
}

// Free releases the repository resources.
func (r *Repository) Free() {
	if r.repo != nil {
		r.repo.Free()
		r.repo = nil
	}
}

// Head returns the commit HEAD points at.
func (r *Repository) Head() (Hash, error) {
	if r.repo == nil {
		return Hash{}, ErrNotOpen
	}

	ref, err := r.repo.Head()
	if err != nil {
		return Hash{}, fmt.Errorf("get HEAD: %w", err)
	}
	defer ref.Free()

	return HashFromOid(ref.Target()), nil
}

// ResolveCommit resolves a full or abbreviated revision to a commit hash.
func (r *Repository) ResolveCommit(rev string) (Hash, error) {
	commit, err := r.lookupCommit(rev)
	if err != nil {
		return Hash{}, err
	}
	defer commit.Free()

	return HashFromOid(commit.Id()), nil
}

// CheckoutDetached force-checks out rev into the working tree and detaches HEAD there.
func (r *Repository) CheckoutDetached(rev string) (Hash, error) {
	commit, err := r.lookupCommit(rev)
	if err != nil {
		return Hash{}, err
	}
	defer commit.Free()

	tree, err := commit.Tree()
	if err != nil {
		return Hash{}, fmt.Errorf("%w: tree of %s: %w", ErrCheckout, rev, err)
	}
	defer tree.Free()

	err = r.repo.CheckoutTree(tree, &git2go.CheckoutOptions{Strategy: git2go.CheckoutForce})
	if err != nil {
		return Hash{}, fmt.Errorf("%w: %s: %w", ErrCheckout, rev, err)
	}

	err = r.repo.SetHeadDetached(commit.Id())
	if err != nil {
		return Hash{}, fmt.Errorf("%w: detach HEAD at %s: %w", ErrCheckout, rev, err)
	}

	return HashFromOid(commit.Id()), nil
}

func (r *Repository) lookupCommit(rev string) (*git2go.Commit, error) {
	if r.repo == nil {
		return nil, ErrNotOpen
	}

	if rev == "" {
		return nil, ErrEmptyInput
	}

	obj, err := r.repo.RevparseSingle(rev)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrRevision, rev, err)
	}
	defer obj.Free()

	commit, err := obj.AsCommit()
	if err != nil {
		return nil, fmt.Errorf("%w: %s is not a commit: %w", ErrRevision, rev, err)
	}

	return commit, nil
}
