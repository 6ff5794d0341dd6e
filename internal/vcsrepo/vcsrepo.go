// Package vcsrepo adapts go-git to the narrow repository operations the
// timestamping pipeline needs: reading a commit's parent and tree
// digests, walking ancestry, staging LTV files, and creating a new
// timestamp commit. Adapted from
// thc1006-nephoran-intent-operator/pkg/git/client.go's Client, generalized
// from a fixed deployment-repo path to an arbitrary local working copy and
// from CommitAndPush's always-push flow to a local-only commit (pushing,
// if wanted, is left to the surrounding git workflow).
package vcsrepo

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/config"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/object"

	"github.com/georgepadayatti/tstamp/internal/appcheck"
)

// Repo wraps a go-git repository opened from a local working copy.
type Repo struct {
	path string
	repo *git.Repository
}

// Open opens the repository rooted at path (must already exist; this
// package never clones or inits one, unlike its teacher, since the
// timestamping hook always runs inside an existing checkout).
func Open(path string) (*Repo, error) {
	r, err := git.PlainOpen(path)
	if err != nil {
		return nil, fmt.Errorf("open repository at %s: %w", path, err)
	}
	return &Repo{path: path, repo: r}, nil
}

// Path returns the repository's working-tree root.
func (r *Repo) Path() string { return r.path }

// HeadCommit returns the commit HEAD currently points at.
func (r *Repo) HeadCommit() (*object.Commit, error) {
	head, err := r.repo.Head()
	if err != nil {
		return nil, fmt.Errorf("resolve HEAD: %w", err)
	}
	return r.repo.CommitObject(head.Hash())
}

// CommitByHash resolves a commit by its full hex hash.
func (r *Repo) CommitByHash(hash string) (*object.Commit, error) {
	return r.repo.CommitObject(plumbing.NewHash(hash))
}

// ResolveCommit resolves ref (a branch, tag, or partial/full hash, in any
// form `git rev-parse` accepts) to a commit, for the `validate [<ref>]`
// CLI command's default-to-HEAD argument.
func (r *Repo) ResolveCommit(ref string) (*object.Commit, error) {
	hash, err := r.repo.ResolveRevision(plumbing.Revision(ref))
	if err != nil {
		return nil, fmt.Errorf("resolve %q: %w", ref, err)
	}
	return r.repo.CommitObject(*hash)
}

// TreeHex returns the lowercase hex tree-object hash for commit.
func TreeHex(commit *object.Commit) string {
	return commit.TreeHash.String()
}

// ParentHex returns the lowercase hex hash of commit's first parent, or
// the empty string for a root commit (internal/digest then formats that
// empty string into the preimage like any other parent value).
func ParentHex(commit *object.Commit) string {
	if commit.NumParents() == 0 {
		return ""
	}
	return commit.ParentHashes[0].String()
}

// Parents returns every parent of commit, in order, for walking merge
// commits during validation (spec.md §4.9's DFS).
func (r *Repo) Parents(commit *object.Commit) ([]*object.Commit, error) {
	var parents []*object.Commit
	iter := commit.Parents()
	err := iter.ForEach(func(c *object.Commit) error {
		parents = append(parents, c)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("walk parents of %s: %w", commit.Hash, err)
	}
	return parents, nil
}

// StageAndCommit writes files (relative paths -> content) into the
// working tree, stages them, and creates a commit with message atop
// HEAD. It returns the new commit object. Message trailers (the
// TOKEN_VERSION/DIGEST/Timestamp lines) are the caller's responsibility
// to have already embedded in message.
func (r *Repo) StageAndCommit(files map[string][]byte, message string, author object.Signature) (*object.Commit, error) {
	wt, err := r.repo.Worktree()
	if err != nil {
		return nil, fmt.Errorf("get worktree: %w", err)
	}
	for path, content := range files {
		full := filepath.Join(r.path, path)
		if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
			return nil, fmt.Errorf("create directory for %s: %w", path, err)
		}
		if err := os.WriteFile(full, content, 0o644); err != nil {
			return nil, fmt.Errorf("write %s: %w", path, err)
		}
		if _, err := wt.Add(path); err != nil {
			return nil, fmt.Errorf("stage %s: %w", path, err)
		}
	}

	hash, err := wt.Commit(message, &git.CommitOptions{
		Author:            &author,
		Committer:         &author,
		AllowEmptyCommits: true,
	})
	if err != nil {
		return nil, fmt.Errorf("commit: %w", err)
	}
	return r.repo.CommitObject(hash)
}

// ResetSoft moves HEAD (and the branch ref it points at) back to commit
// without touching the working tree or index, so the orchestrator's
// fixed-point loop can discard a candidate commit and recommit the same
// staged files with a fresh trailer set once the tree digest has
// stabilized on a different iteration's content.
func (r *Repo) ResetSoft(commit *object.Commit) error {
	wt, err := r.repo.Worktree()
	if err != nil {
		return fmt.Errorf("get worktree: %w", err)
	}
	return wt.Reset(&git.ResetOptions{Commit: commit.Hash, Mode: git.SoftReset})
}

// Config returns the repository's whole parsed config (go-git's own
// .git/config parser, rather than shelling out to `git config`).
func (r *Repo) Config() (*config.Config, error) {
	return r.repo.Config()
}

// GetConfigString reads a single `timestamping.<sub>.<key>` value,
// returning ("", false) if unset, for tsaconfig's scan-until-missing loop.
func (r *Repo) GetConfigString(section, subsection, key string) (string, bool) {
	cfg, err := r.repo.Config()
	if err != nil {
		return "", false
	}
	sect := cfg.Raw.Section(section)
	if subsection != "" {
		sub := sect.Subsection(subsection)
		if !sub.HasOption(key) {
			return "", false
		}
		return sub.Option(key), true
	}
	if !sect.HasOption(key) {
		return "", false
	}
	return sect.Option(key), true
}

// WrapCorrupt classifies a go-git error surfaced during validation as a
// RepositoryCorrupt app error.
func WrapCorrupt(context string, err error) error {
	if err == nil {
		return nil
	}
	return appcheck.NewRepositoryCorrupt(fmt.Sprintf("%s: %v", context, err))
}

// CommitTime returns the commit's authored time.
func CommitTime(commit *object.Commit) time.Time {
	return commit.Author.When
}

// ReadFileAtCommit returns the content of relPath as it existed in
// commit's tree (the `git show C:<path>` the validator walker falls back
// to when a later commit has since rewritten or removed the working
// copy's own LTV file).
func (r *Repo) ReadFileAtCommit(commit *object.Commit, relPath string) ([]byte, error) {
	tree, err := commit.Tree()
	if err != nil {
		return nil, fmt.Errorf("read tree of %s: %w", commit.Hash, err)
	}
	f, err := tree.File(relPath)
	if err != nil {
		return nil, fmt.Errorf("%s not present at %s: %w", relPath, commit.Hash, err)
	}
	contents, err := f.Contents()
	if err != nil {
		return nil, fmt.Errorf("read %s at %s: %w", relPath, commit.Hash, err)
	}
	return []byte(contents), nil
}

// Integrity runs the lightest possible repository sanity check this
// package can perform without shelling out to `git fsck`: every commit
// reachable from ref must itself be readable, and its tree must resolve.
// Deeper object-level corruption (bad zlib streams, broken pack indices)
// is the VCS's own `fsck`'s job and stays out of scope here, matching
// RepositoryCorrupt's documented validate-path-only role.
func (r *Repo) Integrity(ref *object.Commit) error {
	visited := map[string]bool{}
	frontier := []*object.Commit{ref}
	for len(frontier) > 0 {
		c := frontier[0]
		frontier = frontier[1:]
		if visited[c.Hash.String()] {
			continue
		}
		visited[c.Hash.String()] = true

		if _, err := c.Tree(); err != nil {
			return WrapCorrupt(fmt.Sprintf("tree of %s", c.Hash), err)
		}
		parents, err := r.Parents(c)
		if err != nil {
			return WrapCorrupt(fmt.Sprintf("parents of %s", c.Hash), err)
		}
		frontier = append(frontier, parents...)
	}
	return nil
}
