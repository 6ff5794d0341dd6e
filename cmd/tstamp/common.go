package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/georgepadayatti/tstamp/internal/chainbuilder"
	"github.com/georgepadayatti/tstamp/internal/ltvstore"
	"github.com/georgepadayatti/tstamp/internal/vcsrepo"
)

// trustStoreDir is the repository-relative path spec.md §3 names for
// installed TSA root certificates.
func trustStoreDir(repo *vcsrepo.Repo) string {
	return filepath.Join(repo.Path(), ".git", "hooks", "trustanchors")
}

// openRepo resolves the working copy tstamp operates on: the directory
// named by -C, or the process's current working directory.
func openRepo(dir string) (*vcsrepo.Repo, error) {
	if dir == "" {
		wd, err := os.Getwd()
		if err != nil {
			return nil, fmt.Errorf("getwd: %w", err)
		}
		dir = wd
	}
	return vcsrepo.Open(dir)
}

// openComponents wires the repository, LTV store, and trust store every
// subcommand except `trust` needs.
func openComponents(dir string) (*vcsrepo.Repo, *ltvstore.Store, *chainbuilder.TrustStore, error) {
	repo, err := openRepo(dir)
	if err != nil {
		return nil, nil, nil, err
	}
	store := ltvstore.New(repo.Path())
	trust, err := chainbuilder.LoadTrustStore(trustStoreDir(repo))
	if err != nil {
		return nil, nil, nil, fmt.Errorf("load trust store: %w", err)
	}
	return repo, store, trust, nil
}
