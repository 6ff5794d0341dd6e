// Package orchestrator implements C8: the post-commit fixed-point loop
// that seals a content commit with one or more RFC3161 tokens, adapted
// from sign/dss/dss.go's DSS.Add loop (stage LTV, recompute digest,
// re-sign until stable) generalized to a tree-level fixed point over a
// VCS commit instead of a single PDF's incremental-update chain.
package orchestrator

import (
	"context"
	"crypto"
	"fmt"
	"os"

	"github.com/go-git/go-git/v5/plumbing/object"
	"github.com/jonboulle/clockwork"

	"github.com/georgepadayatti/tstamp/internal/appcheck"
	"github.com/georgepadayatti/tstamp/internal/chainbuilder"
	digestpkg "github.com/georgepadayatti/tstamp/internal/digest"
	"github.com/georgepadayatti/tstamp/internal/ltvstore"
	"github.com/georgepadayatti/tstamp/internal/primitives"
	"github.com/georgepadayatti/tstamp/internal/tokenvalidator"
	"github.com/georgepadayatti/tstamp/internal/tsaclient"
	"github.com/georgepadayatti/tstamp/internal/tsaconfig"
	"github.com/georgepadayatti/tstamp/internal/vcsrepo"
)

// MaxFixedPointIterations bounds the fixed-point loop (spec.md §4.8);
// exceeding it without convergence is FixedPointDiverged.
const MaxFixedPointIterations = tsaconfig.DefaultFixedPointBound

// Orchestrator runs the post-commit sealing pipeline for one repository.
type Orchestrator struct {
	Repo        *vcsrepo.Repo
	Store       *ltvstore.Store
	Trust       *chainbuilder.TrustStore
	Validator   *tokenvalidator.Validator
	HashAlgo    crypto.Hash
	HashName    string
	Clock       clockwork.Clock
	AuthorName  string
	AuthorEmail string

	// Warnf receives a human-readable warning for each optional-TSA miss
	// (spec.md's B2). Nil is a valid no-op sink.
	Warnf func(format string, args ...any)

	// NewClient builds the requester used to reach a single TSA URL.
	// Defaults to wrapping tsaclient.Client; tests substitute a fake to
	// exercise requestAndValidate without a network round trip.
	NewClient func(url string) chainbuilder.TokenRequester
}

// New wires an Orchestrator from an open repository and its trust store,
// using the real wall clock.
func New(repo *vcsrepo.Repo, store *ltvstore.Store, trust *chainbuilder.TrustStore, alg crypto.Hash, algName, authorName, authorEmail string) *Orchestrator {
	return &Orchestrator{
		Repo:        repo,
		Store:       store,
		Trust:       trust,
		Validator:   tokenvalidator.New(trust),
		HashAlgo:    alg,
		HashName:    algName,
		Clock:       clockwork.NewRealClock(),
		AuthorName:  authorName,
		AuthorEmail: authorEmail,
		NewClient:   func(url string) chainbuilder.TokenRequester { return tsaclient.New(url) },
	}
}

func (o *Orchestrator) signature() object.Signature {
	return object.Signature{Name: o.AuthorName, Email: o.AuthorEmail, When: o.Clock.Now()}
}

func (o *Orchestrator) warn(format string, args ...any) {
	if o.Warnf != nil {
		o.Warnf(format, args...)
	}
}

// Seal runs the full C8 pipeline against the content commit P: the
// ancestor sealing phase, the fixed-point phase, and finalization. On any
// fatal error it soft-rewinds the branch back onto P and returns the
// error; on success it returns the new timestamp commit.
func (o *Orchestrator) Seal(ctx context.Context, p *object.Commit, tsas []tsaconfig.TSA) (*object.Commit, error) {
	if IsTimestampCommit(p.Message) {
		return nil, nil // recursion guard (P6): nothing to do.
	}

	if err := o.sealAncestors(ctx, p); err != nil {
		return nil, err
	}

	final, err := o.fixedPoint(ctx, p, tsas)
	if err != nil {
		if resetErr := o.Repo.ResetSoft(p); resetErr != nil {
			return nil, fmt.Errorf("%w (and soft rewind failed: %v)", err, resetErr)
		}
		return nil, err
	}
	return final, nil
}

// sealAncestors implements the ancestor sealing phase: walk from p
// through ancestors, and at the first timestamp commit reached on each
// branch, refresh CRLs for every token it carries.
func (o *Orchestrator) sealAncestors(ctx context.Context, p *object.Commit) error {
	visited := map[string]bool{}
	frontier, err := o.Repo.Parents(p)
	if err != nil {
		return vcsrepo.WrapCorrupt("walk ancestors", err)
	}

	for len(frontier) > 0 {
		c := frontier[0]
		frontier = frontier[1:]
		if visited[c.Hash.String()] {
			continue
		}
		visited[c.Hash.String()] = true

		if IsTimestampCommit(c.Message) {
			if err := o.refreshTimestampCommit(ctx, c); err != nil {
				return err
			}
			continue // do not walk past the nearest timestamp commit on this branch.
		}

		parents, err := o.Repo.Parents(c)
		if err != nil {
			return vcsrepo.WrapCorrupt("walk ancestors", err)
		}
		frontier = append(frontier, parents...)
	}
	return nil
}

func (o *Orchestrator) refreshTimestampCommit(ctx context.Context, c *object.Commit) error {
	pm, err := ParseMessage(c.Message)
	if err != nil {
		return nil // not a well-formed timestamp commit; nothing to refresh.
	}
	for _, trailer := range pm.Tokens {
		if trailer.Body == nil {
			continue // decoy/corrupt trailer (B4): skip, not fatal.
		}
		tok, err := primitives.ParseToken(trailer.Body)
		if err != nil || tok.IssuerIDHex == "" {
			continue
		}
		if err := o.Validator.RefreshCRLs(ctx, o.Store, tok.IssuerIDHex); err != nil {
			o.warn("ancestor CRL refresh failed for %s: %v", tok.IssuerIDHex, err)
		}
	}
	return nil
}

// fixedPoint implements the fixed-point phase and finalization.
func (o *Orchestrator) fixedPoint(ctx context.Context, p *object.Commit, tsas []tsaconfig.TSA) (*object.Commit, error) {
	parentHex := p.Hash.String()

	var prevDigestHex string
	var sealed []SealedToken

	for iteration := 1; ; iteration++ {
		if iteration > MaxFixedPointIterations {
			return nil, appcheck.NewFixedPointDiverged(iteration - 1)
		}

		provisional, err := o.commitProvisional(p)
		if err != nil {
			return nil, err
		}
		treeHex := vcsrepo.TreeHex(provisional)
		d := digestpkg.Digest(o.HashAlgo, parentHex, treeHex)
		digestHex := primitives.HexLower(d)

		if iteration > 1 && digestHex == prevDigestHex {
			preimage := digestpkg.Preimage(parentHex, treeHex)
			return o.finalize(p, preimage, digestHex, sealed)
		}

		if err := o.Repo.ResetSoft(p); err != nil {
			return nil, vcsrepo.WrapCorrupt("reset before requesting tokens", err)
		}

		newSealed, err := o.requestAndValidate(ctx, tsas, d)
		if err != nil {
			return nil, err
		}
		sealed = newSealed
		prevDigestHex = digestHex
	}
}

// commitProvisional stages whatever the LTV store has written to disk
// since the last reset and creates a throwaway commit atop p, purely to
// learn the resulting tree hash. It is discarded (soft-reset away) unless
// the fixed point has converged.
func (o *Orchestrator) commitProvisional(p *object.Commit) (*object.Commit, error) {
	files, err := filesFromStagedPaths(o.Repo, o.Store.Staged())
	if err != nil {
		return nil, err
	}
	return o.Repo.StageAndCommit(files, SubjectMarker+"\n(provisional)\n", o.signature())
}

// filesFromStagedPaths re-reads the store-relative paths the LTV store
// already wrote to the working tree, since StageAndCommit's write-then-add
// contract needs the content even though it is already on disk.
func filesFromStagedPaths(repo *vcsrepo.Repo, paths []string) (map[string][]byte, error) {
	out := map[string][]byte{}
	for _, rel := range paths {
		data, err := readRepoFile(repo, rel)
		if err != nil {
			return nil, fmt.Errorf("read staged file %s: %w", rel, err)
		}
		out[rel] = data
	}
	return out, nil
}

func (o *Orchestrator) requestAndValidate(ctx context.Context, tsas []tsaconfig.TSA, d []byte) ([]SealedToken, error) {
	var sealed []SealedToken
	for _, tsa := range tsas {
		client := o.NewClient(tsa.URL)
		tok, err := client.RequestToken(ctx, o.HashAlgo, d, false)
		if err != nil {
			if tsa.Optional {
				o.warn("optional TSA %s failed: %v", tsa.URL, err)
				continue
			}
			return nil, err
		}
		if err := o.Validator.VerifyAndSeal(ctx, o.Store, client, tok, o.HashAlgo, d); err != nil {
			if tsa.Optional {
				o.warn("optional TSA %s token failed validation: %v", tsa.URL, err)
				continue
			}
			return nil, err
		}
		sealed = append(sealed, SealedToken{TSAURL: tsa.URL, Token: tok, InfoLine: tok.InfoLine})
	}
	if len(sealed) == 0 {
		return nil, appcheck.NewConfigError("timestamping.tsaN", "every configured TSA failed or was unreachable")
	}
	return sealed, nil
}

func (o *Orchestrator) finalize(p *object.Commit, preimage, digestHex string, sealed []SealedToken) (*object.Commit, error) {
	if err := o.Repo.ResetSoft(p); err != nil {
		return nil, vcsrepo.WrapCorrupt("reset before finalizing", err)
	}
	message := BuildMessage(1, o.HashName, preimage, digestHex, sealed)
	files, err := filesFromStagedPaths(o.Repo, o.Store.Staged())
	if err != nil {
		return nil, err
	}
	final, err := o.Repo.StageAndCommit(files, message, o.signature())
	if err != nil {
		return nil, fmt.Errorf("finalize timestamp commit: %w", err)
	}
	o.Store.StagedReset()
	return final, nil
}

// readRepoFile reads a store-relative path from the repository's working
// tree.
func readRepoFile(repo *vcsrepo.Repo, relPath string) ([]byte, error) {
	return os.ReadFile(repo.Path() + "/" + relPath)
}
