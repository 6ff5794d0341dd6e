// Package walker implements C9: the validator walker that re-derives, from
// the VCS history alone, whether every timestamp commit on a branch still
// carries at least one valid RFC3161 token. Adapted from
// certvalidator/validator.go's CertificateValidator, generalized from a
// single cert's validate_usage call into a DFS over a whole commit graph.
package walker

import (
	"bytes"
	"context"
	"crypto"
	"crypto/x509"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/go-git/go-git/v5/plumbing/object"
	"github.com/jonboulle/clockwork"
	"golang.org/x/crypto/ocsp"

	"github.com/georgepadayatti/tstamp/internal/appcheck"
	"github.com/georgepadayatti/tstamp/internal/chainbuilder"
	digestpkg "github.com/georgepadayatti/tstamp/internal/digest"
	"github.com/georgepadayatti/tstamp/internal/ltvstore"
	"github.com/georgepadayatti/tstamp/internal/orchestrator"
	"github.com/georgepadayatti/tstamp/internal/primitives"
	"github.com/georgepadayatti/tstamp/internal/revocation"
	"github.com/georgepadayatti/tstamp/internal/tokenvalidator"
	"github.com/georgepadayatti/tstamp/internal/tsaclient"
	"github.com/georgepadayatti/tstamp/internal/vcsrepo"
)

// Walker runs validate(commit_ref) against one repository.
type Walker struct {
	Repo      *vcsrepo.Repo
	Store     *ltvstore.Store
	Trust     *chainbuilder.TrustStore
	Builder   *chainbuilder.Builder
	Validator *tokenvalidator.Validator
	Clock     clockwork.Clock

	// Warnf receives a human-readable line for each invalid token found
	// alongside valid ones, per spec.md §4.9's "warn on invalids alongside
	// valids". Nil is a valid no-op sink.
	Warnf func(format string, args ...any)

	// NewClient builds the requester used for the tier-3 chain rebuild
	// fallback. Defaults to wrapping tsaclient.Client.
	NewClient func(url string) chainbuilder.TokenRequester
}

// New wires a Walker from an open repository, its LTV store, and trust
// store, using the real wall clock for the present-time check.
func New(repo *vcsrepo.Repo, store *ltvstore.Store, trust *chainbuilder.TrustStore) *Walker {
	return &Walker{
		Repo:      repo,
		Store:     store,
		Trust:     trust,
		Builder:   chainbuilder.New(trust),
		Validator: tokenvalidator.New(trust),
		Clock:     clockwork.NewRealClock(),
		NewClient: func(url string) chainbuilder.TokenRequester { return tsaclient.New(url) },
	}
}

func (w *Walker) warn(format string, args ...any) {
	if w.Warnf != nil {
		w.Warnf(format, args...)
	}
}

// TokenResult is one Timestamp: trailer's validation outcome.
type TokenResult struct {
	TSAURL  string
	Valid   bool
	Err     error
	GenTime time.Time
}

// CommitResult is one commit's validation outcome. IsTimestamp is false for
// ordinary content commits, which are always OK and carry no tokens.
type CommitResult struct {
	Hash               string
	IsTimestamp        bool
	OK                 bool
	Tokens             []TokenResult
	EffectiveTimestamp time.Time
}

// Result is the outcome of a full DFS from a starting commit.
type Result struct {
	OK      bool
	Commits []CommitResult
}

// Validate implements spec.md §4.9's validate(commit_ref): an integrity
// check, then a DFS over commit_ref's ancestry with a visited set so a
// commit reachable through more than one branch is only checked once.
func (w *Walker) Validate(ctx context.Context, commitRef *object.Commit) (*Result, error) {
	if err := w.Repo.Integrity(commitRef); err != nil {
		return nil, err
	}

	res := &Result{OK: true}
	visited := map[string]bool{}

	var dfs func(c *object.Commit) error
	dfs = func(c *object.Commit) error {
		if visited[c.Hash.String()] {
			return nil
		}
		visited[c.Hash.String()] = true

		cr, err := w.validateCommit(ctx, c)
		if err != nil {
			return err
		}
		res.Commits = append(res.Commits, *cr)
		if cr.IsTimestamp && !cr.OK {
			res.OK = false
		}

		parents, err := w.Repo.Parents(c)
		if err != nil {
			return vcsrepo.WrapCorrupt("walk ancestors", err)
		}
		for _, p := range parents {
			if err := dfs(p); err != nil {
				return err
			}
		}
		return nil
	}

	if err := dfs(commitRef); err != nil {
		return nil, err
	}
	return res, nil
}

// validateCommit implements validate_commit(C). A non-timestamp commit is
// trivially OK; a malformed message makes the commit invalid rather than
// erroring the whole walk, so one bad commit doesn't abort validation of
// the rest of the graph.
func (w *Walker) validateCommit(ctx context.Context, c *object.Commit) (*CommitResult, error) {
	cr := &CommitResult{Hash: c.Hash.String()}
	if !orchestrator.IsTimestampCommit(c.Message) {
		cr.OK = true
		return cr, nil
	}
	cr.IsTimestamp = true

	pm, err := orchestrator.ParseMessage(c.Message)
	if err != nil {
		w.warn("commit %s: malformed timestamp message: %v", c.Hash, err)
		return cr, nil
	}
	if len(pm.Tokens) == 0 {
		w.warn("commit %s: timestamp commit carries no token trailers", c.Hash)
		return cr, nil
	}

	expected, err := w.expectedDigest(c, pm)
	if err != nil {
		w.warn("commit %s: cannot compute expected digest: %v", c.Hash, err)
		return cr, nil
	}

	var earliest time.Time
	for _, trailer := range pm.Tokens {
		tr := w.validateToken(ctx, c, trailer, expected)
		cr.Tokens = append(cr.Tokens, tr)
		if tr.Valid {
			cr.OK = true
			if earliest.IsZero() || tr.GenTime.Before(earliest) {
				earliest = tr.GenTime
			}
		} else {
			w.warn("commit %s: token from %s invalid: %v", c.Hash, trailer.TSAURL, tr.Err)
		}
	}
	cr.EffectiveTimestamp = earliest
	return cr, nil
}

// expectedDigest recomputes the digest a commit's tokens must certify,
// independently of whatever the commit message's own Digest: trailer
// claims: for V=0 it is the raw parent commit hash; for V≥1 it is
// digest(tree(C), parent(C)) via internal/digest.
func (w *Walker) expectedDigest(c *object.Commit, pm *orchestrator.ParsedMessage) ([]byte, error) {
	parentHex := vcsrepo.ParentHex(c)
	if pm.Version == 0 {
		b, err := hex.DecodeString(parentHex)
		if err != nil {
			return nil, fmt.Errorf("decode parent hash %q: %w", parentHex, err)
		}
		return b, nil
	}
	alg, err := primitives.HashAlgByName(pm.HashAlgo)
	if err != nil {
		alg = crypto.SHA256
	}
	return digestpkg.Digest(alg, parentHex, vcsrepo.TreeHex(c)), nil
}

// validateToken runs the five per-token checks spec.md §4.9 lists, in
// order, short-circuiting at the first failure.
func (w *Walker) validateToken(ctx context.Context, c *object.Commit, trailer orchestrator.ParsedTrailer, expected []byte) TokenResult {
	tr := TokenResult{TSAURL: trailer.TSAURL}
	if trailer.Body == nil {
		tr.Err = fmt.Errorf("trailer body failed to base64-decode")
		return tr
	}
	tok, err := primitives.ParseToken(trailer.Body)
	if err != nil {
		tr.Err = fmt.Errorf("parse token: %w", err)
		return tr
	}
	tr.GenTime = primitives.TokenGenTime(tok)

	_, imprint := primitives.TokenMessageImprint(tok)
	if !bytes.Equal(imprint, expected) {
		tr.Err = appcheck.NewDigestMismatch(primitives.HexLower(expected), primitives.HexLower(imprint))
		return tr
	}

	iid := tok.IssuerIDHex
	if iid == "" {
		tr.Err = appcheck.NewChainIncomplete("token carries no signing-certificate identifier")
		return tr
	}

	chain, err := w.resolveChain(ctx, c, trailer, tok, iid)
	if err != nil {
		tr.Err = err
		return tr
	}

	if err := primitives.VerifyTokenSignature(tok.Raw, chain); err != nil {
		tr.Err = fmt.Errorf("ts_verify failed: %w", err)
		return tr
	}

	historicCRLs, err := w.readHistoricCRLs(c, iid)
	if err != nil {
		tr.Err = err
		return tr
	}
	if err := w.Validator.VerifyHistoricAt(chain, historicCRLs, tr.GenTime); err != nil {
		tr.Err = err
		return tr
	}

	if err := w.verifyPresent(ctx, chain, iid); err != nil {
		tr.Err = err
		return tr
	}

	tr.Valid = true
	return tr
}

// resolveChain implements step 2's three-tier fallback: the working tree's
// own LTV store, then the commit's own historic tree, then a full rebuild
// via C3.
func (w *Walker) resolveChain(ctx context.Context, c *object.Commit, trailer orchestrator.ParsedTrailer, tok *primitives.ParsedToken, iid string) ([]*x509.Certificate, error) {
	if w.Store.HasCert(iid) {
		return w.Store.ReadCert(iid)
	}
	if data, err := w.Repo.ReadFileAtCommit(c, ltvstore.RelPath(ltvstore.CertsDir, iid)); err == nil {
		return ltvstore.DecodeChainPEM(data)
	}
	if trailer.TSAURL == "" {
		return nil, appcheck.NewChainIncomplete("no working-tree or historic chain, and no TSA URL to rebuild from")
	}
	alg, digest := primitives.TokenMessageImprint(tok)
	requester := w.NewClient(trailer.TSAURL)
	return w.Builder.BuildChain(ctx, requester, tok, alg, digest)
}

// readHistoricCRLs reads crls/<iid>.crl as it existed in commit c's own
// tree; a missing file makes the token invalid outright, per spec.md §4.9
// step 4.
func (w *Walker) readHistoricCRLs(c *object.Commit, iid string) ([]*x509.RevocationList, error) {
	relPath := ltvstore.RelPath(ltvstore.CRLsDir, iid)
	data, err := w.Repo.ReadFileAtCommit(c, relPath)
	if err != nil {
		return nil, appcheck.NewLtvMissing(relPath)
	}
	return revocation.ParseCRLBundle(data)
}

// verifyPresent implements step 5: fetch current CRLs; on failure, try
// OCSP as a best-effort secondary signal; unless OCSP reports a
// non-benign revocation, fall back to the CRLs staged in the working tree.
func (w *Walker) verifyPresent(ctx context.Context, chain []*x509.Certificate, iid string) error {
	now := w.Clock.Now()

	if bundle, err := w.Validator.CRL.DownloadCRLs(ctx, chain); err == nil {
		if crls, err := revocation.ParseCRLBundle(bundle); err == nil {
			return w.Validator.VerifyPresentWithCRLs(chain, crls, now)
		}
	}

	if err := w.checkOCSPBestEffort(ctx, chain); err != nil {
		return err
	}

	return w.Validator.VerifyPresent(w.Store, iid, now)
}

// checkOCSPBestEffort consults the leaf's OCSP responder, if any, as the
// secondary revocation source spec.md §4.9 step 5 allows when the CRL
// distribution point is unreachable. Its own unreachability is never
// fatal: absence of a signal is not evidence of anything.
func (w *Walker) checkOCSPBestEffort(ctx context.Context, chain []*x509.Certificate) error {
	if len(chain) < 2 {
		return nil
	}
	leaf, issuer := chain[0], chain[1]
	resp, err := revocation.FetchOCSP(ctx, nil, leaf, issuer)
	if err != nil {
		return nil
	}
	if resp.Status == ocsp.Revoked {
		reason := primitives.CRLReason(resp.RevocationReason)
		if !reason.BenignForTimestamps() {
			return appcheck.NewRevoked(leaf.Subject.String(), reason.String())
		}
	}
	return nil
}
