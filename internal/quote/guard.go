package quote

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/oceanprotocol/uploader-backend/internal/signature"
)

type nonceRepo interface {
	AdvanceNonce(ctx context.Context, id string, nonce int64) (bool, error)
}

// Credentials are the nonce and signature a client presents with a
// quote bound request.
type Credentials struct {
	Nonce     string
	Signature string
}

func (c Credentials) Missing() bool {
	return c.Nonce == "" || c.Signature == ""
}

func (c Credentials) parseNonce() (int64, error) {
	nonce, err := strconv.ParseInt(c.Nonce, 10, 64)
	if err != nil {
		return 0, NewError(KindInvalidInput, "Nonce value invalid.", err)
	}
	return nonce, nil
}

// Guard authorizes requests against quotes.
type Guard struct {
	repo    nonceRepo
	signers map[string]struct{}
	now     func() time.Time
}

// NewGuard returns a Guard. With a non empty allowedSigners only those
// addresses may sign, otherwise any valid signature is accepted.
func NewGuard(repo nonceRepo, allowedSigners []string) *Guard {
	g := &Guard{
		repo: repo,
		now:  time.Now,
	}
	if len(allowedSigners) > 0 {
		g.signers = make(map[string]struct{}, len(allowedSigners))
		for _, s := range allowedSigners {
			g.signers[strings.ToLower(s)] = struct{}{}
		}
	}
	return g
}

// Authorize checks c against q and, on success, consumes the nonce. The
// checks run in a fixed order: presence, expiry, nonce freshness, signature.
// A nonce is only consumed once the signature has been verified, and the
// store advances it with a compare and swap so concurrent requests carrying
// the same nonce cannot both pass.
func (g *Guard) Authorize(ctx context.Context, q *Quote, c Credentials) (int64, error) {
	if c.Missing() {
		return 0, ErrMissingParameters
	}
	if q.Expired(g.now()) {
		return 0, ErrQuoteExpired
	}

	nonce, err := c.parseNonce()
	if err != nil {
		return 0, err
	}
	if nonce <= q.Nonce {
		return 0, ErrStaleNonce
	}

	if err := g.verify(q.QuoteID, nonce, c.Signature, ""); err != nil {
		return 0, err
	}

	ok, err := g.repo.AdvanceNonce(ctx, q.ID, nonce)
	if err != nil {
		return 0, NewError(KindInternal, "", fmt.Errorf("repo.AdvanceNonce: %w", err))
	}
	if !ok {
		return 0, ErrStaleNonce
	}
	q.Nonce = nonce
	return nonce, nil
}

// AuthorizeOwner checks that c is signed by owner over (owner, nonce). It
// does not consume the nonce.
func (g *Guard) AuthorizeOwner(owner string, c Credentials) (int64, error) {
	if owner == "" || c.Missing() {
		return 0, ErrMissingParameters
	}
	nonce, err := c.parseNonce()
	if err != nil {
		return 0, err
	}
	if err := g.verify(owner, nonce, c.Signature, owner); err != nil {
		return 0, err
	}
	return nonce, nil
}

func (g *Guard) verify(subject string, nonce int64, sig, want string) error {
	signer, err := signature.RecoverSigner(subject, nonce, sig)
	if err != nil {
		return NewError(KindInvalidSignature, "", err)
	}
	if want != "" && !signature.SameAddress(signer, want) {
		return NewError(KindInvalidSignature, "", fmt.Errorf("signed by %s", signer))
	}
	if g.signers != nil {
		if _, ok := g.signers[strings.ToLower(signer)]; !ok {
			return NewError(KindInvalidSignature, "", fmt.Errorf("signer %s not allowed", signer))
		}
	}
	return nil
}
