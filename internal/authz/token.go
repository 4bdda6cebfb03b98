package authz

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

const defaultTokenTTL = 7 * 24 * time.Hour

// MembershipClaim is the token-embedded projection of one membership. The
// capability mask is trusted mid-session; organization lifecycle status is
// not, the middleware always re-checks it live. Suspended organizations are
// still embedded so clients can render a read-only view without a second call.
type MembershipClaim struct {
	OrgID        string        `json:"org"`
	Capabilities CapabilitySet `json:"caps"`
	OrgStatus    OrgStatus     `json:"org_status"`
}

// Claims is the decoded session token payload.
type Claims struct {
	Status      UserStatus        `json:"status"`
	Memberships []MembershipClaim `json:"memberships"`
	jwt.RegisteredClaims
}

// MembershipFor returns the embedded claim for the organization, if any.
func (c *Claims) MembershipFor(orgID string) (MembershipClaim, bool) {
	for _, m := range c.Memberships {
		if m.OrgID == orgID {
			return m, true
		}
	}
	return MembershipClaim{}, false
}

// Issuer signs and verifies session tokens. Verification never queries the
// store; capability changes take effect on the next token refresh.
type Issuer struct {
	secret []byte
	issuer string
	ttl    time.Duration
	now    func() time.Time
	store  Store
}

// IssuerOption configures the Issuer.
type IssuerOption func(*Issuer)

// WithTokenTTL bounds token lifetime; non-positive values are ignored.
func WithTokenTTL(ttl time.Duration) IssuerOption {
	return func(i *Issuer) {
		if ttl > 0 {
			i.ttl = ttl
		}
	}
}

// WithIssuerClock overrides the time source (tests).
func WithIssuerClock(fn func() time.Time) IssuerOption {
	return func(i *Issuer) {
		if fn != nil {
			i.now = fn
		}
	}
}

// NewIssuer constructs a token issuer. The secret must be non-empty; signing
// is pinned to HS256 and any token presenting another algorithm (including
// "none") fails verification.
func NewIssuer(store Store, secret, issuerName string, opts ...IssuerOption) (*Issuer, error) {
	if store == nil {
		return nil, errors.New("authz: store is required")
	}
	if strings.TrimSpace(secret) == "" {
		return nil, errors.New("authz: token secret is not configured")
	}
	iss := &Issuer{
		secret: []byte(secret),
		issuer: strings.TrimSpace(issuerName),
		ttl:    defaultTokenTTL,
		now:    time.Now,
		store:  store,
	}
	for _, opt := range opts {
		opt(iss)
	}
	return iss, nil
}

// Issue loads the user's memberships and signs a bounded session token. The
// embedded snapshot is a deliberate cache-coherence trade-off: it avoids a
// store round-trip per request at the cost of mid-session revocation latency.
func (i *Issuer) Issue(ctx context.Context, userID string) (string, *Claims, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return "", nil, fmt.Errorf("%w: user_id is required", ErrInvalidInput)
	}
	user, err := i.store.Users().Find(ctx, userID)
	if err != nil {
		return "", nil, err
	}
	memberships, err := i.store.Memberships().ListByUser(ctx, userID)
	if err != nil {
		return "", nil, err
	}

	embedded := make([]MembershipClaim, 0, len(memberships))
	for _, m := range memberships {
		org, err := i.store.Organizations().Find(ctx, m.OrgID)
		if err != nil {
			if errors.Is(err, ErrNotFound) {
				continue
			}
			return "", nil, err
		}
		embedded = append(embedded, MembershipClaim{
			OrgID:        m.OrgID,
			Capabilities: m.Capabilities,
			OrgStatus:    org.Status,
		})
	}

	now := i.now().UTC()
	claims := &Claims{
		Status:      user.Status,
		Memberships: embedded,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    i.issuer,
			Subject:   userID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(i.ttl)),
			ID:        uuid.NewString(),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(i.secret)
	if err != nil {
		return "", nil, fmt.Errorf("sign token: %w", err)
	}
	return signed, claims, nil
}

// Verify validates signature, algorithm and time bounds without touching the
// store. Any parse or validation failure collapses to ErrInvalidToken.
func (i *Issuer) Verify(token string) (*Claims, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return nil, ErrInvalidToken
	}
	parsed, err := jwt.ParseWithClaims(token, &Claims{}, func(t *jwt.Token) (any, error) {
		if t.Method != jwt.SigningMethodHS256 {
			return nil, ErrInvalidToken
		}
		return i.secret, nil
	}, jwt.WithTimeFunc(func() time.Time { return i.now().UTC() }))
	if err != nil {
		return nil, ErrInvalidToken
	}
	claims, ok := parsed.Claims.(*Claims)
	if !ok || !parsed.Valid {
		return nil, ErrInvalidToken
	}
	if err := i.validateClaims(claims); err != nil {
		return nil, ErrInvalidToken
	}
	return claims, nil
}

func (i *Issuer) validateClaims(claims *Claims) error {
	if i.issuer != "" && claims.Issuer != i.issuer {
		return fmt.Errorf("unexpected issuer: %s", claims.Issuer)
	}
	if strings.TrimSpace(claims.Subject) == "" {
		return errors.New("subject missing")
	}
	if claims.ExpiresAt == nil || claims.IssuedAt == nil {
		return errors.New("timestamps missing")
	}
	now := i.now().UTC()
	// Allow a small clock skew of 5 seconds when validating issued-at.
	if claims.IssuedAt.Time.After(now.Add(5 * time.Second)) {
		return errors.New("token issued in the future")
	}
	if claims.ExpiresAt.Time.Before(claims.IssuedAt.Time) {
		return errors.New("token expiry precedes issued-at")
	}
	return nil
}
