// Package extauth authenticates extension sockets with a short-lived
// JWT: the supervisor mints a token at launch time and passes it to
// the child via argv, the same way the extension socket path,
// timeout, and interval already travel (spec.md §4.3). Verifier checks
// such a token; the supervisor loop itself never calls it, and
// is_child_sane does not consult the handshake, so a token is minted
// and passed but never verified on the supervisor side.
//
// Grounded on the teacher's pkg/cerberus/keygen.go for the
// go-jose/go-jose/v4 HS256 signing and compact-serialization pattern.
package extauth

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-jose/go-jose/v4"
)

// handshakeClaims is the payload minted for one extension launch.
type handshakeClaims struct {
	Path      string `json:"path"`
	IssuedAt  int64  `json:"iat"`
	ExpiresAt int64  `json:"exp"`
}

// Minter signs handshake tokens for extensions the supervisor
// launches. secret must be at least 32 bytes; a fresh Minter should
// be built once per supervisor process, not per launch.
type Minter struct {
	secret []byte
	ttl    time.Duration
}

// NewMinter builds a Minter. ttl is the token lifetime (a zero ttl
// means 60 seconds); extauth's Verifier additionally enforces its own
// maxAge window on the issued-at time, independent of ttl.
func NewMinter(secret []byte, ttl time.Duration) (*Minter, error) {
	if len(secret) < 32 {
		return nil, fmt.Errorf("extauth: secret must be at least 32 bytes")
	}
	if ttl == 0 {
		ttl = 60 * time.Second
	}
	return &Minter{secret: secret, ttl: ttl}, nil
}

// Mint signs a handshake token scoped to path, the extension binary
// this token authorizes a socket connection for.
func (m *Minter) Mint(path string) (string, error) {
	signer, err := jose.NewSigner(jose.SigningKey{Algorithm: jose.HS256, Key: m.secret}, nil)
	if err != nil {
		return "", fmt.Errorf("extauth: creating signer: %w", err)
	}

	now := time.Now()
	claims := handshakeClaims{
		Path:      path,
		IssuedAt:  now.Unix(),
		ExpiresAt: now.Add(m.ttl).Unix(),
	}
	payload, err := json.Marshal(claims)
	if err != nil {
		return "", fmt.Errorf("extauth: marshaling claims: %w", err)
	}

	object, err := signer.Sign(payload)
	if err != nil {
		return "", fmt.Errorf("extauth: signing: %w", err)
	}
	return object.CompactSerialize()
}

// Verifier checks handshake tokens presented by a connecting
// extension. It shares the minting secret — both sides of the
// handshake are the same supervisor process, never a separate
// trust domain.
type Verifier struct {
	secret []byte
	maxAge time.Duration
}

// NewVerifier builds a Verifier over the same secret a Minter uses.
// maxAge caps how old a presented token may be; spec.md's handshake
// contract names 60 seconds.
func NewVerifier(secret []byte, maxAge time.Duration) *Verifier {
	if maxAge <= 0 {
		maxAge = 60 * time.Second
	}
	return &Verifier{secret: secret, maxAge: maxAge}
}

// Verify checks token's signature and expiry, and returns the
// extension path it was scoped to. A false result means "treat this
// child as not sane", never an error the caller must special-case.
func (v *Verifier) Verify(token string) (path string, ok bool) {
	object, err := jose.ParseSigned(token, []jose.SignatureAlgorithm{jose.HS256})
	if err != nil {
		return "", false
	}

	payload, err := object.Verify(v.secret)
	if err != nil {
		return "", false
	}

	var claims handshakeClaims
	if err := json.Unmarshal(payload, &claims); err != nil {
		return "", false
	}

	now := time.Now().Unix()
	if now > claims.ExpiresAt {
		return "", false
	}
	if claims.IssuedAt > now || now-claims.IssuedAt > int64(v.maxAge.Seconds()) {
		return "", false
	}

	return claims.Path, true
}
