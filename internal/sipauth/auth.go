// Package sipauth implements RFC 2617 digest authentication for the
// registrar: 401 challenges with server-minted nonces and verification of
// Authorization responses, both qop=auth and legacy.
package sipauth

import (
	"crypto/md5"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/emiago/sipgo/sip"
	"github.com/icholy/digest"
)

const (
	// NonceLifetime bounds nonce validity. Replay within the lifetime is
	// accepted; refresh flows re-use the nonce they were challenged with.
	NonceLifetime = 5 * time.Minute

	algorithmMD5 = "MD5"
)

// Verification failure reasons. All of them lead the caller to re-challenge.
var (
	ErrNoCredentials   = errors.New("no authorization credentials")
	ErrBadCredentials  = errors.New("unparseable authorization header")
	ErrRealmMismatch   = errors.New("realm mismatch")
	ErrUnknownNonce    = errors.New("unknown or expired nonce")
	ErrUnknownUser     = errors.New("unknown or inactive user")
	ErrDigestMismatch  = errors.New("digest response mismatch")
	ErrMissingField    = errors.New("missing digest field")
)

// PasswordLookup resolves a username to its password. It returns false for
// unknown accounts and for accounts that may not authenticate.
type PasswordLookup func(username string) (string, bool)

// Authenticator mints challenges and verifies digest responses.
type Authenticator struct {
	realm    string
	password PasswordLookup
	logger   *slog.Logger
	nonces   sync.Map // nonce -> time.Time minted
}

// New creates an authenticator for the given realm.
func New(realm string, lookup PasswordLookup, logger *slog.Logger) *Authenticator {
	return &Authenticator{
		realm:    realm,
		password: lookup,
		logger:   logger.With("subsystem", "auth"),
	}
}

// Challenge responds 401 Unauthorized with a freshly minted nonce.
// Challenges are part of the normal authentication flow and are never
// recorded as failures.
func (a *Authenticator) Challenge(req *sip.Request, tx sip.ServerTransaction) error {
	nonce := a.mintNonce()
	a.nonces.Store(nonce, time.Now())

	chal := digest.Challenge{
		Realm:     a.realm,
		Nonce:     nonce,
		Algorithm: algorithmMD5,
		QOP:       []string{"auth"},
	}

	res := sip.NewResponseFromRequest(req, 401, "Unauthorized", nil)
	res.AppendHeader(sip.NewHeader("WWW-Authenticate", chal.String()))
	if err := tx.Respond(res); err != nil {
		return fmt.Errorf("sending challenge: %w", err)
	}
	return nil
}

// Verify checks the request's Authorization header and returns the
// authenticated username. Any error means the caller should re-challenge.
func (a *Authenticator) Verify(req *sip.Request) (string, error) {
	h := req.GetHeader("Authorization")
	if h == nil {
		return "", ErrNoCredentials
	}
	cred, err := digest.ParseCredentials(h.Value())
	if err != nil {
		a.logger.Debug("unparseable authorization header", "source", req.Source(), "error", err)
		return "", ErrBadCredentials
	}
	if cred.Username == "" || cred.Realm == "" || cred.Nonce == "" || cred.URI == "" || cred.Response == "" {
		return "", ErrMissingField
	}
	if cred.Realm != a.realm {
		return "", ErrRealmMismatch
	}
	minted, ok := a.nonces.Load(cred.Nonce)
	if !ok || time.Since(minted.(time.Time)) > NonceLifetime {
		if ok {
			a.nonces.Delete(cred.Nonce)
		}
		return "", ErrUnknownNonce
	}
	password, ok := a.password(cred.Username)
	if !ok {
		a.logger.Warn("auth attempt for unknown or inactive user", "username", cred.Username, "source", req.Source())
		return "", ErrUnknownUser
	}

	expected := expectedResponse(string(req.Method), password, cred)
	if !strings.EqualFold(expected, cred.Response) {
		a.logger.Warn("digest verification failed", "username", cred.Username, "source", req.Source())
		return "", ErrDigestMismatch
	}
	return cred.Username, nil
}

// CleanExpired drops nonces older than the lifetime.
func (a *Authenticator) CleanExpired() {
	now := time.Now()
	removed := 0
	a.nonces.Range(func(key, value any) bool {
		if now.Sub(value.(time.Time)) > NonceLifetime {
			a.nonces.Delete(key)
			removed++
		}
		return true
	})
	if removed > 0 {
		a.logger.Debug("expired nonces removed", "count", removed)
	}
}

// NonceCount returns the number of tracked nonces.
func (a *Authenticator) NonceCount() int {
	n := 0
	a.nonces.Range(func(any, any) bool { n++; return true })
	return n
}

// mintNonce produces hex(8 random bytes) followed by the decimal unix time.
func (a *Authenticator) mintNonce() string {
	b := make([]byte, 8)
	if _, err := rand.Read(b); err != nil {
		return strconv.FormatInt(time.Now().UnixNano(), 10)
	}
	return hex.EncodeToString(b) + strconv.FormatInt(time.Now().Unix(), 10)
}

// expectedResponse computes the canonical digest for comparison. With qop
// present the RFC 2617 qop formula applies, otherwise the legacy RFC 2069
// one.
func expectedResponse(method, password string, cred *digest.Credentials) string {
	ha1 := md5Hex(cred.Username + ":" + cred.Realm + ":" + password)
	ha2 := md5Hex(method + ":" + cred.URI)
	if cred.QOP != "" {
		nc := cred.Nc
		if nc == 0 {
			nc = 1
		}
		return md5Hex(strings.Join([]string{ha1, cred.Nonce, fmt.Sprintf("%08x", nc), cred.Cnonce, cred.QOP, ha2}, ":"))
	}
	return md5Hex(ha1 + ":" + cred.Nonce + ":" + ha2)
}

func md5Hex(s string) string {
	sum := md5.Sum([]byte(s))
	return hex.EncodeToString(sum[:])
}
