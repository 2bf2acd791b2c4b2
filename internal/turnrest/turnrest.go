// Package turnrest issues short-lived TURN credentials in the coturn
// "TURN REST API" format (use-auth-secret / static-auth-secret):
//
//	username   = <unix expiry>:<prefix>:<nonce>
//	credential = base64(hmac_sha1(secret, username))
package turnrest

import (
	"crypto/hmac"
	"crypto/sha1"
	"encoding/base64"
	"errors"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

var (
	ErrNoSecret    = errors.New("turnrest: shared secret is required")
	ErrBadTTL      = errors.New("turnrest: ttl must be > 0")
	ErrBadPrefix   = errors.New("turnrest: username prefix must be non-empty and must not contain ':'")
	ErrBadNonce    = errors.New("turnrest: nonce must be non-empty and must not contain ':'")
	errNonceSource = errors.New("turnrest: nonce source failed")
)

type Options struct {
	SharedSecret   string
	TTL            time.Duration
	UsernamePrefix string

	// Now and Nonce are overridable for tests.
	Now   func() time.Time
	Nonce func() (string, error)
}

// Credentials is one username/credential pair for every configured TURN URL.
type Credentials struct {
	Username   string
	Credential string
	Expires    time.Time
}

type Generator struct {
	secret []byte
	ttl    time.Duration
	prefix string
	now    func() time.Time
	nonce  func() (string, error)
}

func NewGenerator(opts Options) (*Generator, error) {
	if opts.SharedSecret == "" {
		return nil, ErrNoSecret
	}
	if opts.TTL < time.Second {
		return nil, ErrBadTTL
	}
	if opts.UsernamePrefix == "" || strings.Contains(opts.UsernamePrefix, ":") {
		return nil, ErrBadPrefix
	}
	g := &Generator{
		secret: []byte(opts.SharedSecret),
		ttl:    opts.TTL.Truncate(time.Second),
		prefix: opts.UsernamePrefix,
		now:    opts.Now,
		nonce:  opts.Nonce,
	}
	if g.now == nil {
		g.now = time.Now
	}
	if g.nonce == nil {
		g.nonce = func() (string, error) { return uuid.NewString(), nil }
	}
	return g, nil
}

// Issue returns credentials bound to nonce.
func (g *Generator) Issue(nonce string) (Credentials, error) {
	if nonce == "" || strings.Contains(nonce, ":") {
		return Credentials{}, ErrBadNonce
	}
	expires := g.now().UTC().Add(g.ttl).Truncate(time.Second)
	username := strconv.FormatInt(expires.Unix(), 10) + ":" + g.prefix + ":" + nonce
	return Credentials{
		Username:   username,
		Credential: Sign(g.secret, username),
		Expires:    expires,
	}, nil
}

// IssueRandom returns credentials bound to a fresh random nonce.
func (g *Generator) IssueRandom() (Credentials, error) {
	nonce, err := g.nonce()
	if err != nil {
		return Credentials{}, errors.Join(errNonceSource, err)
	}
	return g.Issue(nonce)
}

func Sign(secret []byte, username string) string {
	mac := hmac.New(sha1.New, secret)
	_, _ = mac.Write([]byte(username))
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}
