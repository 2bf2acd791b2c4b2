package turnrest

import (
	"crypto/hmac"
	"crypto/sha1"
	"encoding/base64"
	"errors"
	"strings"
	"testing"
	"time"
)

func fixedNow() time.Time { return time.Unix(1_700_000_000, 0) }

func TestIssue_UsernameAndCredential(t *testing.T) {
	g, err := NewGenerator(Options{
		SharedSecret:   "shared-secret",
		TTL:            time.Hour,
		UsernamePrefix: "aero",
		Now:            fixedNow,
	})
	if err != nil {
		t.Fatalf("NewGenerator: %v", err)
	}

	creds, err := g.Issue("alice")
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}

	if want := "1700003600:aero:alice"; creds.Username != want {
		t.Fatalf("Username=%q, want %q", creds.Username, want)
	}
	if want := time.Unix(1_700_003_600, 0).UTC(); !creds.Expires.Equal(want) {
		t.Fatalf("Expires=%v, want %v", creds.Expires, want)
	}

	mac := hmac.New(sha1.New, []byte("shared-secret"))
	_, _ = mac.Write([]byte(creds.Username))
	if want := base64.StdEncoding.EncodeToString(mac.Sum(nil)); creds.Credential != want {
		t.Fatalf("Credential=%q, want %q", creds.Credential, want)
	}
}

func TestIssueRandom_UsesNonceSource(t *testing.T) {
	g, err := NewGenerator(Options{
		SharedSecret:   "s",
		TTL:            10 * time.Second,
		UsernamePrefix: "p",
		Now:            fixedNow,
		Nonce:          func() (string, error) { return "n1", nil },
	})
	if err != nil {
		t.Fatalf("NewGenerator: %v", err)
	}
	creds, err := g.IssueRandom()
	if err != nil {
		t.Fatalf("IssueRandom: %v", err)
	}
	if !strings.HasSuffix(creds.Username, ":p:n1") {
		t.Fatalf("Username=%q, want suffix :p:n1", creds.Username)
	}
}

func TestIssueRandom_DefaultNonceIsUnique(t *testing.T) {
	g, err := NewGenerator(Options{SharedSecret: "s", TTL: time.Minute, UsernamePrefix: "p"})
	if err != nil {
		t.Fatalf("NewGenerator: %v", err)
	}
	a, err := g.IssueRandom()
	if err != nil {
		t.Fatalf("IssueRandom: %v", err)
	}
	b, err := g.IssueRandom()
	if err != nil {
		t.Fatalf("IssueRandom: %v", err)
	}
	if a.Username == b.Username {
		t.Fatalf("expected distinct usernames, got %q twice", a.Username)
	}
}

func TestNewGenerator_Validation(t *testing.T) {
	cases := []struct {
		name string
		opts Options
		want error
	}{
		{"no secret", Options{TTL: time.Hour, UsernamePrefix: "p"}, ErrNoSecret},
		{"zero ttl", Options{SharedSecret: "s", UsernamePrefix: "p"}, ErrBadTTL},
		{"empty prefix", Options{SharedSecret: "s", TTL: time.Hour}, ErrBadPrefix},
		{"colon prefix", Options{SharedSecret: "s", TTL: time.Hour, UsernamePrefix: "a:b"}, ErrBadPrefix},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := NewGenerator(tc.opts); !errors.Is(err, tc.want) {
				t.Fatalf("err=%v, want %v", err, tc.want)
			}
		})
	}
}

func TestIssue_RejectsColonNonce(t *testing.T) {
	g, err := NewGenerator(Options{SharedSecret: "s", TTL: time.Hour, UsernamePrefix: "p"})
	if err != nil {
		t.Fatalf("NewGenerator: %v", err)
	}
	if _, err := g.Issue("a:b"); !errors.Is(err, ErrBadNonce) {
		t.Fatalf("err=%v, want %v", err, ErrBadNonce)
	}
}
