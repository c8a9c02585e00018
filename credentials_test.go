package tpmlog

import (
	"errors"
	"testing"

	"github.com/zalando/go-keyring"
)

func TestCredentials_Keyring(t *testing.T) {
	keyring.MockInit()

	if err := SaveCredentials(Credentials{Password: "pw"}); err == nil {
		t.Error("saved credentials without a username")
	}

	if _, err := ResolveCredentials(Credentials{Username: "nobody"}); !errors.Is(err, ErrNoCredentials) {
		t.Errorf("unknown user: %v", err)
	}

	if err := SaveCredentials(Credentials{Username: "alice", Password: "secret", XSRFToken: "tok"}); err != nil {
		t.Fatal(err)
	}
	got, err := ResolveCredentials(Credentials{Username: "alice"})
	if err != nil {
		t.Fatal(err)
	}
	if got.Password != "secret" || got.XSRFToken != "tok" {
		t.Errorf("resolved %+v", got)
	}

	// Configured values win over the keyring.
	got, err = ResolveCredentials(Credentials{Username: "alice", Password: "override"})
	if err != nil || got.Password != "override" || got.XSRFToken != "tok" {
		t.Errorf("resolved %+v, %v", got, err)
	}

	// The token is optional.
	if err := SaveCredentials(Credentials{Username: "bob", Password: "pw"}); err != nil {
		t.Fatal(err)
	}
	got, err = ResolveCredentials(Credentials{Username: "bob"})
	if err != nil || got.XSRFToken != "" {
		t.Errorf("resolved %+v, %v", got, err)
	}

	if err := DeleteCredentials("alice"); err != nil {
		t.Fatal(err)
	}
	if _, err := ResolveCredentials(Credentials{Username: "alice"}); !errors.Is(err, ErrNoCredentials) {
		t.Errorf("after delete: %v", err)
	}
	if err := DeleteCredentials("alice"); err != nil {
		t.Errorf("second delete: %v", err)
	}

	// No username means nothing to look up.
	if got, err := ResolveCredentials(Credentials{}); err != nil || got != (Credentials{}) {
		t.Errorf("anonymous: %+v, %v", got, err)
	}
}
