package tpmlog

import (
	"errors"
	"fmt"

	"github.com/zalando/go-keyring"
)

// KeyringService is the OS keyring service name for stored credentials.
const KeyringService = "tpmlog"

// ErrNoCredentials means neither configuration nor keyring holds a secret.
var ErrNoCredentials = errors.New("no credentials stored")

// Credentials are the basic auth and XSRF secrets for a remote endpoint.
type Credentials struct {
	Username  string
	Password  string
	XSRFToken string
}

func passwordKey(user string) string { return "password:" + user }
func tokenKey(user string) string    { return "xsrf:" + user }

// SaveCredentials stores the password and token of c.Username in the keyring.
func SaveCredentials(c Credentials) error {
	if c.Username == "" {
		return errors.New("username required")
	}
	if err := keyring.Set(KeyringService, passwordKey(c.Username), c.Password); err != nil {
		return fmt.Errorf("store password: %w", err)
	}
	if c.XSRFToken != "" {
		if err := keyring.Set(KeyringService, tokenKey(c.Username), c.XSRFToken); err != nil {
			return fmt.Errorf("store token: %w", err)
		}
	}
	return nil
}

// ResolveCredentials fills empty Password and XSRFToken fields from the
// keyring. Values already present are kept.
func ResolveCredentials(c Credentials) (Credentials, error) {
	if c.Username == "" || (c.Password != "" && c.XSRFToken != "") {
		return c, nil
	}
	if c.Password == "" {
		pw, err := keyring.Get(KeyringService, passwordKey(c.Username))
		switch {
		case errors.Is(err, keyring.ErrNotFound):
			return c, fmt.Errorf("%w for %s", ErrNoCredentials, c.Username)
		case err != nil:
			return c, fmt.Errorf("read password: %w", err)
		}
		c.Password = pw
	}
	if c.XSRFToken == "" {
		tok, err := keyring.Get(KeyringService, tokenKey(c.Username))
		if err != nil && !errors.Is(err, keyring.ErrNotFound) {
			return c, fmt.Errorf("read token: %w", err)
		}
		c.XSRFToken = tok
	}
	return c, nil
}

// DeleteCredentials removes stored secrets for user.
func DeleteCredentials(user string) error {
	for _, k := range []string{passwordKey(user), tokenKey(user)} {
		if err := keyring.Delete(KeyringService, k); err != nil && !errors.Is(err, keyring.ErrNotFound) {
			return fmt.Errorf("delete %s: %w", k, err)
		}
	}
	return nil
}
