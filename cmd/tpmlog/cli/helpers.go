package cli

import (
	"context"
	"encoding/base64"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/karasz/tpmlog"
	"github.com/karasz/tpmlog/internal/config"
	"golang.org/x/time/rate"
)

// signalContext is cancelled on SIGINT, SIGTERM or SIGQUIT.
func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM, syscall.SIGQUIT)
}

func tpmOptions(c *config.Config) (tpmlog.TPMConfig, error) {
	alg, err := tpmlog.ParseHashAlg(c.TPM.Bank)
	if err != nil {
		return tpmlog.TPMConfig{}, err
	}
	return tpmlog.TPMConfig{
		Backend:  c.TPM.Backend,
		Device:   c.TPM.Device,
		Alg:      alg,
		ToolsDir: c.TPM.ToolsDir,
		TCTI:     c.TPM.TCTI,
		WorkDir:  c.TPM.WorkDir,
	}, nil
}

func openTPM(c *config.Config) (tpmlog.TPM, error) {
	opts, err := tpmOptions(c)
	if err != nil {
		return nil, err
	}
	tpm, err := tpmlog.OpenTPM(opts)
	if err != nil {
		return nil, fmt.Errorf("opening tpm: %w", err)
	}
	return tpm, nil
}

func keyFiles(c *config.Config) tpmlog.KeyFiles {
	return tpmlog.KeyFiles{
		Primary: c.TPM.PrimaryContext,
		Public:  c.TPM.PublicKeyPath(),
		Private: c.TPM.PrivateKeyPath(),
		Context: c.TPM.KeyContext,
	}
}

func chainConfig(c *config.Config) tpmlog.ChainConfig {
	return tpmlog.ChainConfig{
		PCRIndex:     c.TPM.PCR,
		Keys:         keyFiles(c),
		VerifyKey:    c.TPM.VerifyKeyPath(),
		ResetLockout: c.TPM.ResetLockout,
		Logger:       logger,
	}
}

func openStore(c *config.Config) (tpmlog.Store, error) {
	switch c.Store.Kind {
	case "sqlite":
		return tpmlog.OpenSQLiteStore(c.Store.Path)
	default:
		return tpmlog.OpenFileStore(c.Store.Path)
	}
}

func basicAuthHeader(user, pass string) http.Header {
	h := http.Header{}
	if user != "" {
		h.Set("Authorization", "Basic "+base64.StdEncoding.EncodeToString([]byte(user+":"+pass)))
	}
	return h
}

// newTransport builds the publish transport. A nil transport means
// publishing is disabled.
func newTransport(c *config.Config) (tpmlog.Transport, error) {
	enc, err := tpmlog.ParseEncoding(c.Publish.Encoding)
	if err != nil {
		return nil, err
	}

	switch c.Publish.Transport {
	case "", "none":
		return nil, nil
	case "http":
		creds, err := publishCredentials(c)
		if err != nil {
			return nil, err
		}
		t := tpmlog.NewHTTPTransport(c.Publish.URL, enc)
		t.Username, t.Password = creds.Username, creds.Password
		return t, nil
	case "ws":
		creds, err := publishCredentials(c)
		if err != nil {
			return nil, err
		}
		return tpmlog.NewWSTransport(c.Publish.URL, basicAuthHeader(creds.Username, creds.Password), logger), nil
	case "mqtt":
		return tpmlog.NewMQTTTransport(tpmlog.MQTTConfig{
			Broker:   c.MQTT.Broker,
			Topic:    c.MQTT.Topic,
			ClientID: c.MQTT.ClientID,
			Username: c.MQTT.Username,
			Password: c.MQTT.Password,
			QoS:      byte(c.MQTT.QoS),
			Encoding: enc,
			Logger:   logger,
		}), nil
	default:
		return nil, fmt.Errorf("unknown transport %q", c.Publish.Transport)
	}
}

func publishCredentials(c *config.Config) (tpmlog.Credentials, error) {
	creds := tpmlog.Credentials{Username: c.Publish.Username, Password: c.Publish.Password}
	if creds.Username == "" || creds.Password != "" {
		return creds, nil
	}
	return tpmlog.ResolveCredentials(creds)
}

func newRemoteQuery(c *config.Config) (*tpmlog.HTTPQuery, error) {
	if c.Remote.URL == "" {
		return nil, fmt.Errorf("remote.url is not configured")
	}
	creds, err := tpmlog.ResolveCredentials(tpmlog.Credentials{
		Username:  c.Remote.Username,
		Password:  c.Remote.Password,
		XSRFToken: c.Remote.XSRFToken,
	})
	if err != nil {
		return nil, err
	}
	return tpmlog.NewHTTPQuery(tpmlog.HTTPQueryConfig{
		URL:        c.Remote.URL,
		Collection: c.Remote.Collection,
		Username:   creds.Username,
		Password:   creds.Password,
		XSRFToken:  creds.XSRFToken,
		Client:     &http.Client{Timeout: c.Remote.Timeout.D()},
		Rate:       rate.Limit(c.Remote.RateLimit),
		Logger:     logger,
	}), nil
}
