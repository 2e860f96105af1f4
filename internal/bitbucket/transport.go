package bitbucket

import (
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"golang.org/x/oauth2"
)

const apiSuffix = "/rest/api/1.0"

// ErrMissingCredentials is returned when neither a token nor a username and
// password pair is configured.
var ErrMissingCredentials = errors.New("provide either a token or a username and password")

// Credentials selects how requests authenticate. Token wins over basic auth.
type Credentials struct {
	Token    string
	Username string
	Password string
}

// Validate reports ErrMissingCredentials when nothing usable is set.
func (c Credentials) Validate() error {
	if c.Token != "" {
		return nil
	}
	if c.Username != "" && c.Password != "" {
		return nil
	}
	return ErrMissingCredentials
}

// APIRoot normalizes a server base URL to its REST API root.
func APIRoot(baseURL string) string {
	base := strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if strings.HasSuffix(base, apiSuffix) {
		return base
	}
	return base + apiSuffix
}

// TLSMode is the parsed verify_ssl setting.
type TLSMode struct {
	Verify   bool
	CABundle string
}

// ParseVerifySSL interprets "true", "false" or a path to a CA bundle.
// Unrecognized values that are not existing files fall back to verification.
func ParseVerifySSL(v string) TLSMode {
	s := strings.TrimSpace(v)
	switch strings.ToLower(s) {
	case "false", "0", "no", "off":
		return TLSMode{Verify: false}
	case "true", "1", "yes", "on", "":
		return TLSMode{Verify: true}
	}
	if info, err := os.Stat(s); err == nil && !info.IsDir() {
		return TLSMode{Verify: true, CABundle: s}
	}
	return TLSMode{Verify: true}
}

// NewHTTPClient builds the authenticated HTTP client used for every request.
func NewHTTPClient(creds Credentials, mode TLSMode, timeout time.Duration, maxConns int) (*http.Client, error) {
	if err := creds.Validate(); err != nil {
		return nil, err
	}
	tlsCfg, err := tlsConfig(mode)
	if err != nil {
		return nil, err
	}
	base := http.DefaultTransport.(*http.Transport).Clone()
	base.TLSClientConfig = tlsCfg
	if maxConns > 0 {
		base.MaxConnsPerHost = maxConns
		base.MaxIdleConnsPerHost = maxConns
	}

	var rt http.RoundTripper = base
	if creds.Token != "" {
		rt = &oauth2.Transport{
			Source: oauth2.StaticTokenSource(&oauth2.Token{AccessToken: creds.Token, TokenType: "Bearer"}),
			Base:   base,
		}
	} else {
		rt = &basicAuthTransport{username: creds.Username, password: creds.Password, base: base}
	}
	return &http.Client{Transport: rt, Timeout: timeout}, nil
}

func tlsConfig(mode TLSMode) (*tls.Config, error) {
	cfg := &tls.Config{MinVersion: tls.VersionTLS12}
	if !mode.Verify {
		cfg.InsecureSkipVerify = true // #nosec G402 -- operator opted out for internal servers.
		return cfg, nil
	}
	if mode.CABundle == "" {
		return cfg, nil
	}
	pem, err := os.ReadFile(mode.CABundle) // #nosec G304 -- operator-supplied trust bundle.
	if err != nil {
		return nil, fmt.Errorf("read ca bundle: %w", err)
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(pem) {
		return nil, fmt.Errorf("ca bundle %s contains no certificates", mode.CABundle)
	}
	cfg.RootCAs = pool
	return cfg, nil
}

type basicAuthTransport struct {
	username string
	password string
	base     http.RoundTripper
}

func (t *basicAuthTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	clone := req.Clone(req.Context())
	clone.SetBasicAuth(t.username, t.password)
	return t.base.RoundTrip(clone) //nolint:wrapcheck // transport passthrough
}
