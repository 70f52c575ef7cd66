// Package config loads the JSON configuration document and builds
// the runtime objects the rest of the system needs from it: a
// TokenSource, a Server Catalog seed, and the index server's root CA
// path.
package config

import (
	"encoding/json"
	"os"
	"strings"

	"github.com/mredolatti/tf/internal/catalog"
	"github.com/mredolatti/tf/internal/xerrors"
)

// ServerCredential is the JSON shape of one entry under
// credentials.<org>.<server>.
type ServerCredential struct {
	RootCertificate   string `json:"rootCertificate,omitempty"`
	ClientCertificate string `json:"clientCertificate,omitempty"`
	ClientPrivateKey  string `json:"clientPrivateKey,omitempty"`
}

// IndexServerConfig is the JSON shape of the top-level indexServer
// field.
type IndexServerConfig struct {
	URL         string `json:"url"`
	TokenSource string `json:"tokenSource"`
	RootCert    string `json:"rootCert,omitempty"`
}

// Config is the decoded configuration document:
//
//	{ indexServer: {...}, credentials: { <org>: { <server>: {...} } } }
type Config struct {
	IndexServer IndexServerConfig                     `json:"indexServer"`
	Credentials map[string]map[string]ServerCredential `json:"credentials"`
}

// Load reads and decodes the configuration document at path.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, xerrors.E("config.Load", xerrors.Str(err.Error()))
	}
	var cfg Config
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, xerrors.E("config.Load", xerrors.Str(err.Error()))
	}
	return &cfg, nil
}

// Catalog builds the Server Catalog seeded from every (org, server)
// pair present in Credentials.
func (c *Config) Catalog() *catalog.Catalog {
	var creds []catalog.Credential
	for org, servers := range c.Credentials {
		for server, cred := range servers {
			creds = append(creds, catalog.Credential{
				Organization: org,
				Server:       server,
				RootCA:       cred.RootCertificate,
				ClientCert:   cred.ClientCertificate,
				ClientKey:    cred.ClientPrivateKey,
			})
		}
	}
	return catalog.FromCredentials(creds)
}

// TokenSource reads a session token on every call. The
// X-MIFS-IS-Session-Token header is set from the value it returns on
// every Index-Server Client request.
type TokenSource interface {
	Token() (string, error)
}

// envTokenSource implements the "env::<VARNAME>" scheme: it re-reads
// the named environment variable on every call, so a token refreshed
// by an external process (e.g. the administrative CLI re-running
// login) is picked up without restarting the mount.
type envTokenSource struct {
	varName string
}

func (e envTokenSource) Token() (string, error) {
	v, ok := os.LookupEnv(e.varName)
	if !ok || v == "" {
		return "", xerrors.E("config.envTokenSource", xerrors.Str("environment variable "+e.varName+" is not set"))
	}
	return v, nil
}

// staticTokenSource is a fixed token. The administrative CLI wraps a
// token given in MIFS_SESSION_TOKEN in one, and tests use it to
// supply a known token.
type staticTokenSource struct {
	token string
}

func (s staticTokenSource) Token() (string, error) { return s.token, nil }

// StaticToken returns a TokenSource that always returns token.
func StaticToken(token string) TokenSource { return staticTokenSource{token} }

// TokenSourceFromSpec parses a tokenSource string of the form
// "env::<VARNAME>" into a TokenSource.
func TokenSourceFromSpec(spec string) (TokenSource, error) {
	const envPrefix = "env::"
	if strings.HasPrefix(spec, envPrefix) {
		varName := strings.TrimPrefix(spec, envPrefix)
		if varName == "" {
			return nil, xerrors.E("config.TokenSourceFromSpec", xerrors.Str("env:: token source missing variable name"))
		}
		return envTokenSource{varName}, nil
	}
	return nil, xerrors.E("config.TokenSourceFromSpec", xerrors.Errorf("unrecognized token source %q", spec))
}
