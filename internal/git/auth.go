package git

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/go-git/go-git/v5/plumbing/transport"
	"github.com/go-git/go-git/v5/plumbing/transport/http"
	"github.com/go-git/go-git/v5/plumbing/transport/ssh"

	"git.home.luguber.info/inful/buildcoord/internal/foundation/errors"
)

// Auth describes credentials for remote access.
type Auth struct {
	Type     string // none, ssh, token, basic
	Token    string
	Username string
	Password string
	KeyPath  string
}

// AuthFromEnv reads BUILDCOORD_GIT_TOKEN, or BUILDCOORD_GIT_USERNAME and
// BUILDCOORD_GIT_PASSWORD, or BUILDCOORD_GIT_SSH_KEY.
func AuthFromEnv() Auth {
	switch {
	case os.Getenv("BUILDCOORD_GIT_TOKEN") != "":
		return Auth{Type: "token", Token: os.Getenv("BUILDCOORD_GIT_TOKEN")}
	case os.Getenv("BUILDCOORD_GIT_USERNAME") != "":
		return Auth{Type: "basic", Username: os.Getenv("BUILDCOORD_GIT_USERNAME"), Password: os.Getenv("BUILDCOORD_GIT_PASSWORD")}
	case os.Getenv("BUILDCOORD_GIT_SSH_KEY") != "":
		return Auth{Type: "ssh", KeyPath: os.Getenv("BUILDCOORD_GIT_SSH_KEY")}
	}
	return Auth{}
}

// method returns the go-git auth method for url. SSH keys only apply to
// ssh remotes and HTTP credentials only to http(s) remotes.
func (a Auth) method(url string) (transport.AuthMethod, error) {
	isHTTP := strings.HasPrefix(url, "http://") || strings.HasPrefix(url, "https://")
	switch a.Type {
	case "none", "":
		return nil, nil
	case "ssh":
		if isHTTP {
			return nil, nil
		}
		keyPath := a.KeyPath
		if keyPath == "" {
			keyPath = filepath.Join(os.Getenv("HOME"), ".ssh", "id_rsa")
		}
		keys, err := ssh.NewPublicKeysFromFile("git", keyPath, "")
		if err != nil {
			return nil, errors.ConfigError("failed to load SSH key").WithCause(err).WithContext("path", keyPath).Build()
		}
		return keys, nil
	case "token":
		if !isHTTP {
			return nil, nil
		}
		return &http.BasicAuth{Username: "token", Password: a.Token}, nil
	case "basic":
		if !isHTTP {
			return nil, nil
		}
		if a.Username == "" || a.Password == "" {
			return nil, errors.ConfigError("basic authentication requires username and password").Build()
		}
		return &http.BasicAuth{Username: a.Username, Password: a.Password}, nil
	default:
		return nil, errors.ConfigError("unsupported authentication type").WithContext("type", a.Type).Build()
	}
}
