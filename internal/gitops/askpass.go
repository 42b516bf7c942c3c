package gitops

import (
	"fmt"
	"os"
	"path/filepath"
)

const credentialEnvVar = "SEEDER_GIT_CREDENTIAL"

// The script never contains the secret: it echoes an environment variable
// that only the git child process receives.
const askpassScript = `#!/bin/sh
case "$1" in
  Username*) echo "seeder" ;;
  *) printf '%s\n' "$` + credentialEnvVar + `" ;;
esac
`

// credentialHelper is an ephemeral GIT_ASKPASS program. It lives in its own
// temp directory, outside any clone, and must be closed on every exit path.
type credentialHelper struct {
	dir        string
	path       string
	credential string
}

// newCredentialHelper writes the askpass script. An empty credential yields a
// nil helper, which is valid and injects nothing (local remotes in tests).
func newCredentialHelper(credential string) (*credentialHelper, error) {
	if credential == "" {
		return nil, nil
	}

	dir, err := os.MkdirTemp("", "seeder-askpass-*")
	if err != nil {
		return nil, fmt.Errorf("failed to create credential helper dir: %w", err)
	}
	path := filepath.Join(dir, "askpass.sh")
	if err := os.WriteFile(path, []byte(askpassScript), 0700); err != nil {
		_ = os.RemoveAll(dir)
		return nil, fmt.Errorf("failed to write credential helper: %w", err)
	}

	return &credentialHelper{dir: dir, path: path, credential: credential}, nil
}

func (h *credentialHelper) env() []string {
	if h == nil {
		return nil
	}
	return []string{
		"GIT_ASKPASS=" + h.path,
		credentialEnvVar + "=" + h.credential,
	}
}

// Close removes the helper. Safe on nil and safe to call twice.
func (h *credentialHelper) Close() error {
	if h == nil || h.dir == "" {
		return nil
	}
	err := os.RemoveAll(h.dir)
	h.dir = ""
	return err
}
