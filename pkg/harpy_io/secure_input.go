// pkg/harpy_io/secure_input.go

package harpy_io

import (
	"fmt"
	"os"
	"strings"
	"unicode/utf8"

	cerr "github.com/cockroachdb/errors"
	"golang.org/x/term"
)

// MaxSecretLength bounds credential input; Anthropic API keys are well under this.
const MaxSecretLength = 512

// PromptSecret reads a secret from the terminal without echo. Fails when
// stdin is not a terminal so scripts never hang on a hidden prompt.
func PromptSecret(rc *RuntimeContext, label string) (string, error) {
	fd := int(os.Stdin.Fd())
	if !term.IsTerminal(fd) {
		return "", cerr.New("stdin is not a terminal, cannot prompt for secret")
	}

	fmt.Fprintf(os.Stderr, "%s: ", label)
	raw, err := term.ReadPassword(fd)
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return "", cerr.Wrap(err, "read secret input")
	}

	secret := strings.TrimSpace(string(raw))
	if err := validateSecret(secret); err != nil {
		return "", err
	}
	return secret, nil
}

func validateSecret(s string) error {
	if s == "" {
		return cerr.New("secret cannot be empty")
	}
	if len(s) > MaxSecretLength {
		return cerr.Newf("secret too long (%d chars, max %d)", len(s), MaxSecretLength)
	}
	if !utf8.ValidString(s) {
		return cerr.New("secret contains invalid UTF-8")
	}
	for _, r := range s {
		if r < 0x20 || r == 0x7f {
			return cerr.New("secret contains control characters")
		}
	}
	return nil
}
