package commands

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"golang.org/x/term"
)

// Environment fallbacks for the persistent flags.
const (
	envServer = "E2EECTL_SERVER"
	envToken  = "E2EECTL_TOKEN"
	envSecret = "E2EECTL_SECRET"
)

// readPassword is a test seam for term.ReadPassword.
var readPassword = term.ReadPassword

type options struct {
	server string
	token  string
}

func Execute() error {
	return newRootCmd().Execute()
}

func newRootCmd() *cobra.Command {
	opts := &options{}
	root := &cobra.Command{
		Use:          "e2eectl",
		Short:        "Operator tool for the securemsg server",
		SilenceUsage: true,
	}

	root.PersistentFlags().StringVar(&opts.server, "server", envOr(envServer, "127.0.0.1:50051"), "admin gRPC address")
	root.PersistentFlags().StringVar(&opts.token, "token", os.Getenv(envToken), "admin access token (prompted when empty)")

	root.AddCommand(
		fingerprintCmd(),
		keygenCmd(),
		tokenCmd(),
		rotateCmd(opts),
		runJobCmd(opts),
	)
	return root
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

// prompt reads a secret from the terminal without echo.
func prompt(w io.Writer, label string) ([]byte, error) {
	if _, err := fmt.Fprint(w, label+": "); err != nil {
		return nil, err
	}
	b, err := readPassword(int(os.Stdin.Fd()))
	fmt.Fprintln(w)
	if err != nil {
		return nil, err
	}
	return b, nil
}

// accessToken returns the token from flags or env, prompting as a last resort.
func (o *options) accessToken(cmd *cobra.Command) (string, error) {
	if o.token != "" {
		return o.token, nil
	}
	b, err := prompt(cmd.ErrOrStderr(), "Access token")
	if err != nil {
		return "", err
	}
	t := strings.TrimSpace(string(b))
	if t == "" {
		return "", fmt.Errorf("access token required (--token or %s)", envToken)
	}
	return t, nil
}
