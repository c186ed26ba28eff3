package commands

import (
	"bytes"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/dmitrijs2005/securemsg/internal/cryptox"
)

func fingerprintCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "fingerprint <public-key-file>",
		Short: "Print the SHA-256 fingerprint of a public key",
		Long: "Print the fingerprint the server computes for a public key. The file may\n" +
			"hold the key base64-encoded (as uploaded) or as raw bytes.",
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := os.ReadFile(args[0])
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), cryptox.Fingerprint(keyBytes(data)))
			return nil
		},
	}
}

// keyBytes decodes base64 file contents and falls back to the raw bytes.
func keyBytes(data []byte) []byte {
	if decoded, err := cryptox.DecodeBase64(string(bytes.TrimSpace(data))); err == nil && len(decoded) > 0 {
		return decoded
	}
	return data
}
