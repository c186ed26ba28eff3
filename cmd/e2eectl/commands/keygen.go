package commands

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/dmitrijs2005/securemsg/internal/common"
	"github.com/dmitrijs2005/securemsg/internal/cryptox"
	"github.com/dmitrijs2005/securemsg/internal/filex"
)

func keygenCmd() *cobra.Command {
	var (
		alg   string
		name  string
		dir   string
		force bool
	)
	cmd := &cobra.Command{
		Use:   "keygen",
		Short: "Generate a key pair and store the private key under a passphrase",
		RunE: func(cmd *cobra.Command, args []string) error {
			if !cryptox.SupportedKeyAlgorithm(alg) {
				return fmt.Errorf("%w: %s", common.ErrUnsupportedAlgorithm, alg)
			}
			if name == "" {
				return fmt.Errorf("--name required")
			}
			outDir, err := filex.EnsureDir(dir)
			if err != nil {
				return err
			}
			privPath := filepath.Join(outDir, name+".key")
			pubPath := filepath.Join(outDir, name+".pub")
			if _, err := os.Stat(privPath); err == nil && !force {
				return fmt.Errorf("%s: %w (use --force to overwrite)", privPath, filex.ErrExists)
			}

			pass, err := prompt(cmd.ErrOrStderr(), "Passphrase")
			if err != nil {
				return err
			}
			defer common.WipeByteArray(pass)
			if len(pass) == 0 {
				return fmt.Errorf("passphrase required")
			}

			kp, err := cryptox.GenerateKeyPair(alg)
			if err != nil {
				return err
			}
			defer common.WipeByteArray(kp.PrivateKey)

			sealed, err := cryptox.ProtectPrivateKey(kp.Algorithm, kp.PrivateKey, pass)
			if err != nil {
				return err
			}
			if err := filex.WritePrivate(privPath, sealed, force); err != nil {
				return err
			}
			if err := filex.WritePublic(pubPath, []byte(cryptox.EncodeBase64(kp.PublicKey)+"\n"), force); err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Private key: %s\n", privPath)
			fmt.Fprintf(out, "Public key:  %s\n", pubPath)
			fmt.Fprintf(out, "Fingerprint: %s\n", cryptox.Fingerprint(kp.PublicKey))
			return nil
		},
	}
	cmd.Flags().StringVar(&alg, "alg", cryptox.KeyX25519, "key algorithm (RSA, X25519, ED25519, ML-KEM-768, ML-DSA-65)")
	cmd.Flags().StringVar(&name, "name", "", "file name stem for the key pair")
	cmd.Flags().StringVar(&dir, "dir", ".", "output directory")
	cmd.Flags().BoolVar(&force, "force", false, "overwrite existing files")
	return cmd
}
