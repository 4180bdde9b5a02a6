package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"dev.c0redev.ddmq/internal/crypto"
)

func keygenCmd() *cobra.Command {
	var out string

	cmd := &cobra.Command{
		Use:   "keygen",
		Short: "Generate an ML-KEM-768 key pair for encrypted sessions",
		Long: `Generate the acceptor's long-term ML-KEM-768 key.

<out> holds the private seed (capabilities.kem_key_file on the server),
<out>.pub the encapsulation key (capabilities.peer_kem_key_file on clients).

Examples:
  ddmq keygen
  ddmq keygen --out /etc/ddmq/kem.key`,
		RunE: func(cmd *cobra.Command, args []string) error {
			pub, err := writeKeyPair(out)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "wrote %s and %s\n", out, pub)
			return nil
		},
	}

	cmd.Flags().StringVarP(&out, "out", "o", "ddmq_kem.key", "Private seed file")

	return cmd
}

// writeKeyPair writes seed to path and the encapsulation key to path+".pub".
func writeKeyPair(path string) (string, error) {
	seed, err := crypto.GenerateSeed()
	if err != nil {
		return "", err
	}
	dk, err := crypto.KeyFromSeed(seed)
	if err != nil {
		return "", err
	}
	if err := crypto.WriteHexFile(path, seed, 0o600); err != nil {
		return "", err
	}
	pub := path + ".pub"
	if err := crypto.WriteHexFile(pub, dk.EncapsulationKey(), 0o644); err != nil {
		return "", err
	}
	return pub, nil
}
