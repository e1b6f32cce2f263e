package cmd

import (
	"encoding/hex"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/abdoulaahmad/transcrypt2/ident"
	"github.com/abdoulaahmad/transcrypt2/internal/config"
	"github.com/abdoulaahmad/transcrypt2/internal/util"
	"github.com/abdoulaahmad/transcrypt2/wallet"
)

var walletCmd = &cobra.Command{
	Use:   "wallet",
	Short: "Manage custodial wallet keys in the OS keyring",
	Long: `Custodial wallets let the server unseal transcript keys for an address
(read and share endpoints). Keys live in the OS keyring, or in an encrypted
file keyring when wallet.file_dir is set. Only the public key is printed.`,
}

var walletGenerateCmd = &cobra.Command{
	Use:   "generate <address>",
	Short: "Create a key pair for an address and print its public key",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		addr, err := ident.ParseAddress(args[0])
		if err != nil {
			return err
		}
		agent, err := openWalletKeyring()
		if err != nil {
			return err
		}
		pub, err := agent.Generate(addr)
		if err != nil {
			return err
		}
		fmt.Printf("Address:    %s\n", addr)
		fmt.Printf("Public key: %s\n", pub)
		fmt.Println("\nRegister it with PUT /api/v1/keys/" + addr.String())
		return nil
	},
}

var walletListCmd = &cobra.Command{
	Use:   "list",
	Short: "List addresses held in the keyring",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		agent, err := openWalletKeyring()
		if err != nil {
			return err
		}
		addrs, err := agent.Addresses()
		if err != nil {
			return err
		}
		for _, addr := range addrs {
			pub, err := agent.PublicKey(cmd.Context(), addr)
			if err != nil {
				fmt.Printf("%s  (unreadable: %v)\n", addr, err)
				continue
			}
			fmt.Printf("%s  %s\n", addr, pub)
		}
		return nil
	},
}

var escrowSecretCmd = &cobra.Command{
	Use:   "escrow-secret",
	Short: "Print a fresh random escrow secret (hex) for escrow.secret",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		secret, err := util.RandomBytes(32)
		if err != nil {
			return err
		}
		fmt.Println(hex.EncodeToString(secret))
		return nil
	},
}

// openWalletKeyring only needs the wallet section, so the rest of the
// configuration is not validated.
func openWalletKeyring() (*wallet.KeyringAgent, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	return openKeyring(cfg)
}

func init() {
	rootCmd.AddCommand(walletCmd, escrowSecretCmd)
	walletCmd.AddCommand(walletGenerateCmd, walletListCmd)
}
