package main

import (
	"fmt"
	"os"

	logging "github.com/ipfs/go-log/v2"
	"github.com/spf13/cobra"

	"github.com/oceanprotocol/uploader-backend/internal/signature"
)

const keyEnv = "DBSCTL_PRIVATE_KEY"

var (
	verbose bool
	keyHex  string
)

func init() {
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "verbose output")
	rootCmd.PersistentFlags().StringVarP(&keyHex, "key", "k", "", "hex private key, defaults to $"+keyEnv)
}

var rootCmd = &cobra.Command{
	Use:          "dbsctl",
	Short:        "uploader operator CLI",
	SilenceUsage: true,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		if verbose {
			logging.SetAllLoggers(logging.LevelDebug)
		}
	},
}

func loadKey() ([]byte, error) {
	s := keyHex
	if s == "" {
		s = os.Getenv(keyEnv)
	}
	if s == "" {
		return nil, fmt.Errorf("no private key, set --key or $%s", keyEnv)
	}
	return signature.ParseKey(s)
}
