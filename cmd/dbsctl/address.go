package main

import (
	"encoding/hex"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/oceanprotocol/uploader-backend/internal/signature"
)

var addressGenerate bool

func init() {
	addressCmd.Flags().BoolVarP(&addressGenerate, "generate", "g", false, "generate a new private key")

	rootCmd.AddCommand(addressCmd)
}

var addressCmd = &cobra.Command{
	Use:   "address",
	Short: "print the address of a private key",
	RunE:  doAddress,
}

func doAddress(cmd *cobra.Command, args []string) error {
	var (
		key []byte
		err error
	)
	if addressGenerate {
		key, err = signature.GenerateKey()
	} else {
		key, err = loadKey()
	}
	if err != nil {
		return err
	}

	addr, err := signature.AddressFromKey(key)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	if addressGenerate {
		fmt.Fprintf(out, "key:\t0x%s\n", hex.EncodeToString(key))
	}
	fmt.Fprintf(out, "address:\t%s\n", addr)
	return nil
}
