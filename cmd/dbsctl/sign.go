package main

import (
	"fmt"
	"net/url"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/oceanprotocol/uploader-backend/internal/signature"
)

var signNonce int64

func init() {
	signCmd.Flags().Int64VarP(&signNonce, "nonce", "n", 0, "nonce to sign, defaults to the current unix time")

	rootCmd.AddCommand(signCmd)
}

var signCmd = &cobra.Command{
	Use:   "sign <quoteId|userAddress>",
	Short: "sign a quote id or user address with a nonce",
	Args:  cobra.ExactArgs(1),
	RunE:  doSign,
}

func doSign(cmd *cobra.Command, args []string) error {
	key, err := loadKey()
	if err != nil {
		return err
	}

	nonce := signNonce
	if nonce == 0 {
		nonce = time.Now().Unix()
	}

	sig, err := signature.Sign(args[0], nonce, key)
	if err != nil {
		return fmt.Errorf("sign: %w", err)
	}

	q := url.Values{}
	q.Set("nonce", strconv.FormatInt(nonce, 10))
	q.Set("signature", sig)

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "message:\t%s\n", signature.Message(args[0], nonce))
	fmt.Fprintf(out, "nonce:\t%d\n", nonce)
	fmt.Fprintf(out, "signature:\t%s\n", sig)
	fmt.Fprintf(out, "query:\t%s\n", q.Encode())
	return nil
}
