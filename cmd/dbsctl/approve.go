package main

import (
	"context"
	"fmt"
	"math/big"
	"net/http"
	"time"

	"github.com/spf13/cobra"

	"github.com/oceanprotocol/uploader-backend/internal/allowance"
)

var (
	approveRPC     string
	approveToken   string
	approveSpender string
	approveOwner   string
	approveAmount  string
	approveTimeout time.Duration
)

func init() {
	approveCmd.Flags().StringVarP(&approveRPC, "rpc", "", "http://127.0.0.1:8545", "ethereum json-rpc endpoint holding the owner account")
	approveCmd.Flags().StringVarP(&approveToken, "token", "", "", "erc-20 token address")
	approveCmd.Flags().StringVarP(&approveSpender, "spender", "", "", "address allowed to spend, usually the quote approveAddress")
	approveCmd.Flags().StringVarP(&approveOwner, "owner", "", "", "token owner address")
	approveCmd.Flags().StringVarP(&approveAmount, "amount", "", "", "amount in the token's base unit, usually the quote tokenAmount")
	approveCmd.Flags().DurationVarP(&approveTimeout, "timeout", "", 5*time.Minute, "how long to wait for the transaction to be mined")

	rootCmd.AddCommand(approveCmd)
}

var approveCmd = &cobra.Command{
	Use:   "approve",
	Short: "grant an erc-20 allowance for a quote",
	RunE:  doApprove,
}

func doApprove(cmd *cobra.Command, args []string) error {
	amount, ok := new(big.Int).SetString(approveAmount, 10)
	if !ok {
		return fmt.Errorf("amount %q must be a base 10 integer", approveAmount)
	}

	ctx, cancel := context.WithTimeout(context.Background(), approveTimeout)
	defer cancel()

	rpc, err := allowance.NewRPC(ctx, approveRPC, &http.Client{Timeout: 30 * time.Second})
	if err != nil {
		return err
	}
	defer rpc.Close()

	var approver allowance.Approver = rpc
	hash, err := approver.Approve(ctx, allowance.Approval{
		Token:   approveToken,
		Spender: approveSpender,
		Owner:   approveOwner,
		Amount:  amount,
	})
	if err != nil {
		if hash != "" {
			return fmt.Errorf("approve %s: %w", hash, err)
		}
		return fmt.Errorf("approve: %w", err)
	}

	fmt.Fprintf(cmd.OutOrStdout(), "approved:\t%s\n", hash)
	return nil
}
