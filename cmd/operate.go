package cmd

import (
	"encoding/json"
	"fmt"
	"io"

	"github.com/ethereum/go-ethereum/common"
	"github.com/spf13/cobra"

	"github.com/AvaProtocol/ap-wallet/core/aaengine"
)

var (
	userID       string
	token        string
	tokenOut     string
	recipient    string
	amount       string
	minAmountOut string
	tokenURI     string
)

var (
	transferCmd = &cobra.Command{
		Use:   "transfer",
		Short: "Send an ERC-20 or native amount from the user's smart wallet",
		Example: `  ap-wallet transfer --user +14155550100 --token usdt --to 0x000000000000000000000000000000000000bEEF --amount 50
  ap-wallet transfer --user +14155550100 --token native --to 0x000000000000000000000000000000000000bEEF --amount 0.1`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return execute(cmd, aaengine.Request{
				Kind:      aaengine.Transfer,
				Token:     token,
				Recipient: recipient,
				Amount:    amount,
			})
		},
	}

	swapCmd = &cobra.Command{
		Use:     "swap",
		Short:   "Swap one ERC-20 for another through the network's router",
		Example: `  ap-wallet swap --user +14155550100 --token usdt --token-out usdc --amount 20 --min-out 19.5`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return execute(cmd, aaengine.Request{
				Kind:         aaengine.Swap,
				Token:        token,
				TokenOut:     tokenOut,
				Amount:       amount,
				MinAmountOut: minAmountOut,
			})
		},
	}

	mintCmd = &cobra.Command{
		Use:     "mint",
		Short:   "Mint an NFT to the user's smart wallet or a recipient",
		Example: `  ap-wallet mint --user +14155550100 --uri ipfs://bafy.../1.json`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return execute(cmd, aaengine.Request{
				Kind:      aaengine.Mint,
				Recipient: recipient,
				TokenURI:  tokenURI,
			})
		},
	}
)

func execute(cmd *cobra.Command, req aaengine.Request) error {
	req.UserID = userID
	req.Network = network

	s, err := openSession(cmd.Context())
	if err != nil {
		return err
	}
	defer s.Close()

	res, err := s.rt.Engine.Execute(cmd.Context(), req)
	return printResult(cmd.OutOrStdout(), res, err)
}

type resultView struct {
	OperationID string `json:"operation_id,omitempty"`
	State       string `json:"state,omitempty"`
	Sender      string `json:"sender,omitempty"`
	UserOpHash  string `json:"user_op_hash,omitempty"`
	TxHash      string `json:"tx_hash,omitempty"`
	Attempts    int    `json:"attempts,omitempty"`
	ErrorKind   string `json:"error_kind,omitempty"`
	Error       string `json:"error,omitempty"`
}

// printResult writes the outcome as json and passes err through so the
// process exits non-zero on failure.
func printResult(w io.Writer, res *aaengine.Result, err error) error {
	var v resultView
	if res != nil {
		v.OperationID = res.OperationID
		v.State = string(res.State)
		v.Attempts = res.Attempts
		if res.Sender != (common.Address{}) {
			v.Sender = res.Sender.Hex()
		}
		if res.UserOpHash != (common.Hash{}) {
			v.UserOpHash = res.UserOpHash.Hex()
		}
		if res.Receipt != nil {
			v.TxHash = res.Receipt.TxHash.Hex()
		}
	}
	if err != nil {
		v.ErrorKind = string(aaengine.KindOf(err))
		v.Error = err.Error()
	}

	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if encErr := enc.Encode(v); encErr != nil {
		return encErr
	}
	if err != nil {
		return fmt.Errorf("operation failed: %s", v.ErrorKind)
	}
	return nil
}

func init() {
	for _, c := range []*cobra.Command{transferCmd, swapCmd, mintCmd} {
		c.Flags().StringVarP(&userID, "user", "u", "", "E.164 phone number of the user")
		c.MarkFlagRequired("user")
		rootCmd.AddCommand(c)
	}

	transferCmd.Flags().StringVar(&token, "token", "", `token symbol, address or "native"`)
	transferCmd.Flags().StringVar(&recipient, "to", "", "recipient address")
	transferCmd.Flags().StringVar(&amount, "amount", "", "amount in human units, e.g. 12.5")

	swapCmd.Flags().StringVar(&token, "token", "", "token to sell")
	swapCmd.Flags().StringVar(&tokenOut, "token-out", "", "token to buy")
	swapCmd.Flags().StringVar(&amount, "amount", "", "amount to sell in human units")
	swapCmd.Flags().StringVar(&minAmountOut, "min-out", "", "minimum amount to receive in human units")

	mintCmd.Flags().StringVar(&recipient, "to", "", "recipient address, defaults to the smart wallet")
	mintCmd.Flags().StringVar(&tokenURI, "uri", "", "token metadata uri")
}
