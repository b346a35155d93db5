package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strconv"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/punchamoorthee/payrecon/internal/models"
	"github.com/punchamoorthee/payrecon/internal/parser"
)

var Version = "dev"

func main() {
	if err := rootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	c := &client{}
	root := &cobra.Command{
		Use:          "reconctl",
		Short:        "Operator tool for the payment reconciliation service",
		Version:      Version,
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVar(&c.server, "server", envOr("PAYRECON_SERVER", "http://localhost:8080"), "Service base URL")
	root.PersistentFlags().StringVar(&c.apiKey, "api-key", os.Getenv("API_KEY"), "Bearer secret")

	root.AddCommand(parseCmd())
	root.AddCommand(createCmd(c))
	root.AddCommand(statusCmd(c))
	root.AddCommand(historyCmd(c))
	root.AddCommand(notifyCmd(c))
	return root
}

func parseCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "parse [file]",
		Short: "Parse a bank notification offline and print the extracted fields",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			raw, err := readInput(cmd, args)
			if err != nil {
				return err
			}
			fact := parser.New(zap.NewNop()).Parse(raw)
			return printJSON(cmd.OutOrStdout(), fact)
		},
	}
}

func createCmd(c *client) *cobra.Command {
	return &cobra.Command{
		Use:   "create [transactionID] [amount]",
		Short: "Issue a payment code",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			amount, err := strconv.ParseInt(args[1], 10, 64)
			if err != nil {
				return fmt.Errorf("invalid amount %q: %w", args[1], err)
			}
			var resp models.CreateTransactionResponse
			req := models.CreateTransactionRequest{TransactionID: args[0], Amount: amount}
			if err := c.do(cmd.Context(), "POST", "/create_transaction", req, &resp); err != nil {
				return err
			}
			// The QR image is not useful on a terminal.
			resp.QRCodeData = ""
			return printJSON(cmd.OutOrStdout(), resp)
		},
	}
}

func statusCmd(c *client) *cobra.Command {
	return &cobra.Command{
		Use:   "status [code]",
		Short: "Show the status of a payment code",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var resp models.StatusResponse
			if err := c.do(cmd.Context(), "GET", "/check_transaction_status?code="+args[0], nil, &resp); err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), resp)
		},
	}
}

func historyCmd(c *client) *cobra.Command {
	return &cobra.Command{
		Use:   "history",
		Short: "Print the ledger in insertion order",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			var entries []json.RawMessage
			if err := c.do(cmd.Context(), "GET", "/transaction_history", nil, &entries); err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), entries)
		},
	}
}

func notifyCmd(c *client) *cobra.Command {
	return &cobra.Command{
		Use:   "notify [file]",
		Short: "Submit a raw bank notification for reconciliation",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			raw, err := readInput(cmd, args)
			if err != nil {
				return err
			}
			var resp models.AcceptedResponse
			if err := c.do(cmd.Context(), "POST", "/notifications", rawBody(raw), &resp); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), resp.Message)
			return nil
		},
	}
}

// readInput reads the named file, or stdin when no file or "-" is given.
func readInput(cmd *cobra.Command, args []string) (string, error) {
	if len(args) == 0 || args[0] == "-" {
		b, err := io.ReadAll(cmd.InOrStdin())
		return string(b), err
	}
	b, err := os.ReadFile(args[0])
	return string(b), err
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
