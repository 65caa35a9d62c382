package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/compresr/usage-monitor/internal/accounting"
	"github.com/compresr/usage-monitor/internal/exchange"
	"github.com/compresr/usage-monitor/internal/utils"
)

func newCheckCmd(configPath *string) *cobra.Command {
	var (
		user  string
		model string
	)

	cmd := &cobra.Command{
		Use:   "check",
		Short: "Run a one-off balance check for a principal",
		Long:  "Call the accounting service's inlet endpoint once and report the principal's balance. Nothing is billed.",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(*configPath, true)
			if err != nil {
				return err
			}

			p := newPrinter(cmd.OutOrStdout())
			p.info(fmt.Sprintf("Accounting service: %s (key %s)", cfg.Accounting.APIEndpoint, utils.MaskKey(cfg.Accounting.APIKey)))

			body, err := utils.MarshalNoEscape(map[string]any{
				"model":    model,
				"messages": []map[string]string{{"role": "user", "content": "balance check"}},
			})
			if err != nil {
				return err
			}
			ex, err := exchange.New(body)
			if err != nil {
				return err
			}

			client := accounting.NewClient(cfg.Accounting.APIEndpoint, cfg.Accounting.APIKey,
				accounting.WithTimeout(cfg.Accounting.Timeout))
			res, err := client.Inlet(context.Background(), exchange.Principal{ID: user}, ex)
			switch {
			case accounting.IsAuth(err):
				p.warn("Accounting service rejected the API key; exchanges would pass through unbilled")
				return nil
			case err != nil:
				p.fail(err.Error())
				return fmt.Errorf("balance check failed (%s)", accounting.Kind(err))
			case res.Balance <= 0:
				p.warn(fmt.Sprintf("Principal %s has no balance left (%.4f); requests would be blocked", user, res.Balance))
				return nil
			default:
				p.success(fmt.Sprintf("Principal %s balance: %.4f", user, res.Balance))
				return nil
			}
		},
	}

	cmd.Flags().StringVarP(&user, "user", "u", "", "principal id to check")
	cmd.Flags().StringVar(&model, "model", "", "model name sent with the check request")
	_ = cmd.MarkFlagRequired("user")

	return cmd
}
