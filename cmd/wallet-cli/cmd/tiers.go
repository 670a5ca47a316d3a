package cmd

import (
	"github.com/spf13/cobra"

	"wallet-ledger/internal/service/ledger"
)

var tiersCmd = &cobra.Command{
	Use:   "tiers",
	Short: "查看等级表",
	Long:  `按配置输出等级名称和所需的累计回收重量 (kg)。`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		tiers, err := ledger.TierTableFromConfig(cfg.Ledger.Tiers)
		if err != nil {
			return err
		}
		return printJSON(cmd.OutOrStdout(), tiers.Tiers())
	},
}

func init() {
	rootCmd.AddCommand(tiersCmd)
}
