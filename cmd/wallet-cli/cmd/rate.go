package cmd

import (
	"github.com/spf13/cobra"

	"wallet-ledger/internal/service/ledger"
)

var rateCmd = &cobra.Command{
	Use:   "rate [material]",
	Short: "查看物料费率",
	Long: `输出某个物料的单价、积分和环保系数, 以及是否计入共享基金。
不带参数时输出整张费率表。只读取配置, 不连接数据库。`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		rates, err := ledger.RateTableFromConfig(cfg.Ledger)
		if err != nil {
			return err
		}
		if len(args) == 0 {
			return printJSON(cmd.OutOrStdout(), rates.Entries())
		}
		return printJSON(cmd.OutOrStdout(), rates.RateFor(args[0]))
	},
}

func init() {
	rootCmd.AddCommand(rateCmd)
}
