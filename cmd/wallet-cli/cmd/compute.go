package cmd

import (
	"context"
	"time"

	"github.com/spf13/cobra"

	"wallet-ledger/internal/repository"
	"wallet-ledger/internal/service/ledger"
	"wallet-ledger/pkg/database"
	"wallet-ledger/pkg/logger"
)

var computeCmd = &cobra.Command{
	Use:   "compute",
	Short: "直接从记录库重算用户钱包 (Online)",
	Long: `连接上游记录库, 不经过缓存计算一次钱包视图。
上游不可用时输出 degraded 结果而不是报错, 与服务端行为一致。`,
	RunE: func(cmd *cobra.Command, args []string) error {
		userID, _ := cmd.Flags().GetString("user")
		timeout, _ := cmd.Flags().GetDuration("timeout")
		if err := ledger.ValidateUserID(userID); err != nil {
			return err
		}

		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		logger.Init(cfg.App.Env)
		defer logger.Sync()

		db, err := database.ConnectPostgres(cfg.DB.DSN(), cfg.App.Env)
		if err != nil {
			return err
		}
		if sqlDB, err := db.DB(); err == nil {
			defer sqlDB.Close()
		}

		calc, err := ledger.NewFromConfig(cfg.Ledger, repository.NewRecordRepository(db))
		if err != nil {
			return err
		}

		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()

		if cfg.Ledger.RateSyncInterval > 0 {
			syncRates(ctx, cmd, calc, repository.NewRecordRepository(db))
		}

		view, err := calc.ComputeWallet(ctx, userID)
		if err != nil {
			return err
		}
		return printJSON(cmd.OutOrStdout(), view)
	},
}

// syncRates 与服务端一样先用 materials 表的单价覆盖配置
func syncRates(ctx context.Context, cmd *cobra.Command, calc *ledger.Calculator, repo *repository.RecordRepository) {
	prices, err := repo.MaterialRates(ctx)
	if err != nil {
		cmd.PrintErrf("materials 表不可用, 使用配置中的单价: %v\n", err)
		return
	}
	rates := calc.Rates()
	if err := rates.Replace(ledger.MergePrices(rates.Entries(), prices, rates.Default())); err != nil {
		cmd.PrintErrf("materials 表单价无效, 使用配置中的单价: %v\n", err)
	}
}

func init() {
	rootCmd.AddCommand(computeCmd)
	computeCmd.Flags().StringP("user", "u", "", "用户 ID")
	computeCmd.Flags().Duration("timeout", 15*time.Second, "整体超时")
	_ = computeCmd.MarkFlagRequired("user")
}
