package cli

import (
	"errors"

	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"
)

var (
	simulatePair  string
	simulatePrice string
)

var simulateCmd = &cobra.Command{
	Use:   "simulate-alert",
	Short: "发送一条模拟执行告警，用于验证告警通道",
	RunE: func(cmd *cobra.Command, args []string) error {
		price, err := decimal.NewFromString(simulatePrice)
		if err != nil || !price.IsPositive() {
			return errors.New("--price 必须为大于 0 的数字")
		}
		return getApp().SimulateAlert(cmd.Context(), simulatePair, price)
	},
}

func init() {
	simulateCmd.Flags().StringVar(&simulatePair, "pair", "", "交易对名称（默认第一个配置的交易对）")
	simulateCmd.Flags().StringVar(&simulatePrice, "price", "1.05", "模拟的 DEX 价格 reserve0/reserve1")
}
