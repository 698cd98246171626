package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"peg-keeper/internal/alerting"
	"peg-keeper/internal/executor"
)

// SimulateAlert 构造一条示例执行结果并通过已配置的告警通道发送，用于验证告警配置。
func (a *App) SimulateAlert(ctx context.Context, pairSymbol string, price decimal.Decimal) error {
	if !a.Config.Alerting.Enabled {
		return errors.New("alerting 未启用")
	}

	notifier := a.newNotifier()
	if notifier == nil {
		return errors.New("未配置任何告警通道")
	}

	pairs, err := a.Config.ResolvePairs()
	if err != nil {
		return err
	}
	pair := pairs[0]
	if pairSymbol != "" {
		found := false
		for _, p := range pairs {
			if p.Symbol == pairSymbol {
				pair, found = p, true
				break
			}
		}
		if !found {
			return fmt.Errorf("unknown pair %q", pairSymbol)
		}
	}

	action, sell, buy := "contract_and_sell", pair.Token0, pair.Token1
	if price.GreaterThan(decimal.NewFromInt(1)) {
		action, sell, buy = "expand_and_buy", pair.Token1, pair.Token0
	}

	note := alerting.Notification{
		Time:           time.Now().UTC(),
		Pair:           pair.Symbol,
		Action:         action,
		DexPrice:       price,
		SellSymbol:     sell.Symbol,
		AmountToSell:   decimal.NewFromInt(1000),
		BuySymbol:      buy.Symbol,
		AmountToBuyMin: decimal.NewFromInt(1000),
		Outcome:        executor.StateConfirmed.String(),
		Reason:         "simulated",
	}
	a.Logger.Info().Str("pair", pair.Symbol).Str("action", action).Msg("sending simulated alert")
	return notifier.Notify(ctx, note)
}
