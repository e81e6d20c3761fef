package advisor

import (
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
	"github.com/vadiminshakov/tradecore/internal/consensus"
	"github.com/vadiminshakov/tradecore/internal/domain"
)

// BuildUserPrompt renders the question for one consensus request.
func BuildUserPrompt(req consensus.Request) string {
	var sb strings.Builder

	sb.WriteString(fmt.Sprintf("# Market Alert for %s\n\n", req.Instrument.String()))

	sb.WriteString(formatAlert(req.Market))

	if req.Position != nil {
		sb.WriteString(formatPosition(req.Position, req.Market.Price))
	} else {
		sb.WriteString("## Current Position\n\n")
		sb.WriteString("**Status:** No open position\n\n")
	}

	sb.WriteString("## Instructions\n\n")
	sb.WriteString("Analyze the alert and provide your decision in JSON format.\n")
	if req.Kind == domain.DecisionKindPosition && req.Position != nil {
		sb.WriteString(fmt.Sprintf("You currently have an open %s position - decide whether to hold, close, partial_close or add.\n",
			strings.ToUpper(req.Position.Side.String())))
	} else {
		sb.WriteString("You have no open position - decide whether to enter_long, enter_short, or hold (wait).\n")
	}

	return sb.String()
}

func formatAlert(m domain.MarketSnapshot) string {
	var sb strings.Builder

	sb.WriteString("## Alert\n\n")
	alertType := m.AlertType
	if alertType == "" {
		alertType = "unspecified"
	}
	sb.WriteString(fmt.Sprintf("**Type:** %s\n", alertType))
	sb.WriteString(fmt.Sprintf("**Price:** %s\n", m.Price.String()))
	sb.WriteString(fmt.Sprintf("**24h Change:** %s%%\n", m.Change24h.StringFixed(2)))
	if note := strings.TrimSpace(m.Note); note != "" {
		sb.WriteString(fmt.Sprintf("**Note:** %s\n", note))
	}
	sb.WriteString("\n")

	return sb.String()
}

func formatPosition(pos *domain.Tracker, price decimal.Decimal) string {
	var sb strings.Builder

	sb.WriteString("## Current Position\n\n")
	sb.WriteString(fmt.Sprintf("**Side:** %s\n", pos.Side.String()))
	sb.WriteString(fmt.Sprintf("**Quantity:** %s\n", pos.Quantity.String()))
	sb.WriteString(fmt.Sprintf("**Entry Price:** %s\n", pos.EntryPrice.String()))
	sb.WriteString(fmt.Sprintf("**Stop Loss:** %s\n", pos.StopLoss.String()))
	sb.WriteString(fmt.Sprintf("**Take Profit:** %s\n", pos.TakeProfit.String()))
	if !pos.EntryTime.IsZero() {
		sb.WriteString(fmt.Sprintf("**Entry Time:** %s\n", pos.EntryTime.UTC().Format("2006-01-02 15:04 MST")))
	}
	if price.IsPositive() {
		sb.WriteString(fmt.Sprintf("**Unrealized P&L:** %s\n", pos.PnL(price).StringFixed(2)))
	}
	sb.WriteString("\n")

	return sb.String()
}
