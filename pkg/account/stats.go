package account

import (
	"maps"
	"slices"

	"github.com/shopspring/decimal"
)

// Summarize aggregates the history entries. It returns nil for an empty
// history.
func Summarize(items []HistoryItem) *Overview {
	if len(items) == 0 {
		return nil
	}
	o := &Overview{
		TotalTransactions: len(items),
		TotalGasFeesETH:   decimal.Zero,
		TotalGasFeesUSD:   decimal.Zero,
		Interactions: Interactions{
			InitiatedByEOA: map[string]int{},
			SentTo:         map[string]int{},
			ReceivedFrom:   map[string]int{},
		},
	}
	tokens := map[string]struct{}{}

	for _, item := range items {
		if !item.TimeAt.IsZero() {
			if o.TimeRange[0].IsZero() || item.TimeAt.Before(o.TimeRange[0].Time) {
				o.TimeRange[0] = item.TimeAt
			}
			if item.TimeAt.After(o.TimeRange[1].Time) {
				o.TimeRange[1] = item.TimeAt
			}
		}
		if tx := item.Tx; tx != nil {
			o.TotalGasFeesETH = o.TotalGasFeesETH.Add(decimal.NewFromFloat(tx.EthGasFee))
			o.TotalGasFeesUSD = o.TotalGasFeesUSD.Add(decimal.NewFromFloat(tx.UsdGasFee))
			if tx.FromEOA != "" {
				o.Interactions.InitiatedByEOA[tx.FromEOA]++
			}
		}
		for _, s := range item.Sends {
			tokens[s.TokenID] = struct{}{}
			if s.ToAddr != "" {
				o.Interactions.SentTo[s.ToAddr]++
			}
		}
		for _, r := range item.Receives {
			tokens[r.TokenID] = struct{}{}
			if r.FromAddr != "" {
				o.Interactions.ReceivedFrom[r.FromAddr]++
			}
		}
	}
	delete(tokens, "")
	o.TokensInvolved = slices.Sorted(maps.Keys(tokens))
	if o.TokensInvolved == nil {
		o.TokensInvolved = []string{}
	}
	return o
}
