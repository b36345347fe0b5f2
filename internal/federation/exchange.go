package federation

import (
	"strconv"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/and161185/robosync/internal/model"
)

// Exchange summarizes the federation as one market.
type Exchange struct {
	OnlineCoordinators  int
	TotalCoordinators   int
	NumPublicBuyOrders  int
	NumPublicSellOrders int
	BookLiquidity       int64
	ActiveRobotsToday   int
	LastDayVolume       decimal.Decimal
	LifetimeVolume      decimal.Decimal
	Version             string // highest version among online coordinators
	Limits              model.Limits
}

// Exchange aggregates cached info and limits of enabled coordinators.
// Limits merge to the widest range: min of mins, max of maxes, mean price.
func (f *Federation) Exchange() Exchange {
	var ex Exchange
	enabled := f.Enabled()
	ex.TotalCoordinators = len(enabled)

	priceSum := map[int]decimal.Decimal{}
	priceN := map[int]int64{}
	ex.Limits = model.Limits{}

	for _, c := range enabled {
		if !c.Live() {
			continue
		}
		info := c.Info()
		if info == nil {
			continue
		}
		ex.OnlineCoordinators++
		ex.NumPublicBuyOrders += info.NumPublicBuyOrders
		ex.NumPublicSellOrders += info.NumPublicSellOrders
		ex.BookLiquidity += info.BookLiquidity
		ex.ActiveRobotsToday += info.ActiveRobotsToday
		ex.LastDayVolume = ex.LastDayVolume.Add(info.LastDayVolume)
		ex.LifetimeVolume = ex.LifetimeVolume.Add(info.LifetimeVolume)
		if newerVersion(info.Version, ex.Version) {
			ex.Version = info.Version
		}

		for cur, l := range c.Limits() {
			priceSum[cur] = priceSum[cur].Add(l.Price)
			priceN[cur]++
			m, ok := ex.Limits[cur]
			if !ok {
				ex.Limits[cur] = l
				continue
			}
			if l.MinAmount.LessThan(m.MinAmount) {
				m.MinAmount = l.MinAmount
			}
			if l.MaxAmount.GreaterThan(m.MaxAmount) {
				m.MaxAmount = l.MaxAmount
			}
			ex.Limits[cur] = m
		}
	}
	for cur, m := range ex.Limits {
		m.Price = priceSum[cur].Div(decimal.NewFromInt(priceN[cur]))
		ex.Limits[cur] = m
	}
	return ex
}

// newerVersion compares dotted versions numerically. An empty b is older than anything.
func newerVersion(a, b string) bool {
	if b == "" {
		return a != ""
	}
	pa, pb := strings.Split(a, "."), strings.Split(b, ".")
	for i := 0; i < max(len(pa), len(pb)); i++ {
		var x, y int
		if i < len(pa) {
			x, _ = strconv.Atoi(pa[i])
		}
		if i < len(pb) {
			y, _ = strconv.Atoi(pb[i])
		}
		if x != y {
			return x > y
		}
	}
	return false
}
