package logic

import (
	"math"
	"math/bits"

	"github.com/blues/groupbuy/internal/model"
	"github.com/ethereum/go-ethereum/common"
)

// settlementLine 结算时单个出资人的退款
type settlementLine struct {
	Index  int
	To     common.Address
	Funds  uint64
	Share  uint64
	Refund uint64
}

// proRataShare floor(spent * funds / raised)，乘积按128位计算
func proRataShare(spent, funds, raised uint64) uint64 {
	if raised == 0 {
		return 0
	}
	hi, lo := bits.Mul64(spent, funds)
	if hi >= raised {
		// 商超出64位，必然大于 funds
		return math.MaxUint64
	}
	q, _ := bits.Div64(hi, lo, raised)
	return q
}

// planSettlement 按下标倒序计算每个出资人的退款
// balance 在开始时取一次 raised - spent，之后只减不增
func planSettlement(d *model.Drop, spent uint64) []settlementLine {
	raised := d.Raised
	var balance uint64
	if raised > spent {
		balance = raised - spent
	}

	lines := make([]settlementLine, 0, len(d.Funders))
	for i := len(d.Funders) - 1; i >= 0; i-- {
		f := d.Funders[i]
		if !f.Active() {
			continue
		}
		share := proRataShare(spent, f.Amount, raised)
		var refund uint64
		if share <= f.Amount {
			refund = f.Amount - share
		}
		if refund > balance {
			refund = balance
		}
		balance -= refund
		lines = append(lines, settlementLine{
			Index:  i,
			To:     f.Address,
			Funds:  f.Amount,
			Share:  share,
			Refund: refund,
		})
	}
	return lines
}
