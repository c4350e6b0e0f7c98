package fee

import (
	"fmt"

	"github.com/shopspring/decimal"
)

const maxBps = 10_000

type Split struct {
	Gross int64
	Fee   int64
	Net   int64
}

// Compute splits amount into the platform fee and the owner's net share.
// The fee is amount × rate rounded half up to the nearest minor unit.
func Compute(amount, rateBps int64) (Split, error) {
	if amount < 0 {
		return Split{}, fmt.Errorf("negative amount %d", amount)
	}
	if rateBps < 0 || rateBps > maxBps {
		return Split{}, fmt.Errorf("fee rate %d bps out of range", rateBps)
	}

	rate := decimal.New(rateBps, -4)
	platformFee := decimal.NewFromInt(amount).Mul(rate).Round(0).IntPart()

	return Split{
		Gross: amount,
		Fee:   platformFee,
		Net:   amount - platformFee,
	}, nil
}
