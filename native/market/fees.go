package market

import "math/big"

// SplitFee computes the platform fee and the net seller payout for a captured
// amount. The fee is floor(amount * feeBps / 10000); the division remainder
// stays with the seller, so fee + net == amount holds exactly for every
// input. Callers are responsible for keeping feeBps within [0, 10000].
func SplitFee(amount *big.Int, feeBps uint32) (fee, net *big.Int) {
	total := amount
	if total == nil {
		total = big.NewInt(0)
	}
	fee = new(big.Int).Mul(total, new(big.Int).SetUint64(uint64(feeBps)))
	fee.Div(fee, big.NewInt(10_000))
	net = new(big.Int).Sub(total, fee)
	return fee, net
}
