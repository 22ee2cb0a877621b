package market

import "time"

// ReleaseEligible reports whether an escrow delivered at deliveredAt (unix
// seconds) is eligible for permissionless auto-release at now. It is a pure
// predicate so external schedulers can poll eligibility without re-deriving
// the rule; it never mutates state.
func ReleaseEligible(now, deliveredAt int64, timeout time.Duration) bool {
	if deliveredAt <= 0 {
		return false
	}
	return now-deliveredAt >= int64(timeout/time.Second)
}

// DueAutoReleases enumerates the asset keys of delivered escrows whose
// auto-release timeout has elapsed at now. Enumeration is best-effort and
// read-only; callers invoke AutoRelease per key and tolerate races with
// concurrent confirmations.
func (e *Engine) DueAutoReleases(now int64) ([]AssetKey, error) {
	if e == nil || e.state == nil {
		return nil, errNilState
	}
	var due []AssetKey
	err := e.state.EscrowList(func(esc *Escrow) bool {
		if esc == nil {
			return true
		}
		if esc.Status == StatusDelivered && ReleaseEligible(now, esc.DeliveryTime, e.autoReleaseTimeout) {
			due = append(due, esc.Asset.Clone())
		}
		return true
	})
	if err != nil {
		return nil, err
	}
	return due, nil
}
