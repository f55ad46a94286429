package domain

import "fmt"

// AccountKey scopes an isolated virtual account to one (asset,
// direction) pair. The set of keys is fixed at process start; there is
// no account per market instance.
type AccountKey struct {
	Asset     string
	Direction Direction
}

func (k AccountKey) String() string {
	return fmt.Sprintf("%s/%s", k.Asset, k.Direction)
}

// IsolatedAccount is one virtual bankroll/exposure/PnL bucket. No
// leverage: MaxExposure tracks max(0, Bankroll) after every PnL update.
// Invariant: CurrentExposure ≥ 0.
type IsolatedAccount struct {
	Key             AccountKey
	Bankroll        float64
	MaxExposure     float64
	CurrentExposure float64
	RealizedPnL     float64
	UnrealizedPnL   float64
}

// Available returns the bankroll not currently committed.
func (a IsolatedAccount) Available() float64 {
	v := a.MaxExposure - a.CurrentExposure
	if v < 0 {
		return 0
	}
	return v
}
