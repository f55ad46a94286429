package domain

import "math"

// FeeCurve is one side's parametric fee schedule: the fee percentage
// peaks at Center and decays toward Floor as the price moves away, with
// Width controlling how fast the bell falls off.
type FeeCurve struct {
	Peak   float64 // max fee rate, charged at Center
	Floor  float64 // fee rate far from Center
	Center float64 // price (≈ probability) where fees peak
	Width  float64 // standard deviation of the bell
}

// Rate returns the fee rate at the given price.
func (fc FeeCurve) Rate(price float64) float64 {
	if fc.Width <= 0 {
		return fc.Floor
	}
	d := price - fc.Center
	bell := math.Exp(-(d * d) / (2 * fc.Width * fc.Width))
	return fc.Floor + (fc.Peak-fc.Floor)*bell
}

// FeeModel carries separately parameterized buy and sell curves.
type FeeModel struct {
	Buy  FeeCurve
	Sell FeeCurve
}

// DefaultFeeModel mirrors the venue's published schedule: fees peak at
// the coin flip and fall toward the floor at the extremes, with selling
// slightly cheaper than buying.
func DefaultFeeModel() FeeModel {
	return FeeModel{
		Buy:  FeeCurve{Peak: 0.02, Floor: 0.002, Center: 0.50, Width: 0.18},
		Sell: FeeCurve{Peak: 0.015, Floor: 0.002, Center: 0.50, Width: 0.20},
	}
}

// BuyEV is the fee-adjusted expected value per share of buying at price
// when the model assigns modelProb to that side winning. A share pays 1
// on a win, so gross edge is modelProb − price; the fee is charged on
// the price paid.
func (fm FeeModel) BuyEV(modelProb, price float64) float64 {
	return modelProb - price - fm.Buy.Rate(price)*price
}

// SellProceeds is the per-share cash received selling at price after fees.
func (fm FeeModel) SellProceeds(price float64) float64 {
	return price * (1 - fm.Sell.Rate(price))
}
