package domain_test

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/alejandrodnm/updown/internal/domain"
)

func TestFeeCurve_PeaksAtCenter(t *testing.T) {
	fm := domain.DefaultFeeModel()

	assert.InDelta(t, 0.02, fm.Buy.Rate(0.50), 1e-9)
	assert.Less(t, fm.Buy.Rate(0.30), fm.Buy.Rate(0.50))
	assert.Less(t, fm.Buy.Rate(0.90), fm.Buy.Rate(0.70))

	// En los extremos la tasa se acerca al suelo.
	assert.InDelta(t, 0.002, fm.Buy.Rate(0.01), 0.002)
	assert.InDelta(t, 0.002, fm.Buy.Rate(0.99), 0.002)
}

func TestFeeCurve_ZeroWidthIsFlat(t *testing.T) {
	fc := domain.FeeCurve{Peak: 0.02, Floor: 0.005, Center: 0.50}
	assert.Equal(t, 0.005, fc.Rate(0.50))
}

func TestBuyEV(t *testing.T) {
	fm := domain.DefaultFeeModel()

	// Ventaja grande del modelo sobre el precio: EV positivo.
	assert.Positive(t, fm.BuyEV(0.70, 0.55))

	// Precio igual a la probabilidad: las comisiones lo dejan negativo.
	assert.Negative(t, fm.BuyEV(0.55, 0.55))

	// Comprar por encima del modelo siempre pierde.
	assert.Negative(t, fm.BuyEV(0.50, 0.60))
}

func TestSellProceeds(t *testing.T) {
	fm := domain.DefaultFeeModel()

	proceeds := fm.SellProceeds(0.60)
	assert.Less(t, proceeds, 0.60)
	assert.Greater(t, proceeds, 0.60*(1-fm.Sell.Peak))
}
