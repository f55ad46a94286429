package exchange

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Clave de pruebas, nunca usada en ninguna red real.
const testKeyHex = "ac0974bec39a17e36ba4a6b4d238ff944bacb478cbed5efcae784d7bf4f2ff80"

func newTestAuthClient(t *testing.T) *AuthClient {
	t.Helper()
	ac, err := NewAuthClient("https://clob.example.com", testKeyHex)
	require.NoError(t, err)
	return ac
}

func TestNewAuthClient_DerivesAddress(t *testing.T) {
	ac := newTestAuthClient(t)
	assert.Equal(t, "0xf39Fd6e51aad88F6F4ce6aB8827279cffFb92266", ac.Address())

	_, err := NewAuthClient("https://clob.example.com", "no-es-hex")
	require.Error(t, err)
}

func TestSignAttestation(t *testing.T) {
	ac := newTestAuthClient(t)

	sig, err := ac.signAttestation("1700000000")
	require.NoError(t, err)

	// Firma ECDSA de 65 bytes en hex con prefijo.
	assert.Len(t, sig, 132)
	assert.Equal(t, "0x", sig[:2])

	// Mismo timestamp, misma firma; timestamp distinto, firma distinta.
	again, err := ac.signAttestation("1700000000")
	require.NoError(t, err)
	assert.Equal(t, sig, again)

	other, err := ac.signAttestation("1700000001")
	require.NoError(t, err)
	assert.NotEqual(t, sig, other)
}

func TestSignHeaders_VerifiableHMAC(t *testing.T) {
	ac := newTestAuthClient(t)
	secret := base64.URLEncoding.EncodeToString([]byte("super-secret"))
	ac.creds = &clobCreds{APIKey: "key-1", Secret: secret, Passphrase: "pass-1"}

	headers, err := ac.signHeaders("post", "/order", `{"x":1}`)
	require.NoError(t, err)

	assert.Equal(t, ac.Address(), headers["POLY_ADDRESS"])
	assert.Equal(t, "key-1", headers["POLY_API_KEY"])
	assert.Equal(t, "pass-1", headers["POLY_PASSPHRASE"])

	// Recalcula el HMAC con el timestamp emitido: el método va en
	// mayúsculas dentro del mensaje firmado.
	mac := hmac.New(sha256.New, []byte("super-secret"))
	mac.Write([]byte(headers["POLY_TIMESTAMP"] + "POST" + "/order" + `{"x":1}`))
	assert.Equal(t, base64.URLEncoding.EncodeToString(mac.Sum(nil)), headers["POLY_SIGNATURE"])
}

func TestBuildSignedOrder_IntegerAmounts(t *testing.T) {
	ac := newTestAuthClient(t)

	// BUY de $10 a 0.50: entrega 10 USDC (1e6 unidades por dólar) y
	// recibe 20 shares.
	buy, err := ac.buildSignedOrder("123456", "BUY", 0.50, 10, false)
	require.NoError(t, err)
	assert.Equal(t, "10000000", buy.MakerAmount.String())
	assert.Equal(t, "20000000", buy.TakerAmount.String())
	assert.Equal(t, ac.Address(), buy.Maker.Hex())
	assert.NotEmpty(t, buy.Signature)

	// SELL invierte los lados.
	sell, err := ac.buildSignedOrder("123456", "SELL", 0.50, 10, false)
	require.NoError(t, err)
	assert.Equal(t, "20000000", sell.MakerAmount.String())
	assert.Equal(t, "10000000", sell.TakerAmount.String())

	// Tamaño cero no produce una orden firmable.
	_, err = ac.buildSignedOrder("123456", "BUY", 0.50, 0, false)
	require.Error(t, err)
}

func TestPricePrecision(t *testing.T) {
	assert.Equal(t, int64(100), pricePrecision(0.60))
	assert.Equal(t, int64(1000), pricePrecision(0.673))
	assert.Equal(t, int64(10000), pricePrecision(0.1234))
	// Precios fuera de cualquier tick conocido caen al tick grueso.
	assert.Equal(t, int64(100), pricePrecision(0.123456))
}
