package exchange

// auth.go: authenticated CLOB access. L1 is an EIP-712 attestation
// signed with the wallet key, used once to derive API credentials; L2
// firma cada petición con HMAC-SHA256 sobre timestamp+método+path+body.

import (
	"context"
	"crypto/ecdsa"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"math/big"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/polymarket/go-order-utils/pkg/builder"
	"github.com/polymarket/go-order-utils/pkg/config"
	gomodel "github.com/polymarket/go-order-utils/pkg/model"
)

const (
	polygonChainID = int64(137)

	authDomainName    = "ClobAuthDomain"
	authDomainVersion = "1"
	authMessage       = "This message attests that I control the given wallet"

	// Zero taker address = public order.
	publicTaker = "0x0000000000000000000000000000000000000000"
)

// clobCreds are the L2 API credentials derived from the wallet.
type clobCreds struct {
	APIKey     string `json:"apiKey"`
	Secret     string `json:"secret"`
	Passphrase string `json:"passphrase"`
}

// AuthClient extends the base Client with order signing and
// authenticated requests.
type AuthClient struct {
	*Client
	privateKey   *ecdsa.PrivateKey
	address      common.Address
	contracts    *config.Contracts
	orderBuilder builder.ExchangeOrderBuilder
	creds        *clobCreds
}

// NewAuthClient creates an authenticated trading client from a Polygon
// private key (hex, with or without 0x prefix).
func NewAuthClient(clobBase, privateKeyHex string) (*AuthClient, error) {
	key, err := crypto.HexToECDSA(strings.TrimPrefix(privateKeyHex, "0x"))
	if err != nil {
		return nil, fmt.Errorf("auth: invalid private key: %w", err)
	}

	contracts, err := config.GetContracts(polygonChainID)
	if err != nil {
		return nil, fmt.Errorf("auth: get contracts: %w", err)
	}

	return &AuthClient{
		Client:       NewClient(clobBase),
		privateKey:   key,
		address:      crypto.PubkeyToAddress(key.PublicKey),
		contracts:    contracts,
		orderBuilder: builder.NewExchangeOrderBuilderImpl(big.NewInt(polygonChainID), nil),
	}, nil
}

// Address returns the wallet address.
func (ac *AuthClient) Address() string {
	return ac.address.Hex()
}

// EnsureCreds derives the L2 API credentials once and caches them. The
// attestation is re-signed on every retry attempt so the timestamp the
// server checks never goes stale mid-backoff.
func (ac *AuthClient) EnsureCreds(ctx context.Context) error {
	if ac.creds != nil {
		return nil
	}

	var creds clobCreds
	err := ac.doWithRetry(ctx, ac.clobLimiter, func() (*http.Response, error) {
		ts := strconv.FormatInt(time.Now().Unix(), 10)
		sig, err := ac.signAttestation(ts)
		if err != nil {
			return nil, fmt.Errorf("sign attestation: %w", err)
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodGet, ac.clobBase+"/auth/derive-api-key", nil)
		if err != nil {
			return nil, err
		}
		req.Header.Set("POLY_ADDRESS", ac.address.Hex())
		req.Header.Set("POLY_SIGNATURE", sig)
		req.Header.Set("POLY_TIMESTAMP", ts)
		req.Header.Set("POLY_NONCE", "0")
		return ac.http.Do(req)
	}, &creds)
	if err != nil {
		return fmt.Errorf("auth: derive-api-key: %w", err)
	}

	ac.creds = &creds
	return nil
}

var (
	eip712DomainTypeHash = crypto.Keccak256Hash([]byte(
		"EIP712Domain(string name,string version,uint256 chainId)",
	))
	clobAuthTypeHash = crypto.Keccak256Hash([]byte(
		"ClobAuth(address address,string timestamp,uint256 nonce,string message)",
	))
)

// signAttestation signs the ClobAuth typed data for L1 auth. The nonce
// is always zero for credential derivation.
func (ac *AuthClient) signAttestation(timestamp string) (string, error) {
	domainSep := crypto.Keccak256Hash(concat(
		eip712DomainTypeHash.Bytes(),
		crypto.Keccak256Hash([]byte(authDomainName)).Bytes(),
		crypto.Keccak256Hash([]byte(authDomainVersion)).Bytes(),
		common.LeftPadBytes(big.NewInt(polygonChainID).Bytes(), 32),
	))

	structHash := crypto.Keccak256Hash(concat(
		clobAuthTypeHash.Bytes(),
		common.LeftPadBytes(ac.address.Bytes(), 32),
		crypto.Keccak256Hash([]byte(timestamp)).Bytes(),
		common.LeftPadBytes(big.NewInt(0).Bytes(), 32),
		crypto.Keccak256Hash([]byte(authMessage)).Bytes(),
	))

	digest := crypto.Keccak256Hash(concat([]byte{0x19, 0x01}, domainSep.Bytes(), structHash.Bytes()))

	sig, err := crypto.Sign(digest.Bytes(), ac.privateKey)
	if err != nil {
		return "", err
	}
	sig[64] += 27
	return "0x" + fmt.Sprintf("%x", sig), nil
}

func concat(parts ...[]byte) []byte {
	var out []byte
	for _, p := range parts {
		out = append(out, p...)
	}
	return out
}

// signHeaders builds the HMAC headers for one L2 request.
func (ac *AuthClient) signHeaders(method, path, body string) (map[string]string, error) {
	secret, err := base64.URLEncoding.DecodeString(ac.creds.Secret)
	if err != nil {
		return nil, fmt.Errorf("decode secret: %w", err)
	}

	ts := strconv.FormatInt(time.Now().Unix(), 10)
	mac := hmac.New(sha256.New, secret)
	mac.Write([]byte(ts + strings.ToUpper(method) + path + body))

	return map[string]string{
		"POLY_ADDRESS":    ac.address.Hex(),
		"POLY_SIGNATURE":  base64.URLEncoding.EncodeToString(mac.Sum(nil)),
		"POLY_TIMESTAMP":  ts,
		"POLY_API_KEY":    ac.creds.APIKey,
		"POLY_PASSPHRASE": ac.creds.Passphrase,
	}, nil
}

// doSigned executes an authenticated request through the shared retry
// loop. Los headers HMAC se regeneran en cada intento para que el
// timestamp no caduque durante el backoff.
func (ac *AuthClient) doSigned(ctx context.Context, method, path string, reqBody, out any) error {
	if ac.creds == nil {
		return fmt.Errorf("auth: credentials not derived yet")
	}

	var payload string
	if reqBody != nil {
		b, err := json.Marshal(reqBody)
		if err != nil {
			return fmt.Errorf("marshal: %w", err)
		}
		payload = string(b)
	}

	return ac.doWithRetry(ctx, ac.clobLimiter, func() (*http.Response, error) {
		headers, err := ac.signHeaders(method, path, payload)
		if err != nil {
			return nil, err
		}

		var body io.Reader
		if payload != "" {
			body = strings.NewReader(payload)
		}
		req, err := http.NewRequestWithContext(ctx, method, ac.clobBase+path, body)
		if err != nil {
			return nil, err
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("Accept", "application/json")
		for k, v := range headers {
			req.Header.Set(k, v)
		}
		return ac.http.Do(req)
	}, out)
}

// buildSignedOrder creates an EIP-712 signed order. price is the token
// price and size the USDC notional. Integer arithmetic throughout: the
// CLOB verifies makerAmount == price × takerAmount exactly, floats no
// sobreviven esa comprobación.
func (ac *AuthClient) buildSignedOrder(tokenID, side string, price, size float64, negRisk bool) (*gomodel.SignedOrder, error) {
	precision := pricePrecision(price)
	priceInt := int64(math.Round(price * float64(precision)))
	sharesCents := int64(math.Floor(size / price * 100))

	amountFactor := int64(1_000_000) / (100 * precision)
	usdcAmount := sharesCents * priceInt * amountFactor
	sharesAmount := sharesCents * 10000

	if usdcAmount <= 0 || sharesAmount <= 0 {
		return nil, fmt.Errorf("invalid amounts: usdc=%d shares=%d (price=%.4f size=%.4f)", usdcAmount, sharesAmount, price, size)
	}

	// BUY entrega USDC y recibe shares; SELL al revés.
	gomodelSide := gomodel.BUY
	makerAmount, takerAmount := usdcAmount, sharesAmount
	if side == "SELL" {
		gomodelSide = gomodel.SELL
		makerAmount, takerAmount = sharesAmount, usdcAmount
	}

	verifyingContract := gomodel.CTFExchange
	if negRisk {
		verifyingContract = gomodel.NegRiskCTFExchange
	}

	orderData := &gomodel.OrderData{
		Maker:         ac.address.Hex(),
		Taker:         publicTaker,
		TokenId:       tokenID,
		MakerAmount:   strconv.FormatInt(makerAmount, 10),
		TakerAmount:   strconv.FormatInt(takerAmount, 10),
		FeeRateBps:    "0",
		Nonce:         "0",
		Signer:        ac.address.Hex(),
		Expiration:    "0",
		Side:          gomodelSide,
		SignatureType: gomodel.EOA,
	}

	signed, err := ac.orderBuilder.BuildSignedOrder(ac.privateKey, orderData, verifyingContract)
	if err != nil {
		return nil, fmt.Errorf("build signed order: %w", err)
	}
	return signed, nil
}

// pricePrecision returns the multiplier matching the market's tick
// size. e.g. price=0.60 → 100 (tick 0.01), 0.673 → 1000.
func pricePrecision(price float64) int64 {
	for _, prec := range []int64{100, 1000, 10000} {
		rounded := math.Round(price * float64(prec))
		if math.Abs(rounded/float64(prec)-price) < 1e-10 {
			return prec
		}
	}
	return 100
}
