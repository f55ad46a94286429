// Package oracle reads reference prices. The live implementation talks
// to Chainlink aggregators on Polygon, the venue's own resolution
// source; the mock drives paper runs without an RPC endpoint.
package oracle

import (
	"context"
	"fmt"
	"math"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/ethclient"

	"github.com/alejandrodnm/updown/internal/domain"
)

// aggregatorABI is the minimal AggregatorV3Interface surface we need.
const aggregatorABI = `[
	{"inputs":[],"name":"latestRoundData","outputs":[
		{"internalType":"uint80","name":"roundId","type":"uint80"},
		{"internalType":"int256","name":"answer","type":"int256"},
		{"internalType":"uint256","name":"startedAt","type":"uint256"},
		{"internalType":"uint256","name":"updatedAt","type":"uint256"},
		{"internalType":"uint80","name":"answeredInRound","type":"uint80"}
	],"stateMutability":"view","type":"function"},
	{"inputs":[],"name":"decimals","outputs":[
		{"internalType":"uint8","name":"","type":"uint8"}
	],"stateMutability":"view","type":"function"}
]`

// defaultMaxStaleness rejects rounds older than this. Los feeds de
// cripto en Polygon laten cada ~27s; varios minutos sin update significa
// feed roto o RPC desincronizado.
const defaultMaxStaleness = 5 * time.Minute

// knownAggregators is the hardcoded whitelist of Chainlink aggregator
// proxies on Polygon PoS. Una dirección configurada fuera de esta lista
// se rechaza en el arranque: un feed equivocado ancla el modelo a un
// precio que no es el del activo.
var knownAggregators = map[string]common.Address{
	"BTC":  common.HexToAddress("0xc907E116054Ad103354f2D350FD2514433D57F6f"),
	"ETH":  common.HexToAddress("0xF9680D99D6C9589e2a93a78A04A279e509205945"),
	"SOL":  common.HexToAddress("0x10C8264C0935b3B9870013e057f330Ff3e9C56dC"),
	"LINK": common.HexToAddress("0xd9FFdb71EbE7496cC440152d43986Aae0AB76665"),
	"POL":  common.HexToAddress("0xAB594600376Ec9fD91F8e885dADF0CE036862dE0"),
}

// Chainlink reads latestRoundData from per-asset aggregator contracts.
type Chainlink struct {
	client       *ethclient.Client
	feeds        map[string]common.Address
	abi          abi.ABI
	maxStaleness time.Duration

	decimals map[string]uint8 // asset → feed decimals, cached after first read
}

// NewChainlink dials the RPC endpoint and validates the feed map.
func NewChainlink(rpcURL string, feeds map[string]string, maxStaleness time.Duration) (*Chainlink, error) {
	client, err := ethclient.Dial(rpcURL)
	if err != nil {
		return nil, fmt.Errorf("oracle.NewChainlink: dial %q: %w", rpcURL, err)
	}

	parsed, err := abi.JSON(strings.NewReader(aggregatorABI))
	if err != nil {
		return nil, fmt.Errorf("oracle.NewChainlink: parse abi: %w", err)
	}

	addrs := make(map[string]common.Address, len(feeds))
	for asset, addr := range feeds {
		if !common.IsHexAddress(addr) {
			return nil, fmt.Errorf("oracle.NewChainlink: %s: invalid feed address %q", asset, addr)
		}
		key := strings.ToUpper(asset)
		feedAddr := common.HexToAddress(addr)
		known, ok := knownAggregators[key]
		if !ok || feedAddr != known {
			return nil, fmt.Errorf("oracle.NewChainlink: %s: address %s is not a whitelisted aggregator", asset, feedAddr.Hex())
		}
		addrs[key] = feedAddr
	}

	if maxStaleness <= 0 {
		maxStaleness = defaultMaxStaleness
	}

	return &Chainlink{
		client:       client,
		feeds:        addrs,
		abi:          parsed,
		maxStaleness: maxStaleness,
		decimals:     make(map[string]uint8),
	}, nil
}

// GetLatestPrice returns the most recent round for the asset's feed,
// rejecting stale rounds and non-positive answers.
func (c *Chainlink) GetLatestPrice(ctx context.Context, asset string) (domain.PricePoint, error) {
	asset = strings.ToUpper(asset)
	feed, ok := c.feeds[asset]
	if !ok {
		return domain.PricePoint{}, fmt.Errorf("oracle.GetLatestPrice: no feed configured for %s", asset)
	}

	dec, err := c.feedDecimals(ctx, asset, feed)
	if err != nil {
		return domain.PricePoint{}, err
	}

	data, err := c.abi.Pack("latestRoundData")
	if err != nil {
		return domain.PricePoint{}, fmt.Errorf("oracle.GetLatestPrice: pack: %w", err)
	}
	raw, err := c.client.CallContract(ctx, ethereum.CallMsg{To: &feed, Data: data}, nil)
	if err != nil {
		return domain.PricePoint{}, fmt.Errorf("oracle.GetLatestPrice: %s: call: %w", asset, err)
	}

	out, err := c.abi.Unpack("latestRoundData", raw)
	if err != nil {
		return domain.PricePoint{}, fmt.Errorf("oracle.GetLatestPrice: %s: unpack: %w", asset, err)
	}

	answer := out[1].(*big.Int)
	updatedAt := out[3].(*big.Int)

	if answer.Sign() <= 0 {
		return domain.PricePoint{}, fmt.Errorf("oracle.GetLatestPrice: %s: non-positive answer %s", asset, answer)
	}

	at := time.Unix(updatedAt.Int64(), 0).UTC()
	if age := time.Since(at); age > c.maxStaleness {
		return domain.PricePoint{}, fmt.Errorf("oracle.GetLatestPrice: %s: round is %s old (max %s)", asset, age.Round(time.Second), c.maxStaleness)
	}

	price, _ := new(big.Float).Quo(
		new(big.Float).SetInt(answer),
		big.NewFloat(math.Pow10(int(dec))),
	).Float64()

	return domain.PricePoint{Price: price, At: at}, nil
}

// Close releases the underlying RPC connection.
func (c *Chainlink) Close() {
	c.client.Close()
}

func (c *Chainlink) feedDecimals(ctx context.Context, asset string, feed common.Address) (uint8, error) {
	if dec, ok := c.decimals[asset]; ok {
		return dec, nil
	}

	data, err := c.abi.Pack("decimals")
	if err != nil {
		return 0, fmt.Errorf("oracle.feedDecimals: pack: %w", err)
	}
	raw, err := c.client.CallContract(ctx, ethereum.CallMsg{To: &feed, Data: data}, nil)
	if err != nil {
		return 0, fmt.Errorf("oracle.feedDecimals: %s: call: %w", asset, err)
	}
	out, err := c.abi.Unpack("decimals", raw)
	if err != nil {
		return 0, fmt.Errorf("oracle.feedDecimals: %s: unpack: %w", asset, err)
	}

	dec := out[0].(uint8)
	c.decimals[asset] = dec
	return dec, nil
}
