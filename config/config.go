// Package config carga la configuración del motor desde YAML, con
// overrides por variables de entorno y secretos vía .env.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config es la configuración completa del motor.
type Config struct {
	Engine  EngineConfig  `yaml:"engine"`
	Risk    RiskConfig    `yaml:"risk"`
	API     APIConfig     `yaml:"api"`
	Oracle  OracleConfig  `yaml:"oracle"`
	Storage StorageConfig `yaml:"storage"`
	Log     LogConfig     `yaml:"log"`
}

// EngineConfig controla el loop por mercado.
type EngineConfig struct {
	Mode                string   `yaml:"mode"` // paper | live
	TickSeconds         int      `yaml:"tick_seconds"`
	ControlPollSeconds  int      `yaml:"control_poll_seconds"`
	CooldownSeconds     int      `yaml:"cooldown_seconds"`
	BaseTradeSizeUSDC   float64  `yaml:"base_trade_size_usdc"`
	MakerWaitMillis     int      `yaml:"maker_wait_millis"`
	MinNotionalUSDC     float64  `yaml:"min_notional_usdc"`
	PriceTick           float64  `yaml:"price_tick"`
	Assets              []string `yaml:"assets"`
	InitialBankrollUSDC float64  `yaml:"initial_bankroll_usdc"` // per isolated account

	// Tiers reemplaza la escalera de confianza por defecto cuando se
	// define; vacía usa DefaultTiers.
	Tiers []TierConfig `yaml:"tiers"`
}

// TierConfig es un peldaño de la escalera de scaling en YAML.
type TierConfig struct {
	Level              int     `yaml:"level"`
	MinConfidence      float64 `yaml:"min_confidence"`
	PersistenceSamples int     `yaml:"persistence_samples"`
	WindowSize         int     `yaml:"window_size"`
	SizeMult           float64 `yaml:"size_mult"`
}

// RiskConfig controla el governor.
type RiskConfig struct {
	MaxRiskFraction float64 `yaml:"max_risk_fraction"` // fraction of virtual bankroll per clip
	HardCapPerTrade float64 `yaml:"hard_cap_per_trade"`
	GlobalCapUSDC   float64 `yaml:"global_cap_usdc"` // 0 = unlimited
}

// APIConfig contiene los endpoints del venue.
type APIConfig struct {
	CLOBBase string `yaml:"clob_base"`
	// PrivateKey viene SIEMPRE del entorno (WALLET_PRIVATE_KEY), nunca
	// del YAML.
	PrivateKey string `yaml:"-"`
}

// OracleConfig contiene el RPC y los feeds Chainlink por asset.
type OracleConfig struct {
	RPCURL              string            `yaml:"rpc_url"`
	Feeds               map[string]string `yaml:"feeds"` // asset → aggregator address
	MaxStalenessSeconds int               `yaml:"max_staleness_seconds"`
}

// StorageConfig controla dónde se persisten los datos.
type StorageConfig struct {
	DSN string `yaml:"dsn"` // ruta al archivo SQLite, o ":memory:"
}

// LogConfig controla el formato y nivel de logging.
type LogConfig struct {
	Level  string `yaml:"level"`  // debug | info | warn | error
	Format string `yaml:"format"` // text | json
}

// Load carga la configuración desde el archivo YAML y el archivo .env
// si existe. Entorno > YAML para las keys que correspondan.
func Load(path string) (*Config, error) {
	// Cargar .env si existe (silencia error si no hay archivo)
	_ = godotenv.Load()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config.Load: read %q: %w", path, err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config.Load: parse YAML: %w", err)
	}

	applyEnvOverrides(&cfg)
	setDefaults(&cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config.Load: %w", err)
	}
	return &cfg, nil
}

// TickInterval devuelve el intervalo del loop como time.Duration.
func (c *Config) TickInterval() time.Duration {
	return time.Duration(c.Engine.TickSeconds) * time.Second
}

// ControlPollInterval devuelve la cadencia de reconciliación del registry.
func (c *Config) ControlPollInterval() time.Duration {
	return time.Duration(c.Engine.ControlPollSeconds) * time.Second
}

// Cooldown devuelve el tiempo mínimo entre clips.
func (c *Config) Cooldown() time.Duration {
	return time.Duration(c.Engine.CooldownSeconds) * time.Second
}

// MakerWait devuelve cuánto descansa una orden maker antes del fallback.
func (c *Config) MakerWait() time.Duration {
	return time.Duration(c.Engine.MakerWaitMillis) * time.Millisecond
}

// OracleMaxStaleness devuelve la edad máxima aceptada de un round.
func (c *Config) OracleMaxStaleness() time.Duration {
	return time.Duration(c.Oracle.MaxStalenessSeconds) * time.Second
}

// Paper reporta si el motor corre en modo simulado.
func (c *Config) Paper() bool {
	return c.Engine.Mode == "paper"
}

// Validate rechaza configuraciones que no pueden operar.
func (c *Config) Validate() error {
	if c.Engine.Mode != "paper" && c.Engine.Mode != "live" {
		return fmt.Errorf("engine.mode must be paper or live, got %q", c.Engine.Mode)
	}
	if c.Engine.InitialBankrollUSDC <= 0 {
		return fmt.Errorf("engine.initial_bankroll_usdc must be positive, got %.2f", c.Engine.InitialBankrollUSDC)
	}
	if len(c.Engine.Assets) == 0 {
		return fmt.Errorf("engine.assets must list at least one asset")
	}
	if c.Risk.MaxRiskFraction <= 0 || c.Risk.MaxRiskFraction > 1 {
		return fmt.Errorf("risk.max_risk_fraction must be in (0, 1], got %.4f", c.Risk.MaxRiskFraction)
	}
	for i, tier := range c.Engine.Tiers {
		if tier.Level != i+1 {
			return fmt.Errorf("engine.tiers[%d]: levels must be consecutive from 1, got %d", i, tier.Level)
		}
		if tier.MinConfidence <= 0 || tier.MinConfidence > 1 {
			return fmt.Errorf("engine.tiers[%d]: min_confidence must be in (0, 1], got %.2f", i, tier.MinConfidence)
		}
		if tier.PersistenceSamples <= 0 || tier.WindowSize < tier.PersistenceSamples {
			return fmt.Errorf("engine.tiers[%d]: window_size must be >= persistence_samples > 0", i)
		}
		if tier.SizeMult <= 0 {
			return fmt.Errorf("engine.tiers[%d]: size_mult must be positive", i)
		}
	}

	if c.Engine.Mode == "live" {
		if c.API.PrivateKey == "" {
			return fmt.Errorf("live mode requires WALLET_PRIVATE_KEY in the environment")
		}
		if c.Oracle.RPCURL == "" {
			return fmt.Errorf("live mode requires oracle.rpc_url")
		}
		for _, asset := range c.Engine.Assets {
			addr, ok := c.Oracle.Feeds[asset]
			if !ok {
				addr, ok = c.Oracle.Feeds[strings.ToLower(asset)]
			}
			if !ok {
				return fmt.Errorf("live mode: no oracle feed configured for %s", asset)
			}
			if !common.IsHexAddress(addr) {
				return fmt.Errorf("oracle.feeds.%s: %q is not a hex address", asset, addr)
			}
			if common.HexToAddress(addr) == (common.Address{}) {
				return fmt.Errorf("oracle.feeds.%s: zero address is a placeholder, not a feed", asset)
			}
		}
	}
	return nil
}

// applyEnvOverrides sobreescribe valores con variables de entorno si
// están presentes.
func applyEnvOverrides(cfg *Config) {
	cfg.API.PrivateKey = os.Getenv("WALLET_PRIVATE_KEY")

	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.Log.Level = v
	}
	if v := os.Getenv("LOG_FORMAT"); v != "" {
		cfg.Log.Format = v
	}
	if v := os.Getenv("ENGINE_MODE"); v != "" {
		cfg.Engine.Mode = v
	}
	if v := os.Getenv("POLYGON_RPC_URL"); v != "" {
		cfg.Oracle.RPCURL = v
	}
	if v := os.Getenv("STORAGE_DSN"); v != "" {
		cfg.Storage.DSN = v
	}
	if v := os.Getenv("BASE_TRADE_SIZE_USDC"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			cfg.Engine.BaseTradeSizeUSDC = f
		}
	}
}

// setDefaults asegura que los valores requeridos tengan valores sensatos.
func setDefaults(cfg *Config) {
	if cfg.Engine.Mode == "" {
		cfg.Engine.Mode = "paper"
	}
	if cfg.Engine.TickSeconds <= 0 {
		cfg.Engine.TickSeconds = 5
	}
	if cfg.Engine.ControlPollSeconds <= 0 {
		cfg.Engine.ControlPollSeconds = 15
	}
	if cfg.Engine.CooldownSeconds <= 0 {
		cfg.Engine.CooldownSeconds = 20
	}
	if cfg.Engine.BaseTradeSizeUSDC <= 0 {
		cfg.Engine.BaseTradeSizeUSDC = 25
	}
	if cfg.Engine.MakerWaitMillis <= 0 {
		cfg.Engine.MakerWaitMillis = 1500
	}
	if cfg.Engine.MinNotionalUSDC <= 0 {
		cfg.Engine.MinNotionalUSDC = 1
	}
	if cfg.Engine.PriceTick <= 0 {
		cfg.Engine.PriceTick = 0.01
	}
	if len(cfg.Engine.Assets) == 0 {
		cfg.Engine.Assets = []string{"BTC", "ETH"}
	}
	if cfg.Engine.InitialBankrollUSDC <= 0 {
		cfg.Engine.InitialBankrollUSDC = 1000
	}
	if cfg.Risk.MaxRiskFraction <= 0 {
		cfg.Risk.MaxRiskFraction = 0.05
	}
	if cfg.Risk.HardCapPerTrade <= 0 {
		cfg.Risk.HardCapPerTrade = 250
	}
	if cfg.API.CLOBBase == "" {
		cfg.API.CLOBBase = "https://clob.polymarket.com"
	}
	if cfg.Oracle.MaxStalenessSeconds <= 0 {
		cfg.Oracle.MaxStalenessSeconds = 300
	}
	if cfg.Storage.DSN == "" {
		cfg.Storage.DSN = "updown.db"
	}
	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
	if cfg.Log.Format == "" {
		cfg.Log.Format = "text"
	}
}
