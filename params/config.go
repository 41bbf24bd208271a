package params

import (
	"fmt"
	"math/big"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"

	"github.com/uhyunpark/stakeliquidator/pkg/app/core/budget"
)

type Engine struct {
	Address          common.Address
	Owner            common.Address
	Pool             common.Address
	MinSignerAmount  *big.Int // base units
	MinStakeFraction uint64   // orders must sell at least 1/MinStakeFraction of the pool; 0 disables
	Costs            budget.Schedule
	AMMDeadline      time.Duration
	Beneficiaries    []common.Address
}

type Budget struct {
	Liquidate uint64 // per-call defaults for the API, zero means unlimited
	Prune     uint64
}

type Storage struct {
	DBPath  string // empty keeps everything in memory
	WALPath string // optional JSON-lines record log
}

type API struct {
	Addr        string
	CORSOrigins []string
}

type P2P struct {
	Enabled   bool
	Listen    string
	Bootstrap []string
}

type Log struct {
	Level string
	File  string
}

// Devnet sizes the in-memory collaborators the node runs against.
type Devnet struct {
	PoolStake     *big.Int
	AMMStake      *big.Int
	AMMDebt       *big.Int
	AMMEthPerSide *big.Int
}

type Config struct {
	Engine  Engine
	Budget  Budget
	Storage Storage
	API     API
	P2P     P2P
	Log     Log
	Devnet  Devnet
}

func ether(n int64) *big.Int {
	return new(big.Int).Mul(big.NewInt(n), big.NewInt(1e18))
}

func Default() Config {
	return Config{
		Engine: Engine{
			Address:          common.HexToAddress("0x00000000000000000000000000000000000000e0"),
			Owner:            common.HexToAddress("0x00000000000000000000000000000000000000a0"),
			Pool:             common.HexToAddress("0x0000000000000000000000000000000000000050"),
			MinSignerAmount:  ether(1),
			MinStakeFraction: 10_000,
			Costs:            budget.DefaultSchedule(),
			AMMDeadline:      5 * time.Minute,
		},
		Budget: Budget{
			Liquidate: 8_000_000,
			Prune:     8_000_000,
		},
		Storage: Storage{
			DBPath:  "data/db",
			WALPath: "data/records.log",
		},
		API: API{
			Addr: ":8080",
		},
		P2P: P2P{
			Listen: "/ip4/0.0.0.0/tcp/4001",
		},
		Log: Log{
			Level: "info",
			File:  "data/node.log",
		},
		Devnet: Devnet{
			PoolStake:     ether(100),
			AMMStake:      ether(1_000),
			AMMDebt:       ether(1_000),
			AMMEthPerSide: ether(10),
		},
	}
}

// LoadFromEnv loads configuration from .env file (if exists) and environment variables
// Priority: ENV > .env file > defaults
func LoadFromEnv(envPath string) (Config, error) {
	cfg := Default()

	if envPath != "" {
		_ = godotenv.Load(envPath)
	} else {
		_ = godotenv.Load()
	}

	var err error
	setAddr := func(key string, dst *common.Address) {
		v := os.Getenv(key)
		if v == "" || err != nil {
			return
		}
		if !common.IsHexAddress(v) {
			err = fmt.Errorf("%s: invalid address %q", key, v)
			return
		}
		*dst = common.HexToAddress(v)
	}
	setUint := func(key string, dst *uint64) {
		v := os.Getenv(key)
		if v == "" || err != nil {
			return
		}
		n, perr := strconv.ParseUint(v, 10, 64)
		if perr != nil {
			err = fmt.Errorf("%s: %w", key, perr)
			return
		}
		*dst = n
	}
	setDuration := func(key string, dst *time.Duration) {
		v := os.Getenv(key)
		if v == "" || err != nil {
			return
		}
		d, perr := time.ParseDuration(v)
		if perr != nil {
			err = fmt.Errorf("%s: %w", key, perr)
			return
		}
		*dst = d
	}
	setAmount := func(key string, decimals int32, dst **big.Int) {
		v := os.Getenv(key)
		if v == "" || err != nil {
			return
		}
		n, perr := ParseAmount(v, decimals)
		if perr != nil {
			err = fmt.Errorf("%s: %w", key, perr)
			return
		}
		*dst = n
	}

	setAddr("LIQUIDATOR_ADDRESS", &cfg.Engine.Address)
	setAddr("OWNER_ADDRESS", &cfg.Engine.Owner)
	setAddr("POOL_ADDRESS", &cfg.Engine.Pool)

	decimals := int32(18)
	if v := os.Getenv("TOKEN_DECIMALS"); v != "" {
		d, perr := strconv.ParseUint(v, 10, 8)
		if perr != nil {
			return cfg, fmt.Errorf("TOKEN_DECIMALS: %w", perr)
		}
		decimals = int32(d)
	}
	setAmount("MIN_ORDER_AMOUNT", decimals, &cfg.Engine.MinSignerAmount)
	setUint("MIN_STAKE_FRACTION", &cfg.Engine.MinStakeFraction)

	setUint("LIQUIDATE_BUDGET", &cfg.Budget.Liquidate)
	setUint("PRUNE_BUDGET", &cfg.Budget.Prune)
	setUint("COST_VISIT", &cfg.Engine.Costs.Visit)
	setUint("COST_REMOVE", &cfg.Engine.Costs.Remove)
	setUint("COST_SWAP", &cfg.Engine.Costs.Swap)
	setUint("COST_SETTLE", &cfg.Engine.Costs.Settle)
	setDuration("AMM_DEADLINE", &cfg.Engine.AMMDeadline)

	if v, ok := os.LookupEnv("DB_PATH"); ok {
		cfg.Storage.DBPath = v
	}
	if v, ok := os.LookupEnv("WAL_PATH"); ok {
		cfg.Storage.WALPath = v
	}
	cfg.API.Addr = getEnv("API_ADDR", cfg.API.Addr)
	if v := os.Getenv("CORS_ORIGINS"); v != "" {
		cfg.API.CORSOrigins = splitList(v)
	}

	if v := os.Getenv("P2P_ENABLED"); v != "" {
		cfg.P2P.Enabled = v == "true"
	}
	cfg.P2P.Listen = getEnv("P2P_LISTEN", cfg.P2P.Listen)
	if v := os.Getenv("P2P_BOOTSTRAP"); v != "" {
		cfg.P2P.Bootstrap = splitList(v)
	}

	cfg.Log.Level = getEnv("LOG_LEVEL", cfg.Log.Level)
	cfg.Log.File = getEnv("LOG_FILE", cfg.Log.File)

	// Beneficiaries from comma-separated list
	if v := os.Getenv("BENEFICIARIES"); v != "" && err == nil {
		for _, s := range splitList(v) {
			if !common.IsHexAddress(s) {
				err = fmt.Errorf("BENEFICIARIES: invalid address %q", s)
				break
			}
			cfg.Engine.Beneficiaries = append(cfg.Engine.Beneficiaries, common.HexToAddress(s))
		}
	}

	setAmount("DEVNET_POOL_STAKE", decimals, &cfg.Devnet.PoolStake)
	setAmount("DEVNET_AMM_STAKE", decimals, &cfg.Devnet.AMMStake)
	setAmount("DEVNET_AMM_DEBT", decimals, &cfg.Devnet.AMMDebt)

	return cfg, err
}

// ParseAmount converts a human-unit decimal string into base units.
func ParseAmount(s string, decimals int32) (*big.Int, error) {
	d, err := decimal.NewFromString(strings.TrimSpace(s))
	if err != nil {
		return nil, fmt.Errorf("invalid amount %q: %w", s, err)
	}
	if d.IsNegative() {
		return nil, fmt.Errorf("invalid amount %q: negative", s)
	}
	scaled := d.Shift(decimals)
	if !scaled.IsInteger() {
		return nil, fmt.Errorf("invalid amount %q: more than %d decimals", s, decimals)
	}
	return scaled.BigInt(), nil
}

// FormatAmount renders base units with the given number of decimals.
func FormatAmount(x *big.Int, decimals int32) string {
	return decimal.NewFromBigInt(x, -decimals).String()
}

func splitList(s string) []string {
	var out []string
	for _, p := range strings.Split(s, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// getEnv returns environment variable value or default
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
