package config

import (
	"os"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	log "github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"
)

type Config struct {
	Server   ServerConfig
	Engine   EngineConfig
	Risk     RiskConfig
	Symbols  []SymbolConfig
	Kafka    KafkaConfig
	TradeLog TradeLogConfig
}

type ServerConfig struct {
	Listen string
}

type EngineConfig struct {
	FeeRate  decimal.Decimal
	LockWait time.Duration
}

type RiskConfig struct {
	MaxDailyOrders    int
	MaxDailyVolume    decimal.Decimal
	MaxPriceDeviation decimal.Decimal
}

type SymbolConfig struct {
	Name         string
	Base         string
	Quote        string
	MaxPosition  decimal.Decimal
	MaxOrderSize decimal.Decimal
}

type KafkaConfig struct {
	Enabled       bool
	Brokers       []string
	OrderTopic    string
	TradeTopic    string
	DrainInterval time.Duration
}

type TradeLogConfig struct {
	Dir string
}

// fileConfig is the YAML shape: money and durations are strings so the
// file can say "0.001" and "5s".
type fileConfig struct {
	Server struct {
		Listen string `yaml:"listen"`
	} `yaml:"server"`
	Engine struct {
		FeeRate  string `yaml:"feeRate"`
		LockWait string `yaml:"lockWait"`
	} `yaml:"engine"`
	Risk struct {
		MaxDailyOrders    int    `yaml:"maxDailyOrders"`
		MaxDailyVolume    string `yaml:"maxDailyVolume"`
		MaxPriceDeviation string `yaml:"maxPriceDeviation"`
	} `yaml:"risk"`
	Symbols []struct {
		Name         string `yaml:"name"`
		Base         string `yaml:"base"`
		Quote        string `yaml:"quote"`
		MaxPosition  string `yaml:"maxPosition"`
		MaxOrderSize string `yaml:"maxOrderSize"`
	} `yaml:"symbols"`
	Kafka struct {
		Enabled       bool     `yaml:"enabled"`
		Brokers       []string `yaml:"brokers"`
		OrderTopic    string   `yaml:"orderTopic"`
		TradeTopic    string   `yaml:"tradeTopic"`
		DrainInterval string   `yaml:"drainInterval"`
	} `yaml:"kafka"`
	TradeLog struct {
		Dir string `yaml:"dir"`
	} `yaml:"tradeLog"`
}

// Default returns the configuration the server falls back to when no
// YAML file is present. The symbol table mirrors the supported markets.
func Default() *Config {
	return &Config{
		Server: ServerConfig{Listen: ":3000"},
		Engine: EngineConfig{
			FeeRate:  decimal.RequireFromString("0.001"),
			LockWait: 5 * time.Second,
		},
		Risk: RiskConfig{
			MaxDailyOrders:    1000,
			MaxDailyVolume:    decimal.RequireFromString("100000"),
			MaxPriceDeviation: decimal.RequireFromString("0.1"),
		},
		Symbols: []SymbolConfig{
			{Name: "BTCUSDT", Base: "BTC", Quote: "USDT",
				MaxPosition: decimal.RequireFromString("10"), MaxOrderSize: decimal.RequireFromString("1")},
			{Name: "ETHUSDT", Base: "ETH", Quote: "USDT",
				MaxPosition: decimal.RequireFromString("100"), MaxOrderSize: decimal.RequireFromString("10")},
			{Name: "ADAUSDT", Base: "ADA", Quote: "USDT",
				MaxPosition: decimal.RequireFromString("10000"), MaxOrderSize: decimal.RequireFromString("1000")},
			{Name: "DOTUSDT", Base: "DOT", Quote: "USDT",
				MaxPosition: decimal.RequireFromString("1000"), MaxOrderSize: decimal.RequireFromString("100")},
		},
		Kafka: KafkaConfig{
			Enabled:       false,
			Brokers:       []string{"localhost:9092"},
			OrderTopic:    "orders.events",
			TradeTopic:    "trades.executed",
			DrainInterval: 250 * time.Millisecond,
		},
		TradeLog: TradeLogConfig{Dir: "./data/tradelog"},
	}
}

// LoadConfig reads the YAML file for the environment, falling back to
// defaults when the file does not exist. KAFKA_BROKERS and LISTEN_ADDR
// override the file.
func LoadConfig(envName EnvName) (*Config, error) {
	yamlFiles := map[EnvName]string{
		EnvLocal: "securetrade.yaml",
		EnvDev:   "securetrade.dev.yaml",
		EnvProd:  "securetrade.prod.yaml",
	}
	fileName := yamlFiles[envName]

	cfg := Default()

	data, err := os.ReadFile(fileName)
	if err != nil {
		if os.IsNotExist(err) {
			log.Warnf("config file '%s' not found, using defaults", fileName)
			applyEnvOverrides(cfg)
			return cfg, nil
		}
		return nil, err
	}

	var fc fileConfig
	if err := yaml.Unmarshal(data, &fc); err != nil {
		return nil, errors.Wrapf(err, "decode config file '%s'", fileName)
	}
	if err := merge(cfg, &fc); err != nil {
		return nil, errors.Wrapf(err, "config file '%s'", fileName)
	}
	applyEnvOverrides(cfg)
	return cfg, nil
}

func merge(cfg *Config, fc *fileConfig) error {
	if fc.Server.Listen != "" {
		cfg.Server.Listen = fc.Server.Listen
	}
	if err := setDecimal(&cfg.Engine.FeeRate, fc.Engine.FeeRate); err != nil {
		return errors.Wrap(err, "engine.feeRate")
	}
	if err := setDuration(&cfg.Engine.LockWait, fc.Engine.LockWait); err != nil {
		return errors.Wrap(err, "engine.lockWait")
	}
	if fc.Risk.MaxDailyOrders > 0 {
		cfg.Risk.MaxDailyOrders = fc.Risk.MaxDailyOrders
	}
	if err := setDecimal(&cfg.Risk.MaxDailyVolume, fc.Risk.MaxDailyVolume); err != nil {
		return errors.Wrap(err, "risk.maxDailyVolume")
	}
	if err := setDecimal(&cfg.Risk.MaxPriceDeviation, fc.Risk.MaxPriceDeviation); err != nil {
		return errors.Wrap(err, "risk.maxPriceDeviation")
	}
	if len(fc.Symbols) > 0 {
		symbols := make([]SymbolConfig, 0, len(fc.Symbols))
		for _, s := range fc.Symbols {
			sc := SymbolConfig{Name: s.Name, Base: s.Base, Quote: s.Quote}
			if err := setDecimal(&sc.MaxPosition, s.MaxPosition); err != nil {
				return errors.Wrapf(err, "symbol %s maxPosition", s.Name)
			}
			if err := setDecimal(&sc.MaxOrderSize, s.MaxOrderSize); err != nil {
				return errors.Wrapf(err, "symbol %s maxOrderSize", s.Name)
			}
			symbols = append(symbols, sc)
		}
		cfg.Symbols = symbols
	}
	cfg.Kafka.Enabled = fc.Kafka.Enabled
	if len(fc.Kafka.Brokers) > 0 {
		cfg.Kafka.Brokers = fc.Kafka.Brokers
	}
	if fc.Kafka.OrderTopic != "" {
		cfg.Kafka.OrderTopic = fc.Kafka.OrderTopic
	}
	if fc.Kafka.TradeTopic != "" {
		cfg.Kafka.TradeTopic = fc.Kafka.TradeTopic
	}
	if err := setDuration(&cfg.Kafka.DrainInterval, fc.Kafka.DrainInterval); err != nil {
		return errors.Wrap(err, "kafka.drainInterval")
	}
	if fc.TradeLog.Dir != "" {
		cfg.TradeLog.Dir = fc.TradeLog.Dir
	}
	return nil
}

func setDecimal(dst *decimal.Decimal, raw string) error {
	if raw == "" {
		return nil
	}
	d, err := decimal.NewFromString(raw)
	if err != nil {
		return err
	}
	*dst = d
	return nil
}

func setDuration(dst *time.Duration, raw string) error {
	if raw == "" {
		return nil
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return err
	}
	*dst = d
	return nil
}

func applyEnvOverrides(cfg *Config) {
	if brokers := os.Getenv("KAFKA_BROKERS"); brokers != "" {
		cfg.Kafka.Brokers = strings.Split(brokers, ",")
	}
	if listen := os.Getenv("LISTEN_ADDR"); listen != "" {
		cfg.Server.Listen = listen
	}
}
