package config

import (
	"errors"
	"log"
	"strings"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/shopspring/decimal"
	"github.com/spf13/viper"
)

// SettlementConfig carries the tunables operators adjust at runtime.
type SettlementConfig struct {
	LocalCurrency      string            `mapstructure:"localCurrency"`
	CacheWindow        time.Duration     `mapstructure:"cacheWindow"`
	MaxStaleness       time.Duration     `mapstructure:"maxStaleness"`
	AlertThresholdPct  decimal.Decimal   `mapstructure:"alertThresholdPct"`
	SanityBandFactor   decimal.Decimal   `mapstructure:"sanityBandFactor"`
	SourceTimeout      time.Duration     `mapstructure:"sourceTimeout"`
	RefreshDeadline    time.Duration     `mapstructure:"refreshDeadline"`
	RefreshInterval    time.Duration     `mapstructure:"refreshInterval"`
	FailureBackoff     time.Duration     `mapstructure:"failureBackoff"`
	FallbackRate       decimal.Decimal   `mapstructure:"fallbackRate"`
	EscalationCycles   int               `mapstructure:"escalationCycles"`
	VerificationWindow time.Duration     `mapstructure:"verificationWindow"`
	SubmissionsPerHour int               `mapstructure:"submissionsPerHour"`
	Banks              map[string]string `mapstructure:"banks"`
}

func DefaultSettlementConfig() SettlementConfig {
	return SettlementConfig{
		LocalCurrency:      "VES",
		CacheWindow:        time.Hour,
		MaxStaleness:       24 * time.Hour,
		AlertThresholdPct:  decimal.NewFromInt(5),
		SanityBandFactor:   decimal.NewFromInt(10),
		SourceTimeout:      3 * time.Second,
		RefreshDeadline:    8 * time.Second,
		RefreshInterval:    15 * time.Minute,
		FailureBackoff:     time.Minute,
		FallbackRate:       decimal.NewFromInt(38),
		EscalationCycles:   3,
		VerificationWindow: 72 * time.Hour,
		SubmissionsPerHour: 3,
		Banks:              DefaultBanks(),
	}
}

// DefaultBanks lists the Pago Móvil participant banks by clearing code.
func DefaultBanks() map[string]string {
	return map[string]string{
		"0102": "Banco de Venezuela",
		"0104": "Venezolano de Crédito",
		"0105": "Mercantil",
		"0108": "Provincial",
		"0114": "Bancaribe",
		"0115": "Exterior",
		"0128": "Banco Caroní",
		"0134": "Banesco",
		"0137": "Sofitasa",
		"0138": "Banco Plaza",
		"0146": "Banco de la Gente Emprendedora",
		"0151": "BFC Banco Fondo Común",
		"0156": "100% Banco",
		"0157": "DelSur",
		"0163": "Banco del Tesoro",
		"0166": "Banco Agrícola de Venezuela",
		"0168": "Bancrecer",
		"0169": "Mi Banco",
		"0171": "Banco Activo",
		"0172": "Bancamiga",
		"0173": "Banco Internacional de Desarrollo",
		"0174": "Banplus",
		"0175": "Bicentenario Banco Universal",
		"0177": "Banfanb",
		"0190": "Citibank",
		"0191": "Banco Nacional de Crédito",
	}
}

type SettlementConfigHolder struct {
	current atomic.Value // holds SettlementConfig
}

// NewStaticSettlementConfigHolder returns a holder that never reloads.
func NewStaticSettlementConfigHolder(cfg SettlementConfig) *SettlementConfigHolder {
	holder := &SettlementConfigHolder{}
	holder.current.Store(cfg.withDefaults())
	return holder
}

func NewSettlementConfigHolder() (*SettlementConfigHolder, error) {
	v := viper.New()

	v.SetConfigName("settlement")
	v.SetConfigType("yml")
	v.AddConfigPath("/var/lib/settlement/config")
	v.AddConfigPath("/etc/settlement")
	v.AddConfigPath(".")

	v.SetEnvPrefix("SETTLEMENT")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, err
		}
		return NewStaticSettlementConfigHolder(DefaultSettlementConfig()), nil
	}

	cfg, err := decodeSettlementConfig(v)
	if err != nil {
		return nil, err
	}

	holder := &SettlementConfigHolder{}
	holder.current.Store(cfg)

	v.WatchConfig()
	v.OnConfigChange(func(e fsnotify.Event) {
		updated, err := decodeSettlementConfig(v)
		if err != nil {
			log.Printf("[settlement-config] invalid config ignored: %v", err)
			return
		}
		holder.current.Store(updated)
		log.Printf("[settlement-config] reloaded from %s", e.Name)
	})

	return holder, nil
}

func (h *SettlementConfigHolder) Get() SettlementConfig {
	if h == nil {
		return DefaultSettlementConfig()
	}
	cfg, ok := h.current.Load().(SettlementConfig)
	if !ok {
		return DefaultSettlementConfig()
	}
	return cfg
}

func decodeSettlementConfig(v *viper.Viper) (SettlementConfig, error) {
	defaults := DefaultSettlementConfig()
	sub := v.Sub("settlement")
	if sub == nil {
		return defaults, nil
	}

	cfg := SettlementConfig{
		LocalCurrency:      strings.ToUpper(strings.TrimSpace(sub.GetString("localCurrency"))),
		CacheWindow:        sub.GetDuration("cacheWindow"),
		MaxStaleness:       sub.GetDuration("maxStaleness"),
		SourceTimeout:      sub.GetDuration("sourceTimeout"),
		RefreshDeadline:    sub.GetDuration("refreshDeadline"),
		RefreshInterval:    sub.GetDuration("refreshInterval"),
		FailureBackoff:     sub.GetDuration("failureBackoff"),
		EscalationCycles:   sub.GetInt("escalationCycles"),
		VerificationWindow: sub.GetDuration("verificationWindow"),
		SubmissionsPerHour: sub.GetInt("submissionsPerHour"),
		Banks:              sub.GetStringMapString("banks"),
	}
	var err error
	if cfg.AlertThresholdPct, err = decimalKey(sub, "alertThresholdPct"); err != nil {
		return SettlementConfig{}, err
	}
	if cfg.SanityBandFactor, err = decimalKey(sub, "sanityBandFactor"); err != nil {
		return SettlementConfig{}, err
	}
	if cfg.FallbackRate, err = decimalKey(sub, "fallbackRate"); err != nil {
		return SettlementConfig{}, err
	}

	cfg = cfg.withDefaults()
	if err := validateSettlementConfig(cfg); err != nil {
		return SettlementConfig{}, err
	}
	return cfg, nil
}

func decimalKey(v *viper.Viper, key string) (decimal.Decimal, error) {
	raw := strings.TrimSpace(v.GetString(key))
	if raw == "" {
		return decimal.Zero, nil
	}
	value, err := decimal.NewFromString(raw)
	if err != nil {
		return decimal.Zero, errors.New("settlement." + key + " must be a decimal")
	}
	return value, nil
}

func (c SettlementConfig) withDefaults() SettlementConfig {
	defaults := DefaultSettlementConfig()
	if c.LocalCurrency == "" {
		c.LocalCurrency = defaults.LocalCurrency
	}
	if c.CacheWindow <= 0 {
		c.CacheWindow = defaults.CacheWindow
	}
	if c.MaxStaleness <= 0 {
		c.MaxStaleness = defaults.MaxStaleness
	}
	if !c.AlertThresholdPct.IsPositive() {
		c.AlertThresholdPct = defaults.AlertThresholdPct
	}
	if !c.SanityBandFactor.IsPositive() {
		c.SanityBandFactor = defaults.SanityBandFactor
	}
	if c.SourceTimeout <= 0 {
		c.SourceTimeout = defaults.SourceTimeout
	}
	if c.RefreshDeadline <= 0 {
		c.RefreshDeadline = defaults.RefreshDeadline
	}
	if c.RefreshInterval <= 0 {
		c.RefreshInterval = defaults.RefreshInterval
	}
	if c.FailureBackoff <= 0 {
		c.FailureBackoff = defaults.FailureBackoff
	}
	if !c.FallbackRate.IsPositive() {
		c.FallbackRate = defaults.FallbackRate
	}
	if c.EscalationCycles <= 0 {
		c.EscalationCycles = defaults.EscalationCycles
	}
	if c.VerificationWindow <= 0 {
		c.VerificationWindow = defaults.VerificationWindow
	}
	if c.SubmissionsPerHour <= 0 {
		c.SubmissionsPerHour = defaults.SubmissionsPerHour
	}
	if len(c.Banks) == 0 {
		c.Banks = defaults.Banks
	}
	return c
}

func validateSettlementConfig(cfg SettlementConfig) error {
	if cfg.MaxStaleness < cfg.CacheWindow {
		return errors.New("settlement.maxStaleness must not be shorter than settlement.cacheWindow")
	}
	if cfg.SanityBandFactor.LessThanOrEqual(decimal.NewFromInt(1)) {
		return errors.New("settlement.sanityBandFactor must be greater than 1")
	}
	return nil
}
