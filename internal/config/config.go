package config

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

// Config 应用配置结构
type Config struct {
	Risk       RiskConfig       `mapstructure:"risk" yaml:"risk"`
	Leverage   LeverageConfig   `mapstructure:"leverage" yaml:"leverage"`
	Margin     MarginConfig     `mapstructure:"margin" yaml:"margin"`
	Monitoring MonitoringConfig `mapstructure:"monitoring" yaml:"monitoring"`
	Redis      RedisConfig      `mapstructure:"redis" yaml:"redis"`
	Metrics    MetricsConfig    `mapstructure:"metrics" yaml:"metrics"`
	System     SystemConfig     `mapstructure:"system" yaml:"system"`
}

// RiskConfig 风险分级阈值
type RiskConfig struct {
	// 保证金率档位 (单位：%)
	MarginCallRatio     float64 `mapstructure:"margin_call_ratio" yaml:"margin_call_ratio"`
	CriticalMarginRatio float64 `mapstructure:"critical_margin_ratio" yaml:"critical_margin_ratio"`
	DangerMarginRatio   float64 `mapstructure:"danger_margin_ratio" yaml:"danger_margin_ratio"`
	WarningMarginRatio  float64 `mapstructure:"warning_margin_ratio" yaml:"warning_margin_ratio"`

	// 清算距离档位 (单位：%)
	LiquidationCriticalPct float64 `mapstructure:"liquidation_critical_pct" yaml:"liquidation_critical_pct"`
	LiquidationHighPct     float64 `mapstructure:"liquidation_high_pct" yaml:"liquidation_high_pct"`
	LiquidationMediumPct   float64 `mapstructure:"liquidation_medium_pct" yaml:"liquidation_medium_pct"`

	// 清算保护价位偏移 (小数)
	EarlyWarningOffset float64 `mapstructure:"early_warning_offset" yaml:"early_warning_offset"`
	EmergencyOffset    float64 `mapstructure:"emergency_offset" yaml:"emergency_offset"`
	BufferOffset       float64 `mapstructure:"buffer_offset" yaml:"buffer_offset"`

	// 波动率与资金费率阈值 (小数)
	VolatilityHigh        float64 `mapstructure:"volatility_high" yaml:"volatility_high"`
	VolatilityMedium      float64 `mapstructure:"volatility_medium" yaml:"volatility_medium"`
	PriceChangeEscalation float64 `mapstructure:"price_change_escalation" yaml:"price_change_escalation"`
	FundingRateHigh       float64 `mapstructure:"funding_rate_high" yaml:"funding_rate_high"`
	FundingRateMedium     float64 `mapstructure:"funding_rate_medium" yaml:"funding_rate_medium"`

	// 实际杠杆/配置杠杆比值档位
	LeverageRatioCritical float64 `mapstructure:"leverage_ratio_critical" yaml:"leverage_ratio_critical"`
	LeverageRatioHigh     float64 `mapstructure:"leverage_ratio_high" yaml:"leverage_ratio_high"`
	LeverageRatioMedium   float64 `mapstructure:"leverage_ratio_medium" yaml:"leverage_ratio_medium"`

	ReducePositionFraction float64 `mapstructure:"reduce_position_fraction" yaml:"reduce_position_fraction"`
}

// LeverageConfig 杠杆优化配置
type LeverageConfig struct {
	MinLeverage         float64 `mapstructure:"min_leverage" yaml:"min_leverage"`
	MaxLeverage         float64 `mapstructure:"max_leverage" yaml:"max_leverage"`
	LeverageStep        float64 `mapstructure:"leverage_step" yaml:"leverage_step"`
	BaseLeverage        float64 `mapstructure:"base_leverage" yaml:"base_leverage"` // 0表示使用最小杠杆
	VolatilityThreshold float64 `mapstructure:"volatility_threshold" yaml:"volatility_threshold"`
	RiskTolerance       float64 `mapstructure:"risk_tolerance" yaml:"risk_tolerance"`
	HistoryLimit        int     `mapstructure:"history_limit" yaml:"history_limit"`
	HistoryTrimTo       int     `mapstructure:"history_trim_to" yaml:"history_trim_to"`
}

// MarginConfig 保证金费率配置
type MarginConfig struct {
	InitialMarginRate     float64 `mapstructure:"initial_margin_rate" yaml:"initial_margin_rate"`
	MaintenanceMarginRate float64 `mapstructure:"maintenance_margin_rate" yaml:"maintenance_margin_rate"`
	FeeRate               float64 `mapstructure:"fee_rate" yaml:"fee_rate"`
}

// MonitoringConfig 持仓监控配置
type MonitoringConfig struct {
	IntervalSeconds       int    `mapstructure:"interval_seconds" yaml:"interval_seconds"`
	MaxConcurrency        int    `mapstructure:"max_concurrency" yaml:"max_concurrency"`
	FetchTimeoutSeconds   int    `mapstructure:"fetch_timeout_seconds" yaml:"fetch_timeout_seconds"`
	StaleAfterFailures    int    `mapstructure:"stale_after_failures" yaml:"stale_after_failures"`
	AlertTTLHours         int    `mapstructure:"alert_ttl_hours" yaml:"alert_ttl_hours"`
	ResolvedAlertHours    int    `mapstructure:"resolved_alert_hours" yaml:"resolved_alert_hours"`
	AssessmentHistory     int    `mapstructure:"assessment_history" yaml:"assessment_history"`
	AutoAdjustLeverage    bool   `mapstructure:"auto_adjust_leverage" yaml:"auto_adjust_leverage"`
	ResultBuffer          int    `mapstructure:"result_buffer" yaml:"result_buffer"`
	DefaultAccount        string `mapstructure:"default_account" yaml:"default_account"`
	ExecuteEmergencyClose bool   `mapstructure:"execute_emergency_close" yaml:"execute_emergency_close"`
}

// RedisConfig Redis配置
type RedisConfig struct {
	Host      string `mapstructure:"host" yaml:"host"`
	Port      int    `mapstructure:"port" yaml:"port"`
	Password  string `mapstructure:"password" yaml:"password"`
	DB        int    `mapstructure:"db" yaml:"db"`
	KeyPrefix string `mapstructure:"key_prefix" yaml:"key_prefix"`
	ReportTTL int    `mapstructure:"report_ttl_minutes" yaml:"report_ttl_minutes"`
}

// MetricsConfig Prometheus指标配置
type MetricsConfig struct {
	Enabled    bool   `mapstructure:"enabled" yaml:"enabled"`
	ListenAddr string `mapstructure:"listen_addr" yaml:"listen_addr"`
}

// SystemConfig 系统配置
type SystemConfig struct {
	LogLevel string `mapstructure:"log_level" yaml:"log_level"`
	LogDir   string `mapstructure:"log_dir" yaml:"log_dir"`
}

// LoadConfig 从文件加载配置，未设置的字段使用默认值
func LoadConfig(filePath string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(filePath)
	setDefaults(v, GetDefaultConfig())

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("读取配置文件失败: %w", err)
	}

	// 环境变量覆盖，如 RISKGUARD_REDIS_HOST
	v.SetEnvPrefix("RISKGUARD")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if redisPassword := os.Getenv("REDIS_PASSWORD"); redisPassword != "" {
		v.Set("redis.password", redisPassword)
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("解析配置失败: %w", err)
	}

	if err := validateConfig(&config); err != nil {
		return nil, fmt.Errorf("配置验证失败: %w", err)
	}

	return &config, nil
}

// LoadConfigFromYAML 直接用yaml解析配置文件，未设置的字段使用默认值
func LoadConfigFromYAML(filePath string) (*Config, error) {
	yamlFile, err := os.ReadFile(filePath)
	if err != nil {
		return nil, fmt.Errorf("读取配置文件失败: %w", err)
	}

	config := GetDefaultConfig()
	if err := yaml.Unmarshal(yamlFile, config); err != nil {
		return nil, fmt.Errorf("解析配置文件失败: %w", err)
	}

	if err := validateConfig(config); err != nil {
		return nil, fmt.Errorf("配置验证失败: %w", err)
	}

	return config, nil
}

// setDefaults 把默认配置注册到viper
func setDefaults(v *viper.Viper, def *Config) {
	for key, value := range toMap(def) {
		v.SetDefault(key, value)
	}
}

// validateConfig 验证配置有效性
func validateConfig(config *Config) error {
	r := config.Risk
	if !(r.MarginCallRatio <= r.CriticalMarginRatio &&
		r.CriticalMarginRatio <= r.DangerMarginRatio &&
		r.DangerMarginRatio <= r.WarningMarginRatio) {
		return fmt.Errorf("保证金率档位必须递增: margin_call <= critical <= danger <= warning")
	}
	if r.MarginCallRatio <= 0 {
		return fmt.Errorf("追保保证金率必须大于0")
	}

	if !(r.LiquidationCriticalPct < r.LiquidationHighPct && r.LiquidationHighPct < r.LiquidationMediumPct) {
		return fmt.Errorf("清算距离档位必须递增")
	}

	if r.ReducePositionFraction <= 0 || r.ReducePositionFraction > 1 {
		return fmt.Errorf("减仓比例必须在0到1之间")
	}

	l := config.Leverage
	if l.MinLeverage <= 0 {
		return fmt.Errorf("最小杠杆倍数必须大于0")
	}
	if l.MaxLeverage < l.MinLeverage {
		return fmt.Errorf("最大杠杆倍数不能小于最小杠杆倍数")
	}
	if l.LeverageStep <= 0 {
		return fmt.Errorf("杠杆步长必须大于0")
	}
	if l.VolatilityThreshold <= 0 {
		return fmt.Errorf("波动率阈值必须大于0")
	}
	if l.HistoryTrimTo <= 0 || l.HistoryTrimTo > l.HistoryLimit {
		return fmt.Errorf("杠杆历史裁剪数量必须在0到上限之间")
	}

	m := config.Margin
	if m.MaintenanceMarginRate <= 0 || m.MaintenanceMarginRate >= 1 {
		return fmt.Errorf("维持保证金率必须在0到1之间")
	}
	if m.InitialMarginRate <= 0 || m.InitialMarginRate > 1 {
		return fmt.Errorf("初始保证金率必须在0到1之间")
	}
	if m.FeeRate < 0 || m.FeeRate >= 1 {
		return fmt.Errorf("手续费率必须在0到1之间")
	}

	mon := config.Monitoring
	if mon.IntervalSeconds <= 0 {
		return fmt.Errorf("监控间隔必须大于0")
	}
	if mon.MaxConcurrency <= 0 {
		return fmt.Errorf("最大并发数必须大于0")
	}
	if mon.FetchTimeoutSeconds <= 0 {
		return fmt.Errorf("数据获取超时必须大于0")
	}

	if config.Redis.Host == "" {
		return fmt.Errorf("Redis主机不能为空")
	}
	if config.Redis.Port <= 0 || config.Redis.Port > 65535 {
		return fmt.Errorf("无效的Redis端口")
	}

	if config.Metrics.Enabled && config.Metrics.ListenAddr == "" {
		return fmt.Errorf("已启用指标服务，但未配置监听地址")
	}

	return nil
}

// Validate 对外暴露的配置校验
func (c *Config) Validate() error {
	return validateConfig(c)
}

// GetDefaultConfig 获取默认配置
func GetDefaultConfig() *Config {
	return &Config{
		Risk: RiskConfig{
			MarginCallRatio:        100,
			CriticalMarginRatio:    105,
			DangerMarginRatio:      110,
			WarningMarginRatio:     120,
			LiquidationCriticalPct: 15,
			LiquidationHighPct:     25,
			LiquidationMediumPct:   50,
			EarlyWarningOffset:     0.15,
			EmergencyOffset:        0.10,
			BufferOffset:           0.05,
			VolatilityHigh:         0.10,
			VolatilityMedium:       0.05,
			PriceChangeEscalation:  0.20,
			FundingRateHigh:        0.002,
			FundingRateMedium:      0.001,
			LeverageRatioCritical:  1.5,
			LeverageRatioHigh:      1.2,
			LeverageRatioMedium:    1.1,
			ReducePositionFraction: 0.5,
		},
		Leverage: LeverageConfig{
			MinLeverage:         1,
			MaxLeverage:         20,
			LeverageStep:        1,
			VolatilityThreshold: 0.05,
			RiskTolerance:       0.02,
			HistoryLimit:        100,
			HistoryTrimTo:       50,
		},
		Margin: MarginConfig{
			InitialMarginRate:     0.10,
			MaintenanceMarginRate: 0.005,
			FeeRate:               0.0004,
		},
		Monitoring: MonitoringConfig{
			IntervalSeconds:       60,
			MaxConcurrency:        8,
			FetchTimeoutSeconds:   10,
			StaleAfterFailures:    3,
			AlertTTLHours:         24,
			ResolvedAlertHours:    6,
			AssessmentHistory:     100,
			ResultBuffer:          64,
			DefaultAccount:        "default",
			ExecuteEmergencyClose: true,
		},
		Redis: RedisConfig{
			Host:      "localhost",
			Port:      6379,
			DB:        0,
			KeyPrefix: "riskguard:",
			ReportTTL: 30,
		},
		Metrics: MetricsConfig{
			Enabled:    true,
			ListenAddr: ":9108",
		},
		System: SystemConfig{
			LogLevel: "INFO",
			LogDir:   "./logs",
		},
	}
}

// SaveConfigToFile 将配置保存到文件（不包含Redis密码）
func SaveConfigToFile(config *Config, filePath string) error {
	v := viper.New()
	v.SetConfigFile(filePath)

	for k, value := range toMap(config) {
		if k == "redis.password" {
			continue
		}
		v.Set(k, value)
	}

	return v.WriteConfigAs(filePath)
}

// toMap 把配置展开为viper的点分键
func toMap(c *Config) map[string]interface{} {
	return map[string]interface{}{
		"risk.margin_call_ratio":        c.Risk.MarginCallRatio,
		"risk.critical_margin_ratio":    c.Risk.CriticalMarginRatio,
		"risk.danger_margin_ratio":      c.Risk.DangerMarginRatio,
		"risk.warning_margin_ratio":     c.Risk.WarningMarginRatio,
		"risk.liquidation_critical_pct": c.Risk.LiquidationCriticalPct,
		"risk.liquidation_high_pct":     c.Risk.LiquidationHighPct,
		"risk.liquidation_medium_pct":   c.Risk.LiquidationMediumPct,
		"risk.early_warning_offset":     c.Risk.EarlyWarningOffset,
		"risk.emergency_offset":         c.Risk.EmergencyOffset,
		"risk.buffer_offset":            c.Risk.BufferOffset,
		"risk.volatility_high":          c.Risk.VolatilityHigh,
		"risk.volatility_medium":        c.Risk.VolatilityMedium,
		"risk.price_change_escalation":  c.Risk.PriceChangeEscalation,
		"risk.funding_rate_high":        c.Risk.FundingRateHigh,
		"risk.funding_rate_medium":      c.Risk.FundingRateMedium,
		"risk.leverage_ratio_critical":  c.Risk.LeverageRatioCritical,
		"risk.leverage_ratio_high":      c.Risk.LeverageRatioHigh,
		"risk.leverage_ratio_medium":    c.Risk.LeverageRatioMedium,
		"risk.reduce_position_fraction": c.Risk.ReducePositionFraction,

		"leverage.min_leverage":         c.Leverage.MinLeverage,
		"leverage.max_leverage":         c.Leverage.MaxLeverage,
		"leverage.leverage_step":        c.Leverage.LeverageStep,
		"leverage.base_leverage":        c.Leverage.BaseLeverage,
		"leverage.volatility_threshold": c.Leverage.VolatilityThreshold,
		"leverage.risk_tolerance":       c.Leverage.RiskTolerance,
		"leverage.history_limit":        c.Leverage.HistoryLimit,
		"leverage.history_trim_to":      c.Leverage.HistoryTrimTo,

		"margin.initial_margin_rate":     c.Margin.InitialMarginRate,
		"margin.maintenance_margin_rate": c.Margin.MaintenanceMarginRate,
		"margin.fee_rate":                c.Margin.FeeRate,

		"monitoring.interval_seconds":        c.Monitoring.IntervalSeconds,
		"monitoring.max_concurrency":         c.Monitoring.MaxConcurrency,
		"monitoring.fetch_timeout_seconds":   c.Monitoring.FetchTimeoutSeconds,
		"monitoring.stale_after_failures":    c.Monitoring.StaleAfterFailures,
		"monitoring.alert_ttl_hours":         c.Monitoring.AlertTTLHours,
		"monitoring.resolved_alert_hours":    c.Monitoring.ResolvedAlertHours,
		"monitoring.assessment_history":      c.Monitoring.AssessmentHistory,
		"monitoring.auto_adjust_leverage":    c.Monitoring.AutoAdjustLeverage,
		"monitoring.result_buffer":           c.Monitoring.ResultBuffer,
		"monitoring.default_account":         c.Monitoring.DefaultAccount,
		"monitoring.execute_emergency_close": c.Monitoring.ExecuteEmergencyClose,

		"redis.host":               c.Redis.Host,
		"redis.port":               c.Redis.Port,
		"redis.password":           c.Redis.Password,
		"redis.db":                 c.Redis.DB,
		"redis.key_prefix":         c.Redis.KeyPrefix,
		"redis.report_ttl_minutes": c.Redis.ReportTTL,

		"metrics.enabled":     c.Metrics.Enabled,
		"metrics.listen_addr": c.Metrics.ListenAddr,

		"system.log_level": c.System.LogLevel,
		"system.log_dir":   c.System.LogDir,
	}
}
