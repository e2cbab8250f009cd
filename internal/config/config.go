package config

import "gitlab.com/inference-grid/routing-service/models"

type Config struct {
	General  `mapstructure:"general"`
	Rest     `mapstructure:"rest"`
	Database `mapstructure:"database"`
	Redis    `mapstructure:"redis"`
	Gateway  `mapstructure:"gateway"`
	Credit   `mapstructure:"credit"`
	Tracing  `mapstructure:"tracing"`

	Models []models.ModelPricing `mapstructure:"models"`
}

type General struct {
	Debug bool `mapstructure:"debug"`
}

type Rest struct {
	Port int `mapstructure:"port"`
}

type Database struct {
	Path string `mapstructure:"path"`
}

type Redis struct {
	Addr     string `mapstructure:"addr"`
	Username string `mapstructure:"username"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

type Gateway struct {
	URL       string `mapstructure:"url"`
	MasterKey string `mapstructure:"master_key"`
	ProxyPort int    `mapstructure:"proxy_port"` // machine-side OpenAI-compatible port
}

type Credit struct {
	JWTSecret         string `mapstructure:"jwt_secret"`
	LowBalanceWebhook string `mapstructure:"low_balance_webhook"`
	ReconcileInterval int    `mapstructure:"reconcile_interval"` // in seconds
}

type Tracing struct {
	Endpoint string `mapstructure:"endpoint"`
}
