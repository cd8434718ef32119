package config

import "github.com/spf13/viper"

type Config struct {
	ServerPort    string `mapstructure:"SERVER_PORT"`
	BroadcastURL  string `mapstructure:"BROADCAST_URL"`
	APIBaseURL    string `mapstructure:"API_BASE_URL"`
	AuthToken     string `mapstructure:"AUTH_TOKEN"`
	DeliveryID    string `mapstructure:"DELIVERY_ID"`
	PostgresURL   string `mapstructure:"POSTGRES_URL"`
	RedisAddr     string `mapstructure:"REDIS_ADDR"`
	RedisPassword string `mapstructure:"REDIS_PASSWORD"`
	JWTSecret     string `mapstructure:"JWT_SECRET"`
}

func Load() Config {
	viper.AutomaticEnv()
	viper.SetDefault("SERVER_PORT", ":8081")
	viper.SetDefault("BROADCAST_URL", "ws://localhost:8081/ws")
	viper.SetDefault("API_BASE_URL", "http://localhost:8080")
	viper.SetDefault("AUTH_TOKEN", "")
	viper.SetDefault("DELIVERY_ID", "")
	viper.SetDefault("POSTGRES_URL", "")
	viper.SetDefault("REDIS_ADDR", "")
	viper.SetDefault("REDIS_PASSWORD", "")
	viper.SetDefault("JWT_SECRET", "")

	var cfg Config
	_ = viper.Unmarshal(&cfg)
	return cfg
}
