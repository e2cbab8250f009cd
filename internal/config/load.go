package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"regexp"

	"github.com/spf13/viper"
)

var cfg Config
var home = os.Getenv("HOME")

func getViper() *viper.Viper {
	v := viper.New()
	v.SetConfigName("routing_config")
	v.SetConfigType("json")
	v.AddConfigPath(".") // config file reading order starts with current working directory
	v.AddConfigPath("$HOME/.routing-service")
	v.AddConfigPath("/etc/routing-service/")
	return v
}

func setDefaultConfig() *viper.Viper {
	v := getViper()
	v.SetDefault("general.debug", false)
	v.SetDefault("rest.port", 8090)
	v.SetDefault("database.path", home+"/.routing-service/routing.db")
	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("redis.db", 0)
	v.SetDefault("gateway.proxy_port", 34523)
	v.SetDefault("credit.reconcile_interval", 60)
	return v
}

func LoadConfig() {
	paths := []string{
		".",
		home + "/.routing-service",
		"/etc/routing-service",
	}
	configFile := "routing_config.json"
	v := setDefaultConfig()

	config, err := findConfig(paths, configFile)
	if err != nil {
		setDefaultConfig().Unmarshal(&cfg)
		return
	}

	modifiedConfig := removeComments(config)
	if err = v.ReadConfig(bytes.NewBuffer(modifiedConfig)); err != nil { // Viper only reads buffer, keeping comments in original config
		setDefaultConfig().Unmarshal(&cfg)
	}

	if err = v.Unmarshal(&cfg); err != nil {
		setDefaultConfig().Unmarshal(&cfg)
	}
}

func SetConfig(key string, value interface{}) {
	v := getViper()
	v.Set(key, value)
	err := v.Unmarshal(&cfg)
	if err != nil {
		setDefaultConfig().Unmarshal(&cfg)
	}
}

func GetConfig() *Config {
	if reflect.DeepEqual(cfg, Config{}) {
		LoadConfig()
	}
	return &cfg
}

func findConfig(paths []string, filename string) ([]byte, error) {
	for _, path := range paths {
		fullPath := filepath.Join(path, filename)
		_, err := os.Stat(fullPath)
		if err == nil {
			config, err := os.ReadFile(fullPath)
			if err == nil {
				return config, nil
			}
			return nil, err
		}
	}

	return nil, fmt.Errorf("file not found in any of the paths")
}

func removeComments(configBytes []byte) []byte {
	re := regexp.MustCompile("(?s)//.*?\n") // match all '//' until the end of the line
	result := re.ReplaceAll(configBytes, nil)
	return result
}
