package common

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Load builds the process configuration: env vars with the LOBBYD prefix,
// an optional YAML file on top, and defaults for everything tunable.
func Load(cfgFile string) (*viper.Viper, error) {
	v := viper.New()
	v.SetEnvPrefix("LOBBYD")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	v.SetDefault("listen", ":8080")
	v.SetDefault("ws.domain", "localhost:8080")
	v.SetDefault("session.heartbeat", 30*time.Second)
	v.SetDefault("cluster.namespace", "gameservers")
	v.SetDefault("cluster.image", "gameserver:latest")
	v.SetDefault("cluster.host", "localhost")
	v.SetDefault("ports.low", 7200)
	v.SetDefault("ports.high", 7300)
	v.SetDefault("provision.interval", 2*time.Second)
	v.SetDefault("provision.attempts", 30)
	v.SetDefault("telemetry.enabled", false)
	v.SetDefault("telemetry.collector_url", "http://localhost:4318")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "console")

	if cfgFile != "" {
		v.SetConfigFile(cfgFile)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}
	return v, nil
}

// Validate rejects configurations the server cannot run with.
func Validate(v *viper.Viper) error {
	for _, key := range []string{"jwt.secret", "dynamo.table", "dynamo.region"} {
		if strings.TrimSpace(v.GetString(key)) == "" {
			return fmt.Errorf("missing required config key %q", key)
		}
	}
	low, high := v.GetInt("ports.low"), v.GetInt("ports.high")
	if low <= 0 || high < low {
		return fmt.Errorf("invalid port range [%d, %d]", low, high)
	}
	if v.GetDuration("session.heartbeat") <= 0 {
		return fmt.Errorf("session.heartbeat must be positive")
	}
	return nil
}
