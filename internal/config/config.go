// Package config binds pingtrackd's command-line flags and environment
// variables into the typed settings the rest of the service needs to
// start. No config file is read.
package config

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"pingtrack/internal/pgclient"
)

// DefaultPreparePlans are the PREPARE statements every pool worker runs
// once at startup, establishing the named plans the HTTP controllers
// EXECUTE against with lexically-inlined values.
var DefaultPreparePlans = []string{
	`PREPARE insert_ping (text, bigint) AS
		INSERT INTO pings (device_id, epoch_time) VALUES ($1, $2)`,
	`PREPARE select_pings_range (text, bigint, bigint) AS
		SELECT device_id, epoch_time FROM pings
		WHERE device_id = $1 AND epoch_time BETWEEN $2 AND $3
		ORDER BY epoch_time`,
}

// Config is the fully-resolved, immutable configuration for one run of
// pingtrackd.
type Config struct {
	HTTPAddr string
	LogLevel string

	Pool pgclient.PoolConfig
}

// RegisterFlags installs pingtrackd's flags on cmd's persistent flag set
// (so every subcommand inherits them) and binds them into v, following the
// same flag-then-env-then-default precedence multigres's servenv gives its
// own commands.
func RegisterFlags(cmd *cobra.Command, v *viper.Viper) {
	flags := cmd.PersistentFlags()

	flags.String("http-addr", ":8080", "address for the HTTP listener")
	flags.String("log-level", "info", "log level: debug, info, warn, error")

	flags.String("db-host", "127.0.0.1", "Postgres host")
	flags.Int("db-port", 5432, "Postgres port")
	flags.String("db-name", "pingtrack", "Postgres database name")
	flags.String("db-user", "pingtrack", "Postgres auth username")
	flags.String("db-password", "", "Postgres auth password")

	flags.Int("pool-size", 10, "number of pooled connections to Postgres")

	v.SetEnvPrefix("PINGTRACK")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()
	_ = v.BindPFlags(flags)
}

// Load resolves the final Config from v after flags have been parsed.
func Load(v *viper.Viper) (*Config, error) {
	host := v.GetString("db-host")
	if host == "" {
		return nil, fmt.Errorf("config: db-host must not be empty")
	}
	size := v.GetInt("pool-size")
	if size <= 0 {
		return nil, fmt.Errorf("config: pool-size must be positive, got %d", size)
	}

	return &Config{
		HTTPAddr: v.GetString("http-addr"),
		LogLevel: v.GetString("log-level"),
		Pool: pgclient.PoolConfig{
			Name: "pingtrack",
			Size: size,
			DB: pgclient.DbConfig{
				Host:     host,
				Port:     v.GetInt("db-port"),
				Database: v.GetString("db-name"),
				User:     v.GetString("db-user"),
				Password: v.GetString("db-password"),
			},
			PreparePlans: DefaultPreparePlans,
		},
	}, nil
}
