package main

import (
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"mazad/api"
)

func ParseArgs() Args {
	// server config
	pflag.String("server-url", "0.0.0.0:8080", "")
	pflag.String("instance-id", "mazad-0", "")

	// auth config
	pflag.String("auth-secret", "", "")
	pflag.String("auth-issuer", "", "")
	pflag.String("auth-audience", "", "")

	// s3 config
	pflag.String("s3-endpoint", "", "")
	pflag.String("s3-bucket", "", "")
	pflag.String("s3-public-base-url", "", "")
	pflag.String("s3-access-key-id", "", "")
	pflag.String("s3-secret-access-key", "", "")
	pflag.Duration("s3-archive-interval", time.Hour, "")

	// db config
	pflag.String("db-user", "", "")
	pflag.String("db-password", "", "")
	pflag.String("db-host", "", "")
	pflag.Int("db-port", 5432, "")
	pflag.String("db-database", "", "")
	pflag.String("db-schema", "", "")

	// redis config
	pflag.String("redis-addr", "", "")
	pflag.String("redis-password", "", "")
	pflag.Int("redis-db", 15, "")
	pflag.String("redis-key-prefix", "mazad:", "")
	pflag.String("redis-consumer-group", "mazad-settlement-workers", "")

	// redis stream keys
	pflag.String("redis-stream-key-for-events", "mazad-shared-event-stream", "")
	pflag.String("redis-stream-key-for-settlements", "mazad-settlement-stream", "")

	// payment config
	pflag.String("payment-base-url", "", "")
	pflag.String("payment-api-key", "", "")

	// engine config
	pflag.Duration("engine-lock-wait", 250*time.Millisecond, "")
	pflag.Uint32("engine-max-extensions", 50, "")

	// scheduler config
	pflag.Duration("scheduler-interval", time.Second, "")
	pflag.String("scheduler-leader-key", "scheduler-leader", "")

	// bind pflag to viper
	pflag.Parse()
	viper.BindPFlags(pflag.CommandLine)
	viper.AutomaticEnv()
	viper.SetEnvPrefix("MAZAD")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))

	// initial arguments
	return Args{
		ServerURL: viper.GetString("server-url"),
		ServerConfig: api.ServerConfig{
			ID: viper.GetString("instance-id"),
			Auth: api.AuthConfig{
				Secret:   viper.GetString("auth-secret"),
				Issuer:   viper.GetString("auth-issuer"),
				Audience: viper.GetString("auth-audience"),
			},
			S3: api.S3Config{
				Endpoint:        viper.GetString("s3-endpoint"),
				Bucket:          viper.GetString("s3-bucket"),
				PublicBaseURL:   viper.GetString("s3-public-base-url"),
				AccessKeyID:     viper.GetString("s3-access-key-id"),
				SecretAccessKey: viper.GetString("s3-secret-access-key"),
				ArchiveInterval: viper.GetDuration("s3-archive-interval"),
			},
			DB: api.DBConfig{
				User:     viper.GetString("db-user"),
				Password: viper.GetString("db-password"),
				Host:     viper.GetString("db-host"),
				Port:     viper.GetInt("db-port"),
				Database: viper.GetString("db-database"),
				Schema:   viper.GetString("db-schema"),
			},
			Redis: api.RedisConfig{
				Addr:          viper.GetString("redis-addr"),
				Password:      viper.GetString("redis-password"),
				DB:            viper.GetInt("redis-db"),
				KeyPrefix:     viper.GetString("redis-key-prefix"),
				ConsumerGroup: viper.GetString("redis-consumer-group"),
				StreamKeys: api.RedisStreamKeys{
					Events:      viper.GetString("redis-stream-key-for-events"),
					Settlements: viper.GetString("redis-stream-key-for-settlements"),
				},
			},
			Payment: api.PaymentConfig{
				BaseURL: viper.GetString("payment-base-url"),
				APIKey:  viper.GetString("payment-api-key"),
			},
			Engine: api.EngineConfig{
				LockWait:      viper.GetDuration("engine-lock-wait"),
				MaxExtensions: viper.GetUint32("engine-max-extensions"),
			},
			Scheduler: api.SchedulerConfig{
				Interval:  viper.GetDuration("scheduler-interval"),
				LeaderKey: viper.GetString("scheduler-leader-key"),
			},
		},
	}
}

type Args struct {
	ServerURL    string
	ServerConfig api.ServerConfig
}

func (args Args) Validate() bool {
	return args.ServerURL != "" &&
		args.ServerConfig.Auth.Secret != "" &&
		args.ServerConfig.Payment.BaseURL != "" &&
		args.ServerConfig.Payment.APIKey != ""
}
