package main

import (
	"crypto"
	"log/slog"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"auction/api"
)

func ParseArgs() Args {
	// server config
	pflag.String("server-url", "0.0.0.0:8080", "")
	pflag.String("log-level", "info", "debug, info, warn or error")
	pflag.Int64("http-max-body-bytes", 1<<20, "")
	pflag.Duration("http-keep-alive", 30*time.Second, "")

	// auth config
	pflag.String("auth-private-key", "", "PEM encoded Ed25519 private key")

	// s3 config
	pflag.String("s3-endpoint", "", "")
	pflag.String("s3-bucket", "", "")
	pflag.String("s3-prefix", "", "")
	pflag.String("s3-access-key-id", "", "")
	pflag.String("s3-secret-access-key", "", "")

	// db config
	pflag.String("db-user", "", "")
	pflag.String("db-password", "", "")
	pflag.String("db-host", "", "")
	pflag.Int("db-port", 5432, "")
	pflag.String("db-database", "", "")
	pflag.String("db-schema", "", "")
	pflag.Bool("db-auto-migrate", false, "")

	// redis config
	pflag.String("redis-addr", "", "")
	pflag.String("redis-password", "", "")
	pflag.Int("redis-db", 15, "")
	pflag.String("redis-key-prefix", "auction:", "")
	pflag.Duration("redis-group-ttl", 10*time.Minute, "")

	// redis stream keys
	pflag.String("redis-stream-key-for-lot-events", "auction-lot-events", "")
	pflag.Int64("redis-stream-max-len", 100000, "")

	// bind pflag to viper
	pflag.Parse()
	viper.BindPFlags(pflag.CommandLine)
	viper.AutomaticEnv()
	viper.SetEnvPrefix("AUCTION")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))

	// initial arguments
	return Args{
		ServerURL: viper.GetString("server-url"),
		LogLevel:  viper.GetString("log-level"),
		ServerConfig: api.ServerConfig{
			Auth: api.AuthConfig{
				PrivateKey: parsePrivateKey(viper.GetString("auth-private-key")),
			},
			S3: api.S3Config{
				Endpoint:        viper.GetString("s3-endpoint"),
				Bucket:          viper.GetString("s3-bucket"),
				Prefix:          viper.GetString("s3-prefix"),
				AccessKeyID:     viper.GetString("s3-access-key-id"),
				SecretAccessKey: viper.GetString("s3-secret-access-key"),
			},
			DB: api.DBConfig{
				User:        viper.GetString("db-user"),
				Password:    viper.GetString("db-password"),
				Host:        viper.GetString("db-host"),
				Port:        viper.GetInt("db-port"),
				Database:    viper.GetString("db-database"),
				Schema:      viper.GetString("db-schema"),
				AutoMigrate: viper.GetBool("db-auto-migrate"),
			},
			Redis: api.RedisConfig{
				Addr:      viper.GetString("redis-addr"),
				Password:  viper.GetString("redis-password"),
				DB:        viper.GetInt("redis-db"),
				KeyPrefix: viper.GetString("redis-key-prefix"),
				GroupTTL:  viper.GetDuration("redis-group-ttl"),
				StreamKeys: api.RedisStreamKeys{
					LotEvents: viper.GetString("redis-stream-key-for-lot-events"),
					MaxLen:    viper.GetInt64("redis-stream-max-len"),
				},
			},
			HTTP: api.HTTPConfig{
				MaxBodyBytes: viper.GetInt64("http-max-body-bytes"),
				KeepAlive:    viper.GetDuration("http-keep-alive"),
			},
		},
	}
}

// parsePrivateKey 解析失敗時回傳 nil，由 Validate 擋下
func parsePrivateKey(pem string) crypto.Signer {
	if pem == "" {
		return nil
	}
	key, err := jwt.ParseEdPrivateKeyFromPEM([]byte(pem))
	if err != nil {
		slog.Error("Fail to parse auth private key", slog.Any("error", err))
		return nil
	}
	signer, ok := key.(crypto.Signer)
	if !ok {
		return nil
	}
	return signer
}

type Args struct {
	ServerURL    string
	LogLevel     string
	ServerConfig api.ServerConfig
}

func (args Args) Validate() bool {
	return args.ServerURL != "" &&
		args.ServerConfig.Auth.PrivateKey != nil &&
		args.ServerConfig.DB.Host != "" &&
		args.ServerConfig.DB.Database != "" &&
		args.ServerConfig.Redis.Addr != "" &&
		args.ServerConfig.Redis.StreamKeys.LotEvents != ""
}

// Level 將 log-level 轉換為 slog.Level，無法辨識時使用 Info
func (args Args) Level() slog.Level {
	var level slog.Level
	if err := level.UnmarshalText([]byte(args.LogLevel)); err != nil {
		return slog.LevelInfo
	}
	return level
}
