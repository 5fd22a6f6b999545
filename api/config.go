package api

import (
	"crypto"
	"time"
)

type ServerConfig struct {
	Auth   AuthConfig
	S3     S3Config
	DB     DBConfig
	Redis  RedisConfig
	HTTP   HTTPConfig
}

type AuthConfig struct {
	// PrivateKey 用於驗證 access token 的簽章，只會使用其公鑰
	PrivateKey crypto.Signer
}

type S3Config struct {
	AccessKeyID     string
	SecretAccessKey string
	Endpoint        string
	Bucket          string
	// Prefix 是封存物件路徑的前綴，為空時不封存
	Prefix string
}

// Enabled 判斷是否設定了封存用的存儲桶
func (c S3Config) Enabled() bool {
	return c.Bucket != ""
}

type DBConfig struct {
	User     string
	Password string
	Host     string
	Port     int
	Database string
	Schema   string
	// AutoMigrate 啟動時是否自動建立資料表
	AutoMigrate bool
}

type RedisConfig struct {
	Addr      string
	Password  string
	DB        int
	KeyPrefix string
	// GroupTTL 是群組設定快取的存活時間
	GroupTTL time.Duration

	StreamKeys RedisStreamKeys
}

type RedisStreamKeys struct {
	// LotEvents 是標的事件的 Redis Stream，同時供 SSE 訂閱
	LotEvents string
	// MaxLen 是 Stream 保留的約略長度，0 代表不裁切
	MaxLen int64
}

type HTTPConfig struct {
	// MaxBodyBytes 是請求內容的大小上限
	MaxBodyBytes int64
	// KeepAlive 是 SSE 沒有事件時送出空行的間隔
	KeepAlive time.Duration
}
