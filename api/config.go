package api

import "time"

type ServerConfig struct {
	// ID identifies this instance inside consumer groups.
	ID string

	DB        DBConfig
	Redis     RedisConfig
	S3        S3Config
	Auth      AuthConfig
	Payment   PaymentConfig
	Engine    EngineConfig
	Scheduler SchedulerConfig
}

type DBConfig struct {
	User     string
	Password string
	Host     string
	Port     int
	Database string
	Schema   string
}

type RedisConfig struct {
	Addr     string
	Password string
	DB       int

	KeyPrefix     string
	ConsumerGroup string
	StreamKeys    RedisStreamKeys
}

type RedisStreamKeys struct {
	// Events carries the cross-instance SSE fanout.
	Events string
	// Settlements carries capture requests to the settlement workers.
	Settlements string
}

type S3Config struct {
	AccessKeyID     string
	SecretAccessKey string
	Endpoint        string
	Bucket          string
	PublicBaseURL   string

	// ArchiveInterval is how often settled auctions are swept to cold
	// storage. Zero disables the archiver.
	ArchiveInterval time.Duration
}

type AuthConfig struct {
	// Secret is the HMAC key shared with the identity collaborator that
	// mints access tokens.
	Secret   string
	Issuer   string
	Audience string
}

type PaymentConfig struct {
	BaseURL string
	APIKey  string
}

type EngineConfig struct {
	LockWait      time.Duration
	MaxExtensions uint32
}

type SchedulerConfig struct {
	Interval  time.Duration
	LeaderKey string
}
