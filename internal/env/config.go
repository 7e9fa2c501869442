package env

import (
	"context"
	"os"
	"time"

	"github.com/joho/godotenv"
	"github.com/sethvargo/go-envconfig"
)

type Config struct {
	// Inbound connection to the switch
	Addr           string        `env:"SWITCHBOARD_ADDR,default=127.0.0.1:8021"`
	Password       string        `env:"SWITCHBOARD_PASSWORD,default=ClueCon"`
	ConnectTimeout time.Duration `env:"SWITCHBOARD_CONNECT_TIMEOUT,default=5s"`
	EventFormat    string        `env:"SWITCHBOARD_EVENT_FORMAT,default=plain"`
	Events         []string      `env:"SWITCHBOARD_EVENTS,default=ALL"`

	// Outbound server
	Host          string  `env:"SWITCHBOARD_HOST,default=0.0.0.0"`
	Port          int     `env:"SWITCHBOARD_PORT,default=8084"`
	MaxSessions   int64   `env:"SWITCHBOARD_MAX_SESSIONS,default=0"`
	QueueWhenFull bool    `env:"SWITCHBOARD_QUEUE_WHEN_FULL,default=false"`
	AcceptRate    float64 `env:"SWITCHBOARD_ACCEPT_RATE,default=0"`
	AcceptBurst   int     `env:"SWITCHBOARD_ACCEPT_BURST,default=1"`
	Linger        bool    `env:"SWITCHBOARD_LINGER,default=true"`
	MyEvents      bool    `env:"SWITCHBOARD_MYEVENTS,default=true"`

	MaxHeaderLines int `env:"SWITCHBOARD_MAX_HEADER_LINES,default=1000"`

	HTTPPort  string `env:"SWITCHBOARD_HTTP_PORT,default=8085"`
	DebugHTTP bool   `env:"SWITCHBOARD_DEBUG_HTTP"`
	LogLevel  string `env:"SWITCHBOARD_LOG_LEVEL,default=info"`
}

func LoadConfig(ctx context.Context) (*Config, error) {
	config := Config{}

	if err := godotenv.Load(".env.local"); err != nil {
		if !os.IsNotExist(err) {
			return nil, err
		}
	}

	if err := envconfig.Process(ctx, &config); err != nil {
		return nil, err
	}

	return &config, nil
}
