package conf

import (
	"os"
	"runtime"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/go-pantheon/fabrica-util/errors"
	"gopkg.in/yaml.v3"
)

// EnvPrefix prefixes every environment override, e.g. FABRICA_PROXY_SERVER_BIND.
const EnvPrefix = "FABRICA_PROXY_"

type Config struct {
	Server     Server     `yaml:"server" envPrefix:"SERVER_"`
	Connection Connection `yaml:"connection" envPrefix:"CONNECTION_"`
	Resolver   Resolver   `yaml:"resolver" envPrefix:"RESOLVER_"`
	Reactor    Reactor    `yaml:"reactor" envPrefix:"REACTOR_"`
	Health     Health     `yaml:"health" envPrefix:"HEALTH_"`
}

type Server struct {
	Bind         string `yaml:"bind" env:"BIND"`
	Backlog      int    `yaml:"backlog" env:"BACKLOG"`
	KeepAlive    bool   `yaml:"keep_alive" env:"KEEP_ALIVE"`
	ReadBufSize  int    `yaml:"read_buf_size" env:"READ_BUF_SIZE"`
	WriteBufSize int    `yaml:"write_buf_size" env:"WRITE_BUF_SIZE"`
}

type Connection struct {
	ReadChunkSize int `yaml:"read_chunk_size" env:"READ_CHUNK_SIZE"`
	MaxHeaderSize int `yaml:"max_header_size" env:"MAX_HEADER_SIZE"`
	DefaultPort   int `yaml:"default_port" env:"DEFAULT_PORT"`
}

type Resolver struct {
	// Timeout bounds one lookup. Zero waits as long as the lookup takes.
	Timeout time.Duration `yaml:"timeout" env:"TIMEOUT"`
}

type Reactor struct {
	MaxEvents int `yaml:"max_events" env:"MAX_EVENTS"`
	// Workers sizes the background pool. Zero uses one worker per CPU.
	Workers int `yaml:"workers" env:"WORKERS"`
}

type Health struct {
	// Addr of the health and metrics endpoint. Empty disables it.
	Addr string `yaml:"addr" env:"ADDR"`
}

func Default() Config {
	server := Server{
		Bind:         "0.0.0.0:2538",
		Backlog:      128,
		KeepAlive:    true,
		ReadBufSize:  30000,
		WriteBufSize: 30000,
	}

	connection := Connection{
		ReadChunkSize: 1024,
		MaxHeaderSize: 64 << 10,
		DefaultPort:   80,
	}

	resolver := Resolver{}

	reactor := Reactor{
		MaxEvents: 128,
		Workers:   runtime.NumCPU(),
	}

	return Config{
		Server:     server,
		Connection: connection,
		Resolver:   resolver,
		Reactor:    reactor,
	}
}

// Load reads path over the defaults and then applies environment overrides.
// An empty path skips the file.
func Load(path string) (Config, error) {
	c := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return c, errors.Wrapf(err, "read config file failed. path=%s", path)
		}

		if err = yaml.Unmarshal(data, &c); err != nil {
			return c, errors.Wrapf(err, "parse config file failed. path=%s", path)
		}
	}

	if err := env.ParseWithOptions(&c, env.Options{Prefix: EnvPrefix}); err != nil {
		return c, errors.Wrap(err, "parse config environment failed")
	}

	return c, c.Validate()
}

func (c Config) Validate() error {
	if c.Server.Bind == "" {
		return errors.New("server bind address is empty")
	}

	if c.Connection.ReadChunkSize <= 0 {
		return errors.Errorf("connection read chunk size must be positive. size=%d", c.Connection.ReadChunkSize)
	}

	if c.Connection.MaxHeaderSize <= 0 {
		return errors.Errorf("connection max header size must be positive. size=%d", c.Connection.MaxHeaderSize)
	}

	if c.Connection.DefaultPort <= 0 || c.Connection.DefaultPort > 65535 {
		return errors.Errorf("connection default port out of range. port=%d", c.Connection.DefaultPort)
	}

	if c.Resolver.Timeout < 0 {
		return errors.Errorf("resolver timeout must not be negative. timeout=%s", c.Resolver.Timeout)
	}

	return nil
}
