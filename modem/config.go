package modem

import (
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"

	"i4.energy/across/skgw/sk"
)

// Config holds the settings of a Modem. Build one with NewConfigBuilder.
type Config struct {
	dialer         Dialer
	logger         *slog.Logger
	commandTimeout time.Duration
	initTimeout    time.Duration
	pollInterval   time.Duration
	eventBuffer    int
	dataFormat     sk.DataFormat
	channelMask    uint32
	skipECHONET    bool
	echo           echoMode
	sendRetry      func() backoff.BackOff
}

func (c *Config) validate() error {
	if c.dialer == nil {
		return ErrNoDialer
	}
	return nil
}

func (c *Config) setDefaults() {
	if c.logger == nil {
		c.logger = slog.New(slog.DiscardHandler)
	}
	if c.commandTimeout == 0 {
		c.commandTimeout = 5 * time.Second
	}
	if c.initTimeout == 0 {
		c.initTimeout = 30 * time.Second
	}
	if c.pollInterval == 0 {
		c.pollInterval = 50 * time.Millisecond
	}
	if c.eventBuffer == 0 {
		c.eventBuffer = 16
	}
	if c.channelMask == 0 {
		c.channelMask = 0xFFFFFFFF
	}
}

// ConfigBuilder assembles a Config.
type ConfigBuilder struct {
	config Config
}

// NewConfigBuilder returns a builder holding the default settings.
func NewConfigBuilder() *ConfigBuilder {
	b := &ConfigBuilder{}
	b.config.setDefaults()
	return b
}

// WithDialer sets how the transport to the device is opened. Required.
func (b *ConfigBuilder) WithDialer(d Dialer) *ConfigBuilder {
	b.config.dialer = d
	return b
}

// WithLogger sets the logger. Sensitive command arguments are never logged.
func (b *ConfigBuilder) WithLogger(l *slog.Logger) *ConfigBuilder {
	b.config.logger = l
	return b
}

// WithCommandTimeout bounds each command exchange whose context carries no
// deadline. Waits for terminal events are bounded by the context only.
func (b *ConfigBuilder) WithCommandTimeout(d time.Duration) *ConfigBuilder {
	b.config.commandTimeout = d
	return b
}

// WithInitTimeout bounds the initialization sequence run by New.
func (b *ConfigBuilder) WithInitTimeout(d time.Duration) *ConfigBuilder {
	b.config.initTimeout = d
	return b
}

// WithPollInterval sets how long ReceiveDatagram sleeps between polls.
func (b *ConfigBuilder) WithPollInterval(d time.Duration) *ConfigBuilder {
	b.config.pollInterval = d
	return b
}

// WithEventBuffer sets the capacity of the Events channel.
func (b *ConfigBuilder) WithEventBuffer(n int) *ConfigBuilder {
	b.config.eventBuffer = n
	return b
}

// WithDataFormat sets the ERXUDP data format assumed when the device cannot
// report its own.
func (b *ConfigBuilder) WithDataFormat(f sk.DataFormat) *ConfigBuilder {
	b.config.dataFormat = f
	return b
}

// WithChannelMask sets the channels scanned by ActiveScan and EDScan.
func (b *ConfigBuilder) WithChannelMask(mask uint32) *ConfigBuilder {
	b.config.channelMask = mask
	return b
}

// WithEchoback declares whether the device echoes commands back. By default
// this is detected from the first exchange during initialization.
func (b *ConfigBuilder) WithEchoback(enabled bool) *ConfigBuilder {
	b.config.echo = echoOff
	if enabled {
		b.config.echo = echoOn
	}
	return b
}

// WithoutECHONETCapture disables the default capture of the ECHONET Lite
// port.
func (b *ConfigBuilder) WithoutECHONETCapture() *ConfigBuilder {
	b.config.skipECHONET = true
	return b
}

// WithSendRetry wraps SendTo in a retry policy. newPolicy is called once per
// SendTo since backoff policies are stateful.
func (b *ConfigBuilder) WithSendRetry(newPolicy func() backoff.BackOff) *ConfigBuilder {
	b.config.sendRetry = newPolicy
	return b
}

// Build validates and returns the Config.
func (b *ConfigBuilder) Build() (Config, error) {
	if err := b.config.validate(); err != nil {
		return Config{}, err
	}
	return b.config, nil
}
