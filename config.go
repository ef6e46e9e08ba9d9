package main

import (
	"fmt"
	"os"
	"strconv"

	"github.com/spf13/pflag"
	"golang.org/x/term"
)

// Config holds the application configuration
type Config struct {
	// BindAddress is the address the server listens on (e.g. "0.0.0.0:8080")
	BindAddress string
	// SerialPort is the path to the modem's serial port (e.g. "/dev/ttyUSB0")
	SerialPort string
	// BaudRate is the baud rate for serial communication with the modem (e.g. 115200)
	BaudRate int
	// BridgeURL reaches the modem through a websocket serial bridge instead
	// of a local port when set (e.g. "ws://bridge.local/serial")
	BridgeURL string
	// LogLevel sets the logging level (e.g. "debug", "info", "warn", "error")
	LogLevel string
	// RouteBID is the 32 character Route-B authentication ID
	RouteBID string
	// RouteBPassword is the 12 character Route-B password
	RouteBPassword string
	// MQTTBroker enables the MQTT bridge when set (e.g. "tcp://localhost:1883")
	MQTTBroker string
	// MQTTClientID identifies the gateway to the broker
	MQTTClientID string
	// MQTTTopic is the prefix of the bridge topics (e.g. "skgw")
	MQTTTopic string
	// MQTTUsername and MQTTPassword authenticate with the broker, if set
	MQTTUsername string
	MQTTPassword string
}

// ConfigOption is a function that modifies a Config
type ConfigOption func(*Config) error

// LoadConfig creates a new config by applying the given options in order
func LoadConfig(opts ...ConfigOption) (*Config, error) {
	config := &Config{}

	for _, opt := range opts {
		if err := opt(config); err != nil {
			return nil, err
		}
	}

	return config, nil
}

// WithDefaults applies default configuration values
func WithDefaults() ConfigOption {
	return func(c *Config) error {
		c.BindAddress = "0.0.0.0:8080"
		c.SerialPort = "/dev/ttyUSB0"
		c.BaudRate = 115200
		c.LogLevel = "info"
		c.MQTTClientID = "skgw"
		c.MQTTTopic = "skgw"
		return nil
	}
}

// WithEnv loads configuration from environment variables
func WithEnv() ConfigOption {
	return func(c *Config) error {
		if addr := os.Getenv("BIND_ADDRESS"); addr != "" {
			c.BindAddress = addr
		}

		if serial := os.Getenv("SERIAL_PORT"); serial != "" {
			c.SerialPort = serial
		}

		if baud := os.Getenv("BAUD_RATE"); baud != "" {
			if b, err := strconv.Atoi(baud); err == nil {
				c.BaudRate = b
			}
		}

		if url := os.Getenv("BRIDGE_URL"); url != "" {
			c.BridgeURL = url
		}

		if level := os.Getenv("LOG_LEVEL"); level != "" {
			c.LogLevel = level
		}

		if id := os.Getenv("ROUTEB_ID"); id != "" {
			c.RouteBID = id
		}

		if pwd := os.Getenv("ROUTEB_PASSWORD"); pwd != "" {
			c.RouteBPassword = pwd
		}

		if broker := os.Getenv("MQTT_BROKER"); broker != "" {
			c.MQTTBroker = broker
		}

		if id := os.Getenv("MQTT_CLIENT_ID"); id != "" {
			c.MQTTClientID = id
		}

		if topic := os.Getenv("MQTT_TOPIC"); topic != "" {
			c.MQTTTopic = topic
		}

		if user := os.Getenv("MQTT_USERNAME"); user != "" {
			c.MQTTUsername = user
			c.MQTTPassword = os.Getenv("MQTT_PASSWORD")
		}

		return nil
	}
}

// WithFlags loads configuration from command-line flags. Only flags set
// explicitly override earlier options.
func WithFlags(fSet *pflag.FlagSet) ConfigOption {
	return func(c *Config) error {
		fSet.Visit(func(f *pflag.Flag) {
			switch f.Name {
			case "bind-address":
				c.BindAddress = f.Value.String()
			case "serial-port":
				c.SerialPort = f.Value.String()
			case "baud-rate":
				if b, err := strconv.Atoi(f.Value.String()); err == nil {
					c.BaudRate = b
				}
			case "bridge-url":
				c.BridgeURL = f.Value.String()
			case "log-level":
				c.LogLevel = f.Value.String()
			case "routeb-id":
				c.RouteBID = f.Value.String()
			case "mqtt-broker":
				c.MQTTBroker = f.Value.String()
			case "mqtt-topic":
				c.MQTTTopic = f.Value.String()
			}
		})
		return nil
	}
}

// WithPasswordPrompt asks for the Route-B password on the terminal when no
// earlier option provided one. It does nothing when stdin is not a terminal.
func WithPasswordPrompt() ConfigOption {
	return func(c *Config) error {
		if c.RouteBPassword != "" {
			return nil
		}
		fd := int(os.Stdin.Fd())
		if !term.IsTerminal(fd) {
			return nil
		}

		fmt.Fprint(os.Stderr, "Route-B password: ")
		pwd, err := term.ReadPassword(fd)
		fmt.Fprintln(os.Stderr)
		if err != nil {
			return fmt.Errorf("read password: %w", err)
		}
		c.RouteBPassword = string(pwd)
		return nil
	}
}

// RequireCredentials fails unless both Route-B credentials are set
func RequireCredentials() ConfigOption {
	return func(c *Config) error {
		if c.RouteBID == "" {
			return fmt.Errorf("route-B ID is required (ROUTEB_ID or --routeb-id)")
		}
		if c.RouteBPassword == "" {
			return fmt.Errorf("route-B password is required (ROUTEB_PASSWORD or terminal prompt)")
		}
		return nil
	}
}
