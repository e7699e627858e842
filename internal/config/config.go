// Package config loads runtime configuration from the environment. Flags on
// the command line override whatever the environment provides.
package config

import (
	"fmt"

	"github.com/kelseyhightower/envconfig"
)

const envPrefix = "LINKUP"

// Relay configures the signaling relay server.
type Relay struct {
	Addr string `envconfig:"RELAY_ADDR" default:":3000"`
}

// Client configures a peer client.
type Client struct {
	RelayURL   string `envconfig:"RELAY_URL" default:"ws://127.0.0.1:3000/ws"`
	Username   string `envconfig:"USERNAME" default:"anonymous"`
	ProfilePic string `envconfig:"PROFILE_PIC"`
}

func LoadRelay() (Relay, error) {
	var cfg Relay
	if err := envconfig.Process(envPrefix, &cfg); err != nil {
		return cfg, fmt.Errorf("relay config: %w", err)
	}
	return cfg, nil
}

func LoadClient() (Client, error) {
	var cfg Client
	if err := envconfig.Process(envPrefix, &cfg); err != nil {
		return cfg, fmt.Errorf("client config: %w", err)
	}
	return cfg, nil
}
