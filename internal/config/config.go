package config

import (
	"encoding/base64"
	"fmt"
)

// ClientConfig wires the realtime core at the application's
// composition root.
type ClientConfig struct {
	BackendURL string
	GatewayURL string
	StateDir   string
}

func NewClientConfig(backendURL, gatewayURL, stateDir string) (*ClientConfig, error) {
	if backendURL == "" {
		return nil, fmt.Errorf("backend URL cannot be empty")
	}
	if gatewayURL == "" {
		return nil, fmt.Errorf("gateway URL cannot be empty")
	}
	if stateDir == "" {
		return nil, fmt.Errorf("state dir cannot be empty")
	}

	return &ClientConfig{
		BackendURL: backendURL,
		GatewayURL: gatewayURL,
		StateDir:   stateDir,
	}, nil
}

// GatewayConfig configures the development fan-out gateway.
type GatewayConfig struct {
	ServerAddr     string
	SigningKey     []byte
	AllowedOrigins []string
}

func decodeSigningSecret(base64Secret string) ([]byte, error) {
	if base64Secret == "" {
		return nil, fmt.Errorf("signing secret cannot be empty")
	}
	return base64.StdEncoding.DecodeString(base64Secret)
}

func NewGatewayConfig(serverAddr, base64Secret string, allowedOrigins []string) (*GatewayConfig, error) {
	if serverAddr == "" {
		return nil, fmt.Errorf("server address cannot be empty")
	}

	signingKey, err := decodeSigningSecret(base64Secret)
	if err != nil {
		return nil, fmt.Errorf("decode signing secret: %w", err)
	}

	return &GatewayConfig{
		ServerAddr:     serverAddr,
		SigningKey:     signingKey,
		AllowedOrigins: allowedOrigins,
	}, nil
}
