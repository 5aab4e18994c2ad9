package config

import (
	"fmt"
	"log/slog"

	"github.com/caarlos0/env/v11"
)

// Env holds process settings read from the environment.
type Env struct {
	RelayAddr string `env:"PISTONS_RELAY_ADDR" envDefault:"localhost:8080"`
	DB        string `env:"PISTONS_DB"`
	TickHz    int    `env:"PISTONS_TICK_HZ"`
	LogLevel  string `env:"PISTONS_LOG_LEVEL" envDefault:"info"`
}

// ParseEnv loads configuration from environment variables.
func ParseEnv(target any) error {
	if err := env.Parse(target); err != nil {
		return fmt.Errorf("parse env: %w", err)
	}
	return nil
}

// LoadEnv reads Env.
func LoadEnv() (Env, error) {
	var e Env
	if err := ParseEnv(&e); err != nil {
		return Env{}, err
	}
	if e.TickHz < 0 {
		return Env{}, fmt.Errorf("parse env: PISTONS_TICK_HZ must not be negative, got %d", e.TickHz)
	}
	return e, nil
}

// SlogLevel parses LogLevel ("debug", "info", "warn", "error").
func (e Env) SlogLevel() (slog.Level, error) {
	var l slog.Level
	if err := l.UnmarshalText([]byte(e.LogLevel)); err != nil {
		return slog.LevelInfo, fmt.Errorf("PISTONS_LOG_LEVEL: %w", err)
	}
	return l, nil
}
