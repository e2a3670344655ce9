// Package config загружает настройки бота из переменных окружения.
package config

import (
	"errors"
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"

	"github.com/EgorLis/presencebot/internal/reconcile"
)

const EnvPrefix = "PRESENCEBOT_"

type Config struct {
	Token      string `env:"TOKEN,unset"`
	Prefix     string `env:"PREFIX"      envDefault:"$"`
	StatusText string `env:"STATUS_TEXT" envDefault:"$help"`

	// $stats и $refresh
	ExtraCommands bool `env:"EXTRA_COMMANDS" envDefault:"false"`

	RoleName   string `env:"ROLE_NAME"   envDefault:"Pic Perms"`
	RoleColor  int    `env:"ROLE_COLOR"  envDefault:"3447003"`
	Trigger    string `env:"TRIGGER"     envDefault:"/Asclade"`
	MatchState bool   `env:"MATCH_STATE" envDefault:"false"`

	PollInterval time.Duration `env:"POLL_INTERVAL" envDefault:"30s"`
	MemberDelay  time.Duration `env:"MEMBER_DELAY"  envDefault:"50ms"`
	ErrorBackoff time.Duration `env:"ERROR_BACKOFF" envDefault:"5s"`

	HTTPAddr string `env:"HTTP_ADDR" envDefault:":3000"`
}

// Load читает PRESENCEBOT_* из окружения.
func Load() (Config, error) {
	return parse(env.Options{Prefix: EnvPrefix})
}

// LoadFrom: то же самое, но из готовой map (для тестов и check-config).
func LoadFrom(environ map[string]string) (Config, error) {
	return parse(env.Options{Prefix: EnvPrefix, Environment: environ})
}

func parse(opts env.Options) (Config, error) {
	var cfg Config
	if err := env.ParseWithOptions(&cfg, opts); err != nil {
		return Config{}, fmt.Errorf("parse env: %w", err)
	}
	return cfg, nil
}

func (c Config) Validate() error {
	var errs []error
	if c.Token == "" {
		errs = append(errs, errors.New(EnvPrefix+"TOKEN is required"))
	}
	if c.Prefix == "" {
		errs = append(errs, errors.New("prefix must not be empty"))
	}
	if c.RoleName == "" {
		errs = append(errs, errors.New("role name must not be empty"))
	}
	if c.Trigger == "" {
		errs = append(errs, errors.New("trigger must not be empty"))
	}
	if c.PollInterval <= 0 {
		errs = append(errs, fmt.Errorf("poll interval must be positive, got %s", c.PollInterval))
	}
	if c.ErrorBackoff <= 0 {
		errs = append(errs, fmt.Errorf("error backoff must be positive, got %s", c.ErrorBackoff))
	}
	if c.MemberDelay < 0 {
		errs = append(errs, fmt.Errorf("member delay must not be negative, got %s", c.MemberDelay))
	}
	if c.RoleColor < 0 || c.RoleColor > 0xFFFFFF {
		errs = append(errs, fmt.Errorf("role color out of range: %d", c.RoleColor))
	}
	return errors.Join(errs...)
}

func (c Config) Reconcile() reconcile.Options {
	return reconcile.Options{
		RoleName:     c.RoleName,
		RoleColor:    c.RoleColor,
		Trigger:      c.Trigger,
		MatchState:   c.MatchState,
		Interval:     c.PollInterval,
		MemberDelay:  c.MemberDelay,
		ErrorBackoff: c.ErrorBackoff,
	}
}

// Redacted: копия без секрета, для логов.
func (c Config) Redacted() Config {
	if c.Token != "" {
		c.Token = "***"
	}
	return c
}
