// Package config reads the process environment. Arena rules live in the yaml
// files under configs/; only deployment switches come from the environment.
package config

import (
	"fmt"
	"strings"

	"github.com/caarlos0/env/v11"
)

type Env struct {
	DeployEnv string `env:"DEPLOY_ENV" envDefault:"dev"`

	// EnableAdminHTTP defaults from DeployEnv when unset.
	EnableAdminHTTP *bool `env:"TW_ENABLE_ADMIN_HTTP"`
	EnablePprofHTTP bool  `env:"TW_ENABLE_PPROF_HTTP" envDefault:"false"`

	// Authority is false for a replica that forwards requests to AuthorityURL.
	Authority    bool   `env:"TW_AUTHORITY" envDefault:"true"`
	AuthorityURL string `env:"TW_AUTHORITY_URL"`

	KafkaBrokers []string `env:"TW_KAFKA_BROKERS" envSeparator:","`
	KafkaTopic   string   `env:"TW_KAFKA_TOPIC" envDefault:"towerwars.capture"`
}

// ParseEnv loads Env from the process environment.
func ParseEnv() (Env, error) {
	var e Env
	if err := env.Parse(&e); err != nil {
		return Env{}, fmt.Errorf("parse env: %w", err)
	}
	return e, e.validate()
}

// ParseEnvFrom is ParseEnv over an explicit variable set.
func ParseEnvFrom(vars map[string]string) (Env, error) {
	var e Env
	if err := env.ParseWithOptions(&e, env.Options{Environment: vars}); err != nil {
		return Env{}, fmt.Errorf("parse env: %w", err)
	}
	return e, e.validate()
}

func (e Env) validate() error {
	if !e.Authority && strings.TrimSpace(e.AuthorityURL) == "" {
		return fmt.Errorf("TW_AUTHORITY=false requires TW_AUTHORITY_URL")
	}
	return nil
}

func (e Env) Production() bool {
	switch strings.ToLower(strings.TrimSpace(e.DeployEnv)) {
	case "staging", "production":
		return true
	}
	return false
}

func (e Env) AdminHTTP() bool {
	if e.EnableAdminHTTP != nil {
		return *e.EnableAdminHTTP
	}
	return !e.Production()
}

func (e Env) KafkaEnabled() bool { return len(e.KafkaBrokers) > 0 }
