package config

import (
	"os"
	"strings"
	"sync"

	"github.com/consultlaw/consultpay-gobackend/internal/models"
	"github.com/consultlaw/consultpay-gobackend/internal/stripe"
)

// Credentials is the resolved processor credential set. It is handed to
// the composition root once and never persisted.
type Credentials struct {
	Mode        string // "live" or "test"
	SecretKey   string
	Environment string // deployment environment label, for logging/metadata
}

var (
	clientOnce  sync.Once
	client      *stripe.Client
	clientCreds *Credentials
	clientErr   error
)

// ProcessorClient builds the process-wide Stripe client exactly once and
// returns the same instance afterwards, whatever key later callers pass.
// The composition root is expected to call it a single time at startup
// and inject the result.
func ProcessorClient(explicitKey string) (*stripe.Client, *Credentials, error) {
	clientOnce.Do(func() {
		clientCreds, clientErr = ResolveCredentials(explicitKey)
		if clientErr != nil {
			return
		}
		client = stripe.NewClient(clientCreds.SecretKey)
	})
	return client, clientCreds, clientErr
}

// ResolveCredentials picks the processor secret, first match wins:
// an explicit key from the caller, then the mode-selected env key, then
// the deprecated single legacy key. The mode label is taken from the
// key's own prefix when it has one; the configured label only decides
// which env key to read.
func ResolveCredentials(explicitKey string) (*Credentials, error) {
	env := deploymentEnv()
	mode := configuredMode(env)

	if explicitKey != "" {
		return &Credentials{Mode: inferMode(explicitKey, mode), SecretKey: explicitKey, Environment: env}, nil
	}

	var key string
	if mode == models.ModeLive {
		key = os.Getenv("STRIPE_SECRET_KEY_LIVE")
	} else {
		key = os.Getenv("STRIPE_SECRET_KEY_TEST")
	}
	if key != "" {
		return &Credentials{Mode: inferMode(key, mode), SecretKey: key, Environment: env}, nil
	}

	if legacy := os.Getenv("STRIPE_SECRET_KEY"); legacy != "" {
		return &Credentials{Mode: inferMode(legacy, mode), SecretKey: legacy, Environment: env}, nil
	}

	return nil, models.ConfigurationError(
		"no stripe secret key configured (checked explicit key, STRIPE_SECRET_KEY_%s, STRIPE_SECRET_KEY)",
		strings.ToUpper(mode))
}

// GuardFailOpen reports the duplicate-guard policy on store errors.
// Defaults to fail-open: a store outage must not block legitimate
// payment attempts. Flipping this changes business behavior.
func GuardFailOpen() bool {
	return os.Getenv("PAYMENT_GUARD_FAIL_OPEN") != "false"
}

func deploymentEnv() string {
	if env := os.Getenv("APP_ENV"); env != "" {
		return env
	}
	return "development"
}

func configuredMode(env string) string {
	switch os.Getenv("STRIPE_MODE") {
	case models.ModeLive:
		return models.ModeLive
	case models.ModeTest:
		return models.ModeTest
	}
	if env == "production" {
		return models.ModeLive
	}
	return models.ModeTest
}

func inferMode(key, fallback string) string {
	if strings.HasPrefix(key, "sk_live_") {
		return models.ModeLive
	}
	if strings.HasPrefix(key, "sk_test_") {
		return models.ModeTest
	}
	return fallback
}
