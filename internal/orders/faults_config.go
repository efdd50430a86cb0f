package orders

import (
	"fmt"
	"os"
	"strconv"
	"strings"
)

// FaultConfig holds the fault-injection probabilities for business operations.
type FaultConfig struct {
	FailProb  float64
	StallProb float64
}

// LoadFaultConfigFromEnv reads fault probabilities from env. Both default to
// zero, which disables injection.
func LoadFaultConfigFromEnv() (FaultConfig, error) {
	cfg := FaultConfig{}
	var err error

	if cfg.FailProb, err = parseOptionalProb("FAULT_FAIL_PROB"); err != nil {
		return cfg, err
	}
	if cfg.StallProb, err = parseOptionalProb("FAULT_STALL_PROB"); err != nil {
		return cfg, err
	}
	if cfg.FailProb+cfg.StallProb > 1 {
		return cfg, fmt.Errorf("FAULT_FAIL_PROB + FAULT_STALL_PROB must not exceed 1")
	}

	return cfg, nil
}

// Injector returns the injector for the configured probabilities; zero
// probabilities yield the no-op injector.
func (c FaultConfig) Injector() FaultInjector {
	if c.FailProb <= 0 && c.StallProb <= 0 {
		return NopInjector{}
	}
	return NewRandomInjector(c.FailProb, c.StallProb)
}

func parseOptionalProb(name string) (float64, error) {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return 0, nil
	}
	val, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", name, err)
	}
	if val < 0 || val > 1 {
		return 0, fmt.Errorf("%s must be between 0 and 1", name)
	}
	return val, nil
}
