// Package config loads and validates the cast bridge configuration.
//
// Values come from three layers, later layers winning:
//   - built-in defaults
//   - the YAML file (configs/config.yaml unless GRAYLOGIC_CAST_CONFIG is set)
//   - GRAYLOGIC_CAST_* environment variables
//
// Broker credentials belong in the environment, not the file.
//
// Usage:
//
//	cfg, err := config.Load("configs/config.yaml")
//	if err != nil {
//	    return err
//	}
//	timeout := cfg.GetPairingTimeout()
package config
