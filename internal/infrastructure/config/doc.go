// Package config loads the Mi Home bridge's service settings: broker, API,
// InfluxDB export and logging.
//
// Values come from compiled defaults, then the YAML file, then GRAYLOGIC_*
// environment variables. Credentials belong in the environment; keep the
// file itself at 0600.
//
// The gateway and device list live in the file named by mihome.config_file
// and are loaded by the mihome package.
//
//	cfg, err := config.Load("configs/config.yaml")
//	if err != nil {
//	    return err
//	}
package config
