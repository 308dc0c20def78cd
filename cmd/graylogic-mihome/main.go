// Gray Logic Mi Home Bridge
//
// This is the entry point for the Mi Home gateway bridge. It connects a
// Xiaomi Mi Home gateway (UDP multicast) to the Gray Logic MQTT bus:
//   - Gateway reports become channel state, events and device status
//   - MQTT commands become encrypted gateway write instructions
//   - Numeric readings are optionally exported to InfluxDB
//   - A read-only HTTP API exposes device sessions
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"golang.org/x/sync/errgroup"

	"github.com/nerrad567/gray-logic-mihome/internal/api"
	"github.com/nerrad567/gray-logic-mihome/internal/bridges/mihome"
	"github.com/nerrad567/gray-logic-mihome/internal/infrastructure/config"
	"github.com/nerrad567/gray-logic-mihome/internal/infrastructure/influxdb"
	"github.com/nerrad567/gray-logic-mihome/internal/infrastructure/logging"
	"github.com/nerrad567/gray-logic-mihome/internal/infrastructure/mqtt"
)

// Version information - set at build time via ldflags
// Example: go build -ldflags "-X main.version=1.0.0 -X main.commit=abc123"
var (
	version = "dev"
	commit  = "unknown"
	date    = "unknown"
)

// Default configuration file path
const defaultConfigPath = "configs/config.yaml"

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// run is the application logic, separated from main for testability.
func run(ctx context.Context) error {
	log := logging.Default()
	log.Info("starting Gray Logic Mi Home bridge",
		"version", version,
		"commit", commit,
		"build_date", date,
	)

	configPath := getConfigPath()
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	log.Info("configuration loaded", "path", configPath)

	log = logging.New(cfg.Logging, version)
	log.Info("logger initialised",
		"level", cfg.Logging.Level,
		"format", cfg.Logging.Format,
	)

	bridgeCfg, err := mihome.LoadConfig(cfg.Mihome.ConfigFile)
	if err != nil {
		return fmt.Errorf("loading Mi Home bridge config: %w", err)
	}
	log.Info("Mi Home bridge config loaded",
		"path", cfg.Mihome.ConfigFile,
		"gateway", bridgeCfg.Gateway,
		"devices", len(bridgeCfg.Devices),
	)

	// The broker publishes the bridge's offline health message if we crash.
	will, err := healthWill(bridgeCfg.Bridge.ID)
	if err != nil {
		return err
	}
	mqttClient, err := mqtt.Connect(cfg.MQTT, mqtt.WithWill(will), mqtt.WithLogger(log))
	if err != nil {
		return fmt.Errorf("connecting to MQTT: %w", err)
	}
	defer func() {
		log.Info("disconnecting from MQTT")
		if closeErr := mqttClient.Close(); closeErr != nil {
			log.Error("error closing MQTT", "error", closeErr)
		}
	}()
	log.Info("MQTT connected",
		"broker", fmt.Sprintf("%s:%d", cfg.MQTT.Broker.Host, cfg.MQTT.Broker.Port),
		"client_id", cfg.MQTT.Broker.ClientID,
	)
	mqttClient.SetOnConnect(func() {
		log.Info("MQTT reconnected")
	})
	mqttClient.SetOnDisconnect(func(err error) {
		log.Warn("MQTT disconnected", "error", err)
	})

	var influxClient *influxdb.Client
	if cfg.InfluxDB.Enabled {
		influxClient, err = influxdb.Connect(cfg.InfluxDB)
		if err != nil {
			return fmt.Errorf("connecting to InfluxDB: %w", err)
		}
		defer func() {
			log.Info("closing InfluxDB connection")
			if closeErr := influxClient.Close(); closeErr != nil {
				log.Error("error closing InfluxDB", "error", closeErr)
			}
		}()
		log.Info("InfluxDB connected",
			"url", cfg.InfluxDB.URL,
			"org", cfg.InfluxDB.Org,
			"bucket", cfg.InfluxDB.Bucket,
		)
		influxClient.SetOnError(func(err error) {
			log.Error("InfluxDB write error", "error", err)
		})
	} else {
		log.Info("InfluxDB disabled")
	}

	if err := healthCheck(ctx, mqttClient, influxClient); err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}

	bridge, err := newBridge(bridgeCfg, mqttClient, influxClient, log)
	if err != nil {
		return err
	}

	var apiServer *api.Server
	if cfg.API.Enabled {
		apiServer, err = api.New(api.Deps{
			Config:  cfg.API,
			Logger:  log,
			Devices: bridge,
			Version: version,
		})
		if err != nil {
			return fmt.Errorf("creating API server: %w", err)
		}
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		if err := bridge.Start(gctx); err != nil {
			bridge.Stop()
			return fmt.Errorf("starting Mi Home bridge: %w", err)
		}
		log.Info("Mi Home bridge started")
		<-gctx.Done()
		log.Info("stopping Mi Home bridge")
		bridge.Stop()
		return nil
	})

	if apiServer != nil {
		g.Go(func() error {
			if err := apiServer.Start(gctx); err != nil {
				return fmt.Errorf("starting API server: %w", err)
			}
			<-gctx.Done()
			return apiServer.Close()
		})
	}

	log.Info("initialisation complete, waiting for shutdown signal")
	if err := g.Wait(); err != nil {
		return err
	}

	log.Info("Gray Logic Mi Home bridge stopped")
	return nil
}

// getConfigPath returns the configuration file path.
// Uses GRAYLOGIC_CONFIG environment variable if set, otherwise default.
func getConfigPath() string {
	if path := os.Getenv("GRAYLOGIC_CONFIG"); path != "" {
		return path
	}
	return defaultConfigPath
}

// healthWill builds the MQTT Last Will carrying the bridge's offline
// health message.
func healthWill(bridgeID string) (mqtt.Will, error) {
	payload, err := json.Marshal(mihome.NewLWTMessage(bridgeID))
	if err != nil {
		return mqtt.Will{}, fmt.Errorf("building LWT payload: %w", err)
	}
	return mqtt.Will{
		Topic:    mihome.HealthTopic(),
		Payload:  payload,
		QoS:      1,
		Retained: true,
	}, nil
}

// healthCheck verifies all infrastructure connections are healthy.
// influxClient may be nil if disabled.
func healthCheck(ctx context.Context, mqttClient *mqtt.Client, influxClient *influxdb.Client) error {
	if err := mqttClient.HealthCheck(ctx); err != nil {
		return fmt.Errorf("mqtt: %w", err)
	}
	if influxClient != nil {
		if err := influxClient.HealthCheck(ctx); err != nil {
			return fmt.Errorf("influxdb: %w", err)
		}
	}
	return nil
}

// newBridge wires the UDP transport, gateway session and bridge together.
func newBridge(cfg *mihome.Config, mqttClient *mqtt.Client, influxClient *influxdb.Client, log *logging.Logger) (*mihome.Bridge, error) {
	// The transport hands datagrams to the gateway, and the gateway sends
	// writes through the transport, so the gateway is bound after both exist.
	var gateway *mihome.GatewaySession
	transport, err := mihome.NewTransport(mihome.TransportConfig{
		MulticastAddr: cfg.Gateway.MulticastAddr,
		Interface:     cfg.Gateway.Interface,
		GatewayAddr:   cfg.Gateway.Addr(),
		Handler: func(data []byte) {
			gateway.HandleDatagram(data)
		},
		LoggerFactory: logging.PionFactory{Logger: log},
	})
	if err != nil {
		return nil, fmt.Errorf("opening gateway transport: %w", err)
	}

	gateway = mihome.NewGatewaySession(mihome.GatewayOptions{
		SID:    cfg.Gateway.SID,
		Key:    cfg.Gateway.Key,
		Sender: transport,
		Logger: log,
	})

	opts := mihome.BridgeOptions{
		Config:     cfg,
		MQTTClient: &mqttBridgeAdapter{client: mqttClient},
		Gateway:    gateway,
		Link:       transport,
		Version:    version,
		Logger:     log,
	}
	if influxClient != nil {
		opts.Telemetry = influxClient
	}

	bridge, err := mihome.NewBridge(opts)
	if err != nil {
		_ = transport.Stop()
		return nil, fmt.Errorf("creating Mi Home bridge: %w", err)
	}
	return bridge, nil
}

// mqttBridgeAdapter adapts the infrastructure MQTT client to the bridge's
// MQTTClient interface. The bridge's handlers do not return errors.
type mqttBridgeAdapter struct {
	client *mqtt.Client
}

// Publish implements mihome.MQTTClient.
func (a *mqttBridgeAdapter) Publish(topic string, payload []byte, qos byte, retained bool) error {
	return a.client.Publish(topic, payload, qos, retained)
}

// Subscribe implements mihome.MQTTClient.
func (a *mqttBridgeAdapter) Subscribe(topic string, qos byte, handler func(topic string, payload []byte)) error {
	return a.client.Subscribe(topic, qos, func(t string, p []byte) error {
		handler(t, p)
		return nil
	})
}

// IsConnected implements mihome.MQTTClient.
func (a *mqttBridgeAdapter) IsConnected() bool {
	return a.client.IsConnected()
}
