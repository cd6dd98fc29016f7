// Package config defines the Configuration document of spec.md §6 that the
// CLI/configuration loader (an external collaborator per spec.md §1) hands
// to the core at startup, plus a github.com/spf13/viper-based loader for
// the demo binary, grounded on taoyao-code-iot-zinx's use of the same
// library for its own device configuration.
package config

import (
	"fmt"
	"time"

	"github.com/spf13/viper"

	"chargepoint/internal/connectivity"
	"chargepoint/internal/ocppj"
	"chargepoint/internal/ocpptype"
)

// NetworkConnectionProfile mirrors spec.md §6's configuration document shape.
type NetworkConnectionProfile struct {
	ConfigurationSlot int    `mapstructure:"configurationSlot"`
	PriorityIndex     int    `mapstructure:"priorityIndex"`
	OCPPVersion       string `mapstructure:"ocppVersion"`
	Host              string `mapstructure:"host"`
	Port              int    `mapstructure:"port"`
	Path              string `mapstructure:"path"`
	SecurityProfile   int    `mapstructure:"securityProfile"`
	BasicAuthUser     string `mapstructure:"basicAuthUser"`
	BasicAuthPass     string `mapstructure:"basicAuthPass"`
}

// Configuration is the document spec.md §6 names at minimum:
// Internal.ChargePointId, NetworkConnectionProfile list, HeartbeatInterval,
// AlignedDataInterval, SampledDataInterval, MessageTimeout, RetryBackOff*,
// WebSocketPingInterval, AuthCacheLifeTime.
type Configuration struct {
	Internal struct {
		ChargePointID string `mapstructure:"chargePointId"`
		DBPath        string `mapstructure:"dbPath"`
	} `mapstructure:"internal"`

	NetworkConnectionProfiles []NetworkConnectionProfile `mapstructure:"networkConnectionProfiles"`

	HeartbeatIntervalS          int     `mapstructure:"heartbeatInterval"`
	AlignedDataIntervalS        int     `mapstructure:"alignedDataInterval"`
	SampledDataIntervalS        int     `mapstructure:"sampledDataInterval"`
	MessageTimeoutS             int     `mapstructure:"messageTimeout"`
	MaxMessageAttempts           int     `mapstructure:"maxMessageAttempts"`
	RetryBackOffInitialS         float64 `mapstructure:"retryBackOffInitial"`
	RetryBackOffMaxS             float64 `mapstructure:"retryBackOffMax"`
	RetryBackOffMaxAttempts      int     `mapstructure:"retryBackOffMaxAttempts"`
	RetryBackOffInterCycleDelayS float64 `mapstructure:"retryBackOffInterCycleDelay"`
	WebSocketPingIntervalS       float64 `mapstructure:"webSocketPingInterval"`
	WebSocketPongTimeoutS        float64 `mapstructure:"webSocketPongTimeout"`
	AuthCacheLifeTimeS           int     `mapstructure:"authCacheLifeTime"`

	NumConnectorsPerEVSE         map[string]int `mapstructure:"numConnectorsPerEvse"`
	ChargingProfileMaxStackLevel int            `mapstructure:"chargingProfileMaxStackLevel"`

	ControlPort int `mapstructure:"controlPort"`
}

// ErrMissingProfile is fatal at startup per spec.md §7 ("Configuration:
// missing required profile").
var ErrMissingProfile = fmt.Errorf("config: at least one networkConnectionProfile is required")

// Validate enforces spec.md §7's "fatal at startup" configuration errors.
func (c *Configuration) Validate() error {
	if c.Internal.ChargePointID == "" {
		return fmt.Errorf("config: internal.chargePointId is required")
	}
	if len(c.NetworkConnectionProfiles) == 0 {
		return ErrMissingProfile
	}
	return nil
}

// Load reads a JSON configuration document from path using viper, applying
// the defaults spec.md §6 implies when a field is absent.
func Load(path string) (*Configuration, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("json")
	setDefaults(v)
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	var cfg Configuration
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("config: decode: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("heartbeatInterval", 30)
	v.SetDefault("alignedDataInterval", 900)
	v.SetDefault("sampledDataInterval", 60)
	v.SetDefault("messageTimeout", 30)
	v.SetDefault("maxMessageAttempts", 3)
	v.SetDefault("retryBackOffInitial", 1)
	v.SetDefault("retryBackOffMax", 60)
	v.SetDefault("retryBackOffMaxAttempts", 5)
	v.SetDefault("webSocketPingInterval", 60)
	v.SetDefault("webSocketPongTimeout", 10)
	v.SetDefault("authCacheLifeTime", 86400)
	v.SetDefault("chargingProfileMaxStackLevel", 8)
	v.SetDefault("internal.dbPath", "db")
}

// ConnectivityProfiles converts the configuration document's network
// profiles into internal/connectivity's Profile shape.
func (c *Configuration) ConnectivityProfiles() []connectivity.Profile {
	out := make([]connectivity.Profile, 0, len(c.NetworkConnectionProfiles))
	for _, p := range c.NetworkConnectionProfiles {
		out = append(out, connectivity.Profile{
			ConfigurationSlot: p.ConfigurationSlot,
			PriorityIndex:     p.PriorityIndex,
			OCPPVersion:       p.OCPPVersion,
			Host:              p.Host,
			Port:              p.Port,
			Path:              p.Path,
			SecurityProfile:   ocpptype.SecurityProfile(p.SecurityProfile),
			BasicAuthUser:     p.BasicAuthUser,
			BasicAuthPass:     p.BasicAuthPass,
		})
	}
	return out
}

// ConnectivityOptions converts the retry/backoff fields into
// internal/connectivity's Options shape.
func (c *Configuration) ConnectivityOptions() connectivity.Options {
	return connectivity.Options{
		InitialRetryS:           c.RetryBackOffInitialS,
		MaxRetryS:               c.RetryBackOffMaxS,
		RetryBackoffMaxAttempts: c.RetryBackOffMaxAttempts,
		InterCycleDelayS:        c.RetryBackOffInterCycleDelayS,
		PingIntervalS:           c.WebSocketPingIntervalS,
		PongTimeoutS:            c.WebSocketPongTimeoutS,
	}
}

// QueueOptions converts the timeout/retry fields into internal/ocppj's
// Options shape.
func (c *Configuration) QueueOptions() ocppj.Options {
	return ocppj.Options{
		MessageTimeout: time.Duration(c.MessageTimeoutS) * time.Second,
		MaxAttempts:    c.MaxMessageAttempts,
	}
}

// EVSEConnectorCounts converts the string-keyed NumConnectorsPerEVSE map viper decodes JSON
// object keys into into an evseID-keyed map.
func (c *Configuration) EVSEConnectorCounts() map[int]int {
	out := make(map[int]int, len(c.NumConnectorsPerEVSE))
	for k, v := range c.NumConnectorsPerEVSE {
		var evseID int
		fmt.Sscanf(k, "%d", &evseID)
		out[evseID] = v
	}
	return out
}
