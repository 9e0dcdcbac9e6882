package config

// Package config provides a reusable loader for reticulumd configuration
// files and environment variables. It is versioned so that applications can
// depend on a stable API contract.
//
// Version: v0.2.0

import (
	"fmt"

	"github.com/spf13/viper"

	"reticulumd/pkg/utils"
)

// Version is the semantic version of this configuration package.
const Version = "v0.2.0"

// Config represents the unified configuration for a reticulumd node. It
// mirrors the section layout recognized by the daemon (§6 "Configuration
// options").
type Config struct {
	Transport struct {
		Name                      string `mapstructure:"name" json:"name"`
		IdentityPath              string `mapstructure:"identity_path" json:"identity_path"`
		Broadcast                 bool   `mapstructure:"broadcast" json:"broadcast"`
		Retransmit                bool   `mapstructure:"retransmit" json:"retransmit"`
		AnnounceCacheCapacity     int    `mapstructure:"announce_cache_capacity" json:"announce_cache_capacity"`
		AnnounceRetryLimit        int    `mapstructure:"announce_retry_limit" json:"announce_retry_limit"`
		AnnounceQueueLen          int    `mapstructure:"announce_queue_len" json:"announce_queue_len"`
		AnnounceCap               int    `mapstructure:"announce_cap" json:"announce_cap"`
		PathRequestTimeoutSecs    int    `mapstructure:"path_request_timeout_secs" json:"path_request_timeout_secs"`
		LinkProofTimeoutSecs      int    `mapstructure:"link_proof_timeout_secs" json:"link_proof_timeout_secs"`
		LinkIdleTimeoutSecs       int    `mapstructure:"link_idle_timeout_secs" json:"link_idle_timeout_secs"`
		ResourceRetryIntervalSecs int    `mapstructure:"resource_retry_interval_secs" json:"resource_retry_interval_secs"`
		ResourceRetryLimit        int    `mapstructure:"resource_retry_limit" json:"resource_retry_limit"`
		RatchetStorePath          string `mapstructure:"ratchet_store_path" json:"ratchet_store_path"`
	} `mapstructure:"transport" json:"transport"`

	StoreForward struct {
		MaxMessages      int    `mapstructure:"max_messages" json:"max_messages"`
		MaxMessageAgeMS  int64  `mapstructure:"max_message_age_ms" json:"max_message_age_ms"`
		CapacityPolicy   string `mapstructure:"capacity_policy" json:"capacity_policy"`
		EvictionPriority string `mapstructure:"eviction_priority" json:"eviction_priority"`
	} `mapstructure:"store_forward" json:"store_forward"`

	EventStream struct {
		MaxPollEvents   int `mapstructure:"max_poll_events" json:"max_poll_events"`
		MaxEventBytes   int `mapstructure:"max_event_bytes" json:"max_event_bytes"`
		MaxBatchBytes   int `mapstructure:"max_batch_bytes" json:"max_batch_bytes"`
		MaxExtensionKeys int `mapstructure:"max_extension_keys" json:"max_extension_keys"`
	} `mapstructure:"event_stream" json:"event_stream"`

	Redaction struct {
		Enabled           bool   `mapstructure:"enabled" json:"enabled"`
		SensitiveTransform string `mapstructure:"sensitive_transform" json:"sensitive_transform"`
		BreakGlassAllowed bool   `mapstructure:"break_glass_allowed" json:"break_glass_allowed"`
		BreakGlassTTLMS   int64  `mapstructure:"break_glass_ttl_ms" json:"break_glass_ttl_ms"`
	} `mapstructure:"redaction" json:"redaction"`

	EventSink struct {
		Enabled       bool     `mapstructure:"enabled" json:"enabled"`
		MaxEventBytes int      `mapstructure:"max_event_bytes" json:"max_event_bytes"`
		AllowKinds    []string `mapstructure:"allow_kinds" json:"allow_kinds"`
	} `mapstructure:"event_sink" json:"event_sink"`

	Interfaces struct {
		TCP struct {
			Enabled    bool     `mapstructure:"enabled" json:"enabled"`
			ListenAddr string   `mapstructure:"listen_addr" json:"listen_addr"`
			Seeds      []string `mapstructure:"seeds" json:"seeds"`
		} `mapstructure:"tcp" json:"tcp"`
		UDP struct {
			Enabled    bool     `mapstructure:"enabled" json:"enabled"`
			ListenAddr string   `mapstructure:"listen_addr" json:"listen_addr"`
			Peers      []string `mapstructure:"peers" json:"peers"`
		} `mapstructure:"udp" json:"udp"`
		Libp2p struct {
			Enabled      bool     `mapstructure:"enabled" json:"enabled"`
			ListenAddr   string   `mapstructure:"listen_addr" json:"listen_addr"`
			DiscoveryTag string   `mapstructure:"discovery_tag" json:"discovery_tag"`
			Seeds        []string `mapstructure:"seeds" json:"seeds"`
		} `mapstructure:"libp2p" json:"libp2p"`
	} `mapstructure:"interfaces" json:"interfaces"`

	RPC struct {
		ListenAddr string `mapstructure:"listen_addr" json:"listen_addr"`
		TLSCert    string `mapstructure:"tls_cert" json:"tls_cert"`
		TLSKey     string `mapstructure:"tls_key" json:"tls_key"`
		MTLSCA     string `mapstructure:"mtls_ca" json:"mtls_ca"`
		RequireMTLS bool  `mapstructure:"require_mtls" json:"require_mtls"`
	} `mapstructure:"rpc" json:"rpc"`

	Logging struct {
		Level string `mapstructure:"level" json:"level"`
		File  string `mapstructure:"file" json:"file"`
	} `mapstructure:"logging" json:"logging"`
}

// AppConfig holds the configuration loaded via Load or LoadFromEnv.
var AppConfig Config

// Load reads configuration files and merges any environment specific
// overrides. The resulting configuration is stored in AppConfig and
// returned.
//
// The function uses the provided environment name to merge additional
// config files. If env is empty, only the default configuration is loaded.
func Load(env string) (*Config, error) {
	viper.SetConfigName("default")
	viper.AddConfigPath("cmd/reticulumd/config")
	viper.AddConfigPath("config")
	viper.SetConfigType("yaml")
	if err := viper.ReadInConfig(); err != nil {
		return nil, utils.Wrap(err, "load config")
	}

	if env != "" {
		viper.SetConfigName(env)
		if err := viper.MergeInConfig(); err != nil {
			return nil, utils.Wrap(err, fmt.Sprintf("merge %s config", env))
		}
	}

	viper.AutomaticEnv() // picks up overrides from process environment variables

	if err := viper.Unmarshal(&AppConfig); err != nil {
		return nil, utils.Wrap(err, "unmarshal config")
	}
	return &AppConfig, nil
}

// LoadFromEnv loads configuration using the RETICULUMD_ENV environment
// variable.
func LoadFromEnv() (*Config, error) {
	return Load(utils.EnvOrDefault("RETICULUMD_ENV", ""))
}
