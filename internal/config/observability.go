package config

// TracingConfig configures OTLP trace export to a local collector agent.
// The agent handles authentication, buffering, and forwarding to the
// backend, so no API key ever lives in this process.
type TracingConfig struct {
	// Enabled toggles trace export. Default: false.
	Enabled bool `mapstructure:"enabled" json:"enabled"`

	// AgentHost is the OTLP HTTP endpoint of the local agent (host:port).
	AgentHost string `mapstructure:"agent_host" json:"agent_host"`

	// ServiceName tags exported spans.
	ServiceName string `mapstructure:"service_name" json:"service_name"`

	// Environment tags spans with the deployment environment.
	Environment string `mapstructure:"environment" json:"environment"`
}
