package main

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func validConfig() *Config {
	return &Config{
		aiProbability:  0.5,
		bind:           "127.0.0.1",
		corsOrigin:     "*",
		maxMessageSize: 4096,
		oracleTimeout:  time.Second,
		oracleURL:      "http://localhost:4004",
		port:           8080,
		roomDuration:   time.Minute,
		services:       []string{serviceMatchmaking, serviceChat, serviceVoting},
		ticketTimeout:  time.Second,
	}
}

func TestValidate(t *testing.T) {
	cases := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"valid", func(*Config) {}, ""},
		{"cert without key", func(c *Config) { c.tlsCert = "cert.pem" }, "--tls-key"},
		{"port too low", func(c *Config) { c.port = 0 }, "invalid port"},
		{"port too high", func(c *Config) { c.port = 70000 }, "invalid port"},
		{"probability above one", func(c *Config) { c.aiProbability = 1.5 }, "--ai-probability"},
		{"negative probability", func(c *Config) { c.aiProbability = -0.1 }, "--ai-probability"},
		{"zero room duration", func(c *Config) { c.roomDuration = 0 }, "--room-duration"},
		{"zero oracle timeout", func(c *Config) { c.oracleTimeout = 0 }, "--oracle-timeout"},
		{"zero ticket timeout", func(c *Config) { c.ticketTimeout = 0 }, "--ticket-timeout"},
		{"zero message size", func(c *Config) { c.maxMessageSize = 0 }, "--max-message-size"},
		{"relative public url", func(c *Config) { c.publicURL = "/play" }, "--public-url"},
		{"non-http public url", func(c *Config) { c.publicURL = "ftp://imitation.example" }, "--public-url"},
		{"public url", func(c *Config) { c.publicURL = "https://imitation.example/play" }, ""},
		{"no services", func(c *Config) { c.services = nil }, "at least one service"},
		{"unknown service", func(c *Config) { c.services = []string{"lobby"} }, "unknown service"},
		{"matchmaking without chat", func(c *Config) { c.services = []string{serviceMatchmaking, serviceVoting} }, "--chat-url"},
		{"matchmaking without voting", func(c *Config) { c.services = []string{serviceMatchmaking, serviceChat} }, "--voting-url"},
		{"chat without voting", func(c *Config) { c.services = []string{serviceChat} }, "--voting-url"},
		{"chat without oracle", func(c *Config) { c.oracleURL = "" }, "--oracle-url"},
		{"remote siblings", func(c *Config) {
			c.services = []string{serviceMatchmaking}
			c.chatURL = "http://chat:8080"
			c.votingURL = "http://voting:8080"
		}, ""},
		{"voting alone", func(c *Config) { c.services = []string{serviceVoting} }, ""},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := validConfig()
			tc.mutate(cfg)

			err := cfg.validate()
			if tc.wantErr == "" {
				require.NoError(t, err)
				return
			}
			require.ErrorContains(t, err, tc.wantErr)
		})
	}
}

func TestValidateNormalisesServices(t *testing.T) {
	cfg := validConfig()
	cfg.services = []string{" Voting "}

	require.NoError(t, cfg.validate())
	require.Equal(t, []string{serviceVoting}, cfg.services)
	require.True(t, cfg.enabled(serviceVoting))
	require.False(t, cfg.enabled(serviceChat))
}

func TestScheme(t *testing.T) {
	cfg := validConfig()
	require.Equal(t, "http", cfg.scheme())

	cfg.tlsCert, cfg.tlsKey = "cert.pem", "key.pem"
	require.Equal(t, "https", cfg.scheme())
}

func TestFlagDefaults(t *testing.T) {
	cfg := &Config{}
	newCmd(cfg)

	require.Equal(t, 8080, cfg.port)
	require.Equal(t, 0.5, cfg.aiProbability)
	require.Equal(t, 5*time.Minute, cfg.roomDuration)
	require.Equal(t, 30*time.Second, cfg.oracleTimeout)
	require.Equal(t, 30*time.Second, cfg.ticketTimeout)
	require.Equal(t, int64(4096), cfg.maxMessageSize)
	require.Equal(t, "http://localhost:4004", cfg.oracleURL)
	require.Equal(t, knownServices, cfg.services)
	require.NoError(t, cfg.validate())
}

func TestFlagsFromEnvironment(t *testing.T) {
	t.Setenv("IMITATION_PORT", "9090")
	t.Setenv("IMITATION_ROOM_DURATION", "90s")
	t.Setenv("IMITATION_AI_PROBABILITY", "0.25")
	t.Setenv("IMITATION_SERVICES", "chat,voting")

	cfg := &Config{}
	newCmd(cfg)

	require.Equal(t, 9090, cfg.port)
	require.Equal(t, 90*time.Second, cfg.roomDuration)
	require.Equal(t, 0.25, cfg.aiProbability)
	require.Equal(t, []string{serviceChat, serviceVoting}, cfg.services)
}
