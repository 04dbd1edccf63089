/*
Copyright © 2026 Seednode <seednode@seedno.de>
*/

package main

import (
	"errors"
	"fmt"
	"net/url"
	"slices"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

const (
	serviceMatchmaking = "matchmaking"
	serviceChat        = "chat"
	serviceVoting      = "voting"
)

var knownServices = []string{serviceMatchmaking, serviceChat, serviceVoting}

type Config struct {
	aiProbability  float64
	bind           string
	chatURL        string
	corsOrigin     string
	maxMessageSize int64
	oracleTimeout  time.Duration
	oracleURL      string
	port           int
	prefix         string
	profile        bool
	publicURL      string
	roomDuration   time.Duration
	services       []string
	ticketTimeout  time.Duration
	tlsCert        string
	tlsKey         string
	verbose        bool
	version        bool
	votingURL      string
}

func (c *Config) validate() error {
	if (c.tlsCert == "") != (c.tlsKey == "") {
		return errors.New("both --tls-cert and --tls-key must be provided together")
	}
	if c.port < 1 || c.port > 65535 {
		return fmt.Errorf("invalid port (must be between 1-65535 inclusive): %d", c.port)
	}
	if c.aiProbability < 0 || c.aiProbability > 1 {
		return fmt.Errorf("invalid --ai-probability (must be between 0 and 1 inclusive): %v", c.aiProbability)
	}
	if c.roomDuration <= 0 {
		return fmt.Errorf("invalid --room-duration (must be positive): %s", c.roomDuration)
	}
	if c.oracleTimeout <= 0 {
		return fmt.Errorf("invalid --oracle-timeout (must be positive): %s", c.oracleTimeout)
	}
	if c.ticketTimeout <= 0 {
		return fmt.Errorf("invalid --ticket-timeout (must be positive): %s", c.ticketTimeout)
	}
	if c.maxMessageSize < 1 {
		return fmt.Errorf("invalid --max-message-size (must be positive): %d", c.maxMessageSize)
	}

	if c.publicURL != "" {
		u, err := url.Parse(c.publicURL)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			return fmt.Errorf("invalid --public-url (must be an absolute http or https URL): %q", c.publicURL)
		}
	}

	if len(c.services) == 0 {
		return errors.New("at least one service must be enabled")
	}
	for i, s := range c.services {
		s = strings.ToLower(strings.TrimSpace(s))
		if !slices.Contains(knownServices, s) {
			return fmt.Errorf("unknown service %q (must be one of %s)", s, strings.Join(knownServices, ", "))
		}
		c.services[i] = s
	}

	if c.enabled(serviceMatchmaking) {
		if !c.enabled(serviceChat) && c.chatURL == "" {
			return errors.New("matchmaking needs the chat service enabled or --chat-url")
		}
		if !c.enabled(serviceVoting) && c.votingURL == "" {
			return errors.New("matchmaking needs the voting service enabled or --voting-url")
		}
	}
	if c.enabled(serviceChat) {
		if !c.enabled(serviceVoting) && c.votingURL == "" {
			return errors.New("chat needs the voting service enabled or --voting-url")
		}
		if c.oracleURL == "" {
			return errors.New("chat needs --oracle-url")
		}
	}

	return nil
}

func (c *Config) enabled(service string) bool {
	return slices.Contains(c.services, service)
}

func (c *Config) scheme() string {
	if c.tlsCert != "" && c.tlsKey != "" {
		return "https"
	}
	return "http"
}

func newCmd(cfg *Config) *cobra.Command {
	// A missing .env file is not an error.
	_ = godotenv.Load()

	v := viper.New()
	v.SetEnvPrefix("IMITATION")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	cmd := &cobra.Command{
		Use:           "imitation",
		Short:         "Chat with a stranger for five minutes, then guess whether they were human.",
		Args:          cobra.ExactArgs(0),
		SilenceErrors: true,
		Version:       releaseVersion,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := cfg.validate(); err != nil {
				return err
			}
			return ServePage(cmd.Context(), cfg, args)
		},
	}

	fs := cmd.Flags()

	fs.SetNormalizeFunc(func(_ *pflag.FlagSet, name string) pflag.NormalizedName {
		return pflag.NormalizedName(strings.ReplaceAll(name, "_", "-"))
	})

	fs.Float64Var(&cfg.aiProbability, "ai-probability", 0.5, "chance an unmatched player is paired with the AI (env: IMITATION_AI_PROBABILITY)")
	fs.StringVarP(&cfg.bind, "bind", "b", "0.0.0.0", "address to bind to (env: IMITATION_BIND)")
	fs.StringVar(&cfg.chatURL, "chat-url", "", "base URL of a remote chat service (env: IMITATION_CHAT_URL)")
	fs.StringVar(&cfg.corsOrigin, "cors-origin", "*", "origin allowed to call the API from a browser (env: IMITATION_CORS_ORIGIN)")
	fs.Int64Var(&cfg.maxMessageSize, "max-message-size", 4096, "maximum size of a chat message, in bytes (env: IMITATION_MAX_MESSAGE_SIZE)")
	fs.DurationVar(&cfg.oracleTimeout, "oracle-timeout", 30*time.Second, "timeout for calls to the AI backend (env: IMITATION_ORACLE_TIMEOUT)")
	fs.StringVar(&cfg.oracleURL, "oracle-url", "http://localhost:4004", "base URL of the AI backend (env: IMITATION_ORACLE_URL)")
	fs.IntVarP(&cfg.port, "port", "p", 8080, "port to listen on (env: IMITATION_PORT)")
	fs.StringVar(&cfg.prefix, "prefix", "", "path to prepend to all URLs, for use behind reverse proxy (env: IMITATION_PREFIX)")
	fs.BoolVar(&cfg.profile, "profile", false, "register net/http/pprof handlers (env: IMITATION_PROFILE)")
	fs.StringVar(&cfg.publicURL, "public-url", "", "address of the player-facing frontend, encoded in the QR code (env: IMITATION_PUBLIC_URL)")
	fs.DurationVar(&cfg.roomDuration, "room-duration", 5*time.Minute, "how long each conversation lasts (env: IMITATION_ROOM_DURATION)")
	fs.StringSliceVar(&cfg.services, "services", slices.Clone(knownServices), "services to run in this process (env: IMITATION_SERVICES)")
	fs.DurationVar(&cfg.ticketTimeout, "ticket-timeout", 30*time.Second, "time before an unpolled matchmaking ticket is dropped (env: IMITATION_TICKET_TIMEOUT)")
	fs.StringVar(&cfg.tlsCert, "tls-cert", "", "path to tls certificate (env: IMITATION_TLS_CERT)")
	fs.StringVar(&cfg.tlsKey, "tls-key", "", "path to tls keyfile (env: IMITATION_TLS_KEY)")
	fs.BoolVarP(&cfg.verbose, "verbose", "v", false, "display additional output (env: IMITATION_VERBOSE)")
	fs.BoolVarP(&cfg.version, "version", "V", false, "display version and exit (env: IMITATION_VERSION)")
	fs.StringVar(&cfg.votingURL, "voting-url", "", "base URL of a remote voting service (env: IMITATION_VOTING_URL)")

	fs.VisitAll(func(f *pflag.Flag) {
		_ = v.BindPFlag(f.Name, f)
		_ = v.BindEnv(f.Name)
		if !f.Changed && v.IsSet(f.Name) {
			_ = fs.Set(f.Name, fmt.Sprintf("%v", v.Get(f.Name)))
		}
	})

	cmd.CompletionOptions.HiddenDefaultCmd = true
	cmd.SetHelpCommand(&cobra.Command{Hidden: true})
	cmd.SetVersionTemplate("imitation v{{.Version}}\n")

	cmd.SilenceErrors = true
	cmd.SilenceUsage = true

	return cmd
}
