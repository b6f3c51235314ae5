package server

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/go-playground/validator/v10"
	"github.com/spf13/pflag"
	"gopkg.in/yaml.v3"
)

var validate = validator.New(validator.WithRequiredStructEnabled())

// Config is the full bot configuration. Values come from the YAML file first,
// then environment overrides, then command line flags.
type Config struct {
	Name     string          `yaml:"name" json:"name" usage:"Bot instance name used in logs."`
	DryRun   bool            `yaml:"dry_run" json:"dry_run" env:"DRY_RUN" usage:"Keep the roster in memory instead of Google Sheets."`
	Discord  *DiscordConfig  `yaml:"discord" json:"discord" validate:"required"`
	Sheets   *SheetsConfig   `yaml:"sheets" json:"sheets" validate:"required"`
	Roster   *RosterConfig   `yaml:"roster" json:"roster" validate:"required"`
	Schedule *ScheduleConfig `yaml:"schedule" json:"schedule" validate:"required"`
	Riot     *RiotConfig     `yaml:"riot" json:"riot" validate:"required"`
	HTTP     *HTTPConfig     `yaml:"http" json:"http" validate:"required"`
	Logger   *LoggerConfig   `yaml:"logger" json:"logger" validate:"required"`
}

type DiscordConfig struct {
	Token             string `yaml:"token" json:"token" env:"TOKEN" validate:"required" usage:"Discord bot token."`
	GuildID           string `yaml:"guild_id" json:"guild_id" env:"GUILD_ID" usage:"Register commands on this guild only. Empty registers them globally."`
	ChannelID         string `yaml:"channel_id" json:"channel_id" env:"CHANNEL_ID" validate:"required,numeric" usage:"The only channel where inhouse commands are accepted, and the target of scheduled jobs."`
	SummonCommand     string `yaml:"summon_command" json:"summon_command" usage:"Optional name of a command that mentions one guild member."`
	SummonTarget      string `yaml:"summon_target" json:"summon_target" usage:"Display name of the member mentioned by the summon command."`
	MemberCacheTTLSec int    `yaml:"member_cache_ttl_sec" json:"member_cache_ttl_sec" validate:"gte=0" usage:"Seconds a fetched guild member list stays fresh. Default 60."`
}

type SheetsConfig struct {
	SpreadsheetID   string       `yaml:"spreadsheet_id" json:"spreadsheet_id" env:"SHEET_ID" usage:"Google spreadsheet id."`
	CredentialsJSON string       `yaml:"-" json:"-" env:"GOOGLE_APPLICATION_CREDENTIALS_JSON" usage:"Service account key as inline JSON."`
	CredentialsFile string       `yaml:"credentials_file" json:"credentials_file" env:"GOOGLE_APPLICATION_CREDENTIALS" usage:"Service account key file. Default ./credentials.json."`
	RequestsPerSec  float64      `yaml:"requests_per_sec" json:"requests_per_sec" validate:"gt=0" usage:"Client side request rate towards the Sheets API. Default 1."`
	Burst           int          `yaml:"burst" json:"burst" validate:"gt=0" usage:"Request burst towards the Sheets API. Default 5."`
	TimeoutSec      int          `yaml:"timeout_sec" json:"timeout_sec" validate:"gt=0" usage:"Per request timeout. Default 10."`
	Ranges          *RangeConfig `yaml:"ranges" json:"ranges" validate:"required"`
}

// RangeConfig names the fixed-shape ranges the roster is mirrored into. The
// shapes are part of the contract; only the addresses are configurable.
type RangeConfig struct {
	TenParticipants    string `yaml:"ten_participants" json:"ten_participants" validate:"required"`
	TwentyParticipants string `yaml:"twenty_participants" json:"twenty_participants" validate:"required"`
	TenLanes           string `yaml:"ten_lanes" json:"ten_lanes" validate:"required"`
	TwentyLanes        string `yaml:"twenty_lanes" json:"twenty_lanes" validate:"required"`
	LastManualRecruit  string `yaml:"last_manual_recruit" json:"last_manual_recruit" validate:"required"`
}

type RosterConfig struct {
	LanesEnabled         bool   `yaml:"lanes_enabled" json:"lanes_enabled" usage:"Offer lane buttons and keep a lane grid."`
	TwentyOverflow       string `yaml:"twenty_overflow" json:"twenty_overflow" validate:"oneof=reject waitlist" usage:"What a join does when twenty mode is full: reject or waitlist."`
	FollowupDelayMs      int    `yaml:"followup_delay_ms" json:"followup_delay_ms" validate:"gte=0" usage:"Delay before a coalesced message update runs. Default 50."`
	ModeSwitchDelayMs    int    `yaml:"mode_switch_delay_ms" json:"mode_switch_delay_ms" validate:"gte=0" usage:"Delay before re-rendering after a mode switch. Default 200."`
	RemoteCallTimeoutSec int    `yaml:"remote_call_timeout_sec" json:"remote_call_timeout_sec" validate:"gt=0" usage:"Timeout for store and platform calls made by a single action. Default 15."`
}

type ScheduleConfig struct {
	Enabled     bool   `yaml:"enabled" json:"enabled" usage:"Run the daily reset and auto-recruit jobs."`
	Timezone    string `yaml:"timezone" json:"timezone" validate:"required,timezone" usage:"Time zone of the deployment's calendar day. Default Asia/Seoul."`
	ResetSpec   string `yaml:"reset_spec" json:"reset_spec" validate:"required" usage:"Cron spec of the daily reset. Default '0 8 * * *'."`
	RecruitSpec string `yaml:"recruit_spec" json:"recruit_spec" validate:"required" usage:"Cron spec of the daily auto-recruit. Default '0 17 * * *'."`
}

type RiotConfig struct {
	APIKey         string  `yaml:"-" json:"-" env:"RIOT_API_KEY" usage:"Riot API key with tournament-stub access."`
	BaseURL        string  `yaml:"base_url" json:"base_url" validate:"required,url"`
	Region         string  `yaml:"region" json:"region" validate:"required"`
	CallbackURL    string  `yaml:"callback_url" json:"callback_url" validate:"required,url"`
	TournamentName string  `yaml:"tournament_name" json:"tournament_name" validate:"required"`
	Metadata       string  `yaml:"metadata" json:"metadata"`
	RequestsPerSec float64 `yaml:"requests_per_sec" json:"requests_per_sec" validate:"gt=0"`
	TimeoutSec     int     `yaml:"timeout_sec" json:"timeout_sec" validate:"gt=0"`
}

type HTTPConfig struct {
	Port int `yaml:"port" json:"port" env:"PORT" validate:"gte=0,lte=65535" usage:"Healthcheck port. Default 3000."`
}

type LoggerConfig struct {
	Level      string `yaml:"level" json:"level" env:"LOG_LEVEL" validate:"oneof=debug info warn error" usage:"Log level. Default info."`
	Format     string `yaml:"format" json:"format" validate:"oneof=json console" usage:"Log encoding. Default json."`
	File       string `yaml:"file" json:"file" usage:"Also write logs to this file, rotated."`
	MaxSizeMB  int    `yaml:"max_size_mb" json:"max_size_mb" validate:"gte=0"`
	MaxBackups int    `yaml:"max_backups" json:"max_backups" validate:"gte=0"`
	MaxAgeDays int    `yaml:"max_age_days" json:"max_age_days" validate:"gte=0"`
	Compress   bool   `yaml:"compress" json:"compress"`
}

func NewConfig() *Config {
	return &Config{
		Name:     "inhousebot",
		Discord:  NewDiscordConfig(),
		Sheets:   NewSheetsConfig(),
		Roster:   NewRosterConfig(),
		Schedule: NewScheduleConfig(),
		Riot:     NewRiotConfig(),
		HTTP:     &HTTPConfig{Port: 3000},
		Logger:   NewLoggerConfig(),
	}
}

func NewDiscordConfig() *DiscordConfig {
	return &DiscordConfig{
		MemberCacheTTLSec: 60,
	}
}

func NewSheetsConfig() *SheetsConfig {
	return &SheetsConfig{
		CredentialsFile: "./credentials.json",
		RequestsPerSec:  1,
		Burst:           5,
		TimeoutSec:      10,
		Ranges:          NewRangeConfig(),
	}
}

func NewRangeConfig() *RangeConfig {
	return &RangeConfig{
		TenParticipants:    "대진표!L5:L14",
		TwentyParticipants: "대진표!L18:L37",
		TenLanes:           "대진표!E4:I5",
		TwentyLanes:        "대진표!E18:I21",
		LastManualRecruit:  "대진표!Z1",
	}
}

func NewRosterConfig() *RosterConfig {
	return &RosterConfig{
		LanesEnabled:         true,
		TwentyOverflow:       TwentyOverflowReject,
		FollowupDelayMs:      50,
		ModeSwitchDelayMs:    200,
		RemoteCallTimeoutSec: 15,
	}
}

func NewScheduleConfig() *ScheduleConfig {
	return &ScheduleConfig{
		Enabled:     true,
		Timezone:    "Asia/Seoul",
		ResetSpec:   "0 8 * * *",
		RecruitSpec: "0 17 * * *",
	}
}

func NewRiotConfig() *RiotConfig {
	return &RiotConfig{
		BaseURL:        "https://asia.api.riotgames.com/lol/tournament-stub/v5",
		Region:         "KR",
		CallbackURL:    "https://example.com/callback",
		TournamentName: "Gulttuk Inhouse BO3",
		Metadata:       "gulttuk-inhouse-bo3",
		RequestsPerSec: 1,
		TimeoutSec:     10,
	}
}

func NewLoggerConfig() *LoggerConfig {
	return &LoggerConfig{
		Level:      "info",
		Format:     "json",
		MaxSizeMB:  100,
		MaxBackups: 3,
		MaxAgeDays: 14,
	}
}

func (c *Config) Clone() *Config {
	if c == nil {
		return nil
	}
	cfg := *c
	discord := *c.Discord
	sheets := *c.Sheets
	ranges := *c.Sheets.Ranges
	roster := *c.Roster
	schedule := *c.Schedule
	riot := *c.Riot
	httpCfg := *c.HTTP
	logger := *c.Logger
	sheets.Ranges = &ranges
	cfg.Discord = &discord
	cfg.Sheets = &sheets
	cfg.Roster = &roster
	cfg.Schedule = &schedule
	cfg.Riot = &riot
	cfg.HTTP = &httpCfg
	cfg.Logger = &logger
	return &cfg
}

func (c *RosterConfig) FollowupDelay() time.Duration {
	return time.Duration(c.FollowupDelayMs) * time.Millisecond
}

func (c *RosterConfig) ModeSwitchDelay() time.Duration {
	return time.Duration(c.ModeSwitchDelayMs) * time.Millisecond
}

func (c *RosterConfig) RemoteCallTimeout() time.Duration {
	return time.Duration(c.RemoteCallTimeoutSec) * time.Second
}

func (c *ScheduleConfig) Location() (*time.Location, error) {
	return time.LoadLocation(c.Timezone)
}

func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	if !c.DryRun && c.Sheets.SpreadsheetID == "" {
		return errors.New("invalid config: sheets.spreadsheet_id is required unless dry_run is set")
	}
	if (c.Discord.SummonCommand == "") != (c.Discord.SummonTarget == "") {
		return errors.New("invalid config: discord.summon_command and discord.summon_target must be set together")
	}
	return nil
}

// ParseArgs builds the configuration from flags, an optional YAML file and the
// environment.
func ParseArgs(args []string) (*Config, error) {
	flags := pflag.NewFlagSet("inhousebot", pflag.ContinueOnError)
	configPath := flags.String("config", "", "Path to a YAML configuration file.")
	dryRun := flags.Bool("dry-run", false, "Keep the roster in memory instead of Google Sheets.")
	logLevel := flags.String("log-level", "", "Override the configured log level.")
	if err := flags.Parse(args); err != nil {
		return nil, err
	}

	cfg := NewConfig()
	if *configPath != "" {
		if err := cfg.LoadFile(*configPath); err != nil {
			return nil, err
		}
	}
	if err := cfg.LoadEnv(); err != nil {
		return nil, err
	}
	if flags.Changed("dry-run") {
		cfg.DryRun = *dryRun
	}
	if *logLevel != "" {
		cfg.Logger.Level = *logLevel
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) LoadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("failed to parse config file %s: %w", path, err)
	}
	return nil
}

// LoadEnv applies environment overrides. Only fields carrying an env tag are
// touched; unset variables keep the file or default value.
func (c *Config) LoadEnv() error {
	targets := []any{c, c.Discord, c.Sheets, c.Riot, c.HTTP, c.Logger}
	for _, t := range targets {
		if err := env.Parse(t); err != nil {
			return fmt.Errorf("failed to parse environment: %w", err)
		}
	}
	return nil
}
