package config

import (
	"errors"
	"strings"

	"github.com/spf13/viper"
)

type Config struct {
	Server   Server
	Database Database
	Auth     Auth
	SMTP     SMTP
	Log      Log
	Chat     Chat
}

type Server struct {
	Addr string
}

type Database struct {
	Driver string
	DSN    string
}

type Auth struct {
	Secret string
	// Usernames granted the admin role at signup.
	Admins []string
}

type SMTP struct {
	Host     string
	Port     string
	Username string
	Password string
	From     string
}

type Log struct {
	Level  string
	Pretty bool
}

type Chat struct {
	PageLimit    int `mapstructure:"page_limit"`
	MaxPageLimit int `mapstructure:"max_page_limit"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.addr", ":8080")
	v.SetDefault("database.driver", "sqlite3")
	v.SetDefault("database.dsn", "supportchat.db")
	v.SetDefault("auth.secret", "super-secret-key-change-me-in-production")
	v.SetDefault("auth.admins", []string{})
	v.SetDefault("smtp.host", "")
	v.SetDefault("smtp.port", "587")
	v.SetDefault("smtp.username", "")
	v.SetDefault("smtp.password", "")
	v.SetDefault("smtp.from", "support@localhost")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.pretty", false)
	v.SetDefault("chat.page_limit", 20)
	v.SetDefault("chat.max_page_limit", 100)
}

// LoadConfig reads filename (without extension) from "." or "config/".
// A missing file is not an error: defaults and SUPPORTCHAT_* environment
// variables still apply.
func LoadConfig(filename string) (*viper.Viper, error) {
	v := viper.New()
	setDefaults(v)

	v.SetConfigName(filename)
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("config")

	v.SetEnvPrefix("supportchat")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, err
		}
	}
	return v, nil
}

func ParseConfig(v *viper.Viper) (*Config, error) {
	var c Config
	if err := v.Unmarshal(&c); err != nil {
		return nil, err
	}
	if c.Chat.PageLimit <= 0 || c.Chat.MaxPageLimit < c.Chat.PageLimit {
		return nil, errors.New("chat.page_limit must be positive and not exceed chat.max_page_limit")
	}
	return &c, nil
}
