package main

import (
	"bytes"
	"fmt"
	"os"
	"reflect"
	"time"

	"github.com/BurntSushi/toml"
)

// =============================================================================
// CONFIGURATION
// =============================================================================

type Config struct {
	Telegram struct {
		BotToken    string `toml:"bot_token"`
		APIBaseURL  string `toml:"api_base_url"`
		PollTimeout string `toml:"poll_timeout"`
	} `toml:"telegram"`
	Database struct {
		Path        string `toml:"path"`
		WalMode     bool   `toml:"wal_mode"`
		BusyTimeout string `toml:"busy_timeout"`
	} `toml:"database"`
	Fetch struct {
		Timeout       string `toml:"timeout"`
		CreateTimeout string `toml:"create_timeout"`
	} `toml:"fetch"`
	Checker struct {
		Schedule             string `toml:"schedule"`
		BatchSize            int    `toml:"batch_size"`
		MaxAgeDays           int    `toml:"max_age_days"`
		NotFoundCooldownDays int    `toml:"not_found_cooldown_days"`
	} `toml:"checker"`
	Web struct {
		Listen   string `toml:"listen"`
		Port     int    `toml:"port"`
		PageSize int    `toml:"page_size"`
	} `toml:"web"`
	Logging struct {
		Level  string `toml:"level"`
		Format string `toml:"format"`
	} `toml:"logging"`
}

func defaultConfig() Config {
	return Config{
		Telegram: struct {
			BotToken    string `toml:"bot_token"`
			APIBaseURL  string `toml:"api_base_url"`
			PollTimeout string `toml:"poll_timeout"`
		}{
			BotToken:    "",
			APIBaseURL:  "https://api.telegram.org",
			PollTimeout: "30s",
		},
		Database: struct {
			Path        string `toml:"path"`
			WalMode     bool   `toml:"wal_mode"`
			BusyTimeout string `toml:"busy_timeout"`
		}{
			Path:        "./notekeep.db",
			WalMode:     true,
			BusyTimeout: "5s",
		},
		Fetch: struct {
			Timeout       string `toml:"timeout"`
			CreateTimeout string `toml:"create_timeout"`
		}{
			Timeout:       "10s",
			CreateTimeout: "5s",
		},
		Checker: struct {
			Schedule             string `toml:"schedule"`
			BatchSize            int    `toml:"batch_size"`
			MaxAgeDays           int    `toml:"max_age_days"`
			NotFoundCooldownDays int    `toml:"not_found_cooldown_days"`
		}{
			Schedule:             "0 3 * * *",
			BatchSize:            50,
			MaxAgeDays:           90,
			NotFoundCooldownDays: 180,
		},
		Web: struct {
			Listen   string `toml:"listen"`
			Port     int    `toml:"port"`
			PageSize int    `toml:"page_size"`
		}{
			Listen:   "127.0.0.1",
			Port:     8080,
			PageSize: 25,
		},
		Logging: struct {
			Level  string `toml:"level"`
			Format string `toml:"format"`
		}{
			Level:  "info",
			Format: "console",
		},
	}
}

func loadConfig(path string, cfg interface{}) error {
	content, err := os.ReadFile(path)
	if err != nil {
		return err
	}

	reader := bytes.NewReader(content)

	// Parse into a map first to see which keys are actually present
	var tomlMap map[string]interface{}
	if _, err := toml.NewDecoder(reader).Decode(&tomlMap); err != nil {
		return err
	}

	if _, err := reader.Seek(0, 0); err != nil {
		return fmt.Errorf("failed to reset reader: %w", err)
	}

	cfgType := reflect.TypeOf(cfg).Elem()
	partial := reflect.New(cfgType).Interface()
	if _, err := toml.NewDecoder(reader).Decode(partial); err != nil {
		return err
	}

	mergeStructs(cfg, partial, tomlMap)
	return nil
}

// mergeStructs copies values from src into dst, but only overwrites fields
// that were either explicitly present in the TOML file or carry a non-zero
// value, so defaults survive a partial config file.
func mergeStructs(dst, src interface{}, tomlMap map[string]interface{}) {
	dstVal := reflect.ValueOf(dst).Elem()
	srcVal := reflect.ValueOf(src).Elem()
	dstType := dstVal.Type()

	for i := 0; i < dstVal.NumField(); i++ {
		field := dstVal.Field(i)
		srcField := srcVal.Field(i)
		fieldType := dstType.Field(i)

		tomlTag := getTomlTag(fieldType)

		if field.Kind() == reflect.Struct {
			nestedMap := make(map[string]interface{})
			if sectionMap, ok := tomlMap[tomlTag].(map[string]interface{}); ok {
				nestedMap = sectionMap
			}

			mergeStructs(field.Addr().Interface(), srcField.Addr().Interface(), nestedMap)
		} else {
			if _, fieldPresent := tomlMap[tomlTag]; fieldPresent {
				field.Set(srcField)
			} else {
				zero := reflect.Zero(field.Type()).Interface()
				if !reflect.DeepEqual(srcField.Interface(), zero) {
					field.Set(srcField)
				}
			}
		}
	}
}

// getTomlTag extracts the TOML tag from a struct field, or uses the field name if not present.
func getTomlTag(field reflect.StructField) string {
	tag := field.Tag.Get("toml")
	if tag != "" {
		return tag
	}
	return field.Name
}

// parseDurationOr parses a config duration string, falling back when the
// value is empty or malformed.
func parseDurationOr(value string, fallback time.Duration) time.Duration {
	if value == "" {
		return fallback
	}
	parsed, err := time.ParseDuration(value)
	if err != nil || parsed <= 0 {
		return fallback
	}
	return parsed
}

func (cfg *Config) fetchTimeout() time.Duration {
	return parseDurationOr(cfg.Fetch.Timeout, 10*time.Second)
}

func (cfg *Config) createFetchTimeout() time.Duration {
	return parseDurationOr(cfg.Fetch.CreateTimeout, 5*time.Second)
}

func (cfg *Config) pollTimeout() time.Duration {
	return parseDurationOr(cfg.Telegram.PollTimeout, 30*time.Second)
}
