package main

import (
	"fmt"
	"os"

	log "github.com/sirupsen/logrus"
	"gopkg.in/ini.v1"
)

const (
	configEnv  = "RAWHIDE_CONFIG"
	configFile = "rawhide.ini"
)

// config supplies flag defaults: a key in the tool's own section wins
// over the same key in [default].
type config struct {
	file *ini.File
	tool string
}

func configPath(flagPath string) string {
	if flagPath != "" {
		return flagPath
	}
	if p := os.Getenv(configEnv); p != "" {
		return p
	}
	return configFile
}

func loadConfig(path string) (*ini.File, error) {
	cfg, err := ini.LoadSources(ini.LoadOptions{
		Insensitive:      true,
		AllowBooleanKeys: true,
	}, path)
	if err != nil {
		if os.IsNotExist(err) {
			log.Debugf("config file not found at %s", path)
			return ini.Empty(), nil
		}
		return nil, fmt.Errorf("config load error: %w", err)
	}
	return cfg, nil
}

func (c config) key(name string) *ini.Key {
	if s, err := c.file.GetSection(c.tool); err == nil && s.HasKey(name) {
		return s.Key(name)
	}
	if s, err := c.file.GetSection("default"); err == nil && s.HasKey(name) {
		return s.Key(name)
	}
	return nil
}

func (c config) str(name, def string) string {
	if k := c.key(name); k != nil {
		return k.MustString(def)
	}
	return def
}

func (c config) boolean(name string, def bool) bool {
	if k := c.key(name); k != nil {
		return k.MustBool(def)
	}
	return def
}

func (c config) integer(name string, def int) int {
	if k := c.key(name); k != nil {
		return k.MustInt(def)
	}
	return def
}
