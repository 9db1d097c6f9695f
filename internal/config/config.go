package config

import (
	"fmt"
	"strings"

	"github.com/mitchellh/mapstructure"
	"github.com/spf13/viper"
)

// Load config from file into the config struct, config must be a pointer to the config struct.
// Values already set on config act as defaults; environment variables override the file.
func Load(file string, config any) error {
	v, err := newViper(config)
	if err != nil {
		return err
	}

	v.SetConfigFile(file)
	if err := v.ReadInConfig(); err != nil {
		return fmt.Errorf("read config from file %s: %v", file, err)
	}
	if err := v.Unmarshal(config); err != nil {
		return fmt.Errorf("unmarshal config: %v", err)
	}

	return nil
}

// LoadEnv fills config from environment variables only, e.g. prefix FIREPREP and key
// Remote.BaseURL reads FIREPREP_REMOTE_BASEURL.
func LoadEnv(prefix string, config any) error {
	v, err := newViper(config)
	if err != nil {
		return err
	}

	v.SetEnvPrefix(prefix)
	if err := v.Unmarshal(config); err != nil {
		return fmt.Errorf("unmarshal config: %v", err)
	}

	return nil
}

func newViper(config any) (*viper.Viper, error) {
	v := viper.New()
	m := make(map[string]any)

	if err := mapstructure.Decode(config, &m); err != nil {
		return nil, fmt.Errorf("mapstructure: %v", err)
	}

	if err := v.MergeConfigMap(m); err != nil {
		return nil, fmt.Errorf("merge config map: %v", err)
	}

	// Every key must be known to viper for AutomaticEnv to pick it up on Unmarshal.
	for _, k := range v.AllKeys() {
		v.SetDefault(k, v.Get(k))
	}

	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	return v, nil
}
