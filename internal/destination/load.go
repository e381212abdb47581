package destination

import (
	"fmt"

	"github.com/spf13/viper"

	"github.com/imrishuroy/go-idempotent-dispatch/internal/config"
)

type fileConfig struct {
	Destinations []Destination `mapstructure:"destinations"`
}

// Load reads a YAML destinations file. Secrets given as secret_file are read
// from the mounted file when no inline secret is set.
//
//	destinations:
//	  - id: store-1
//	    base_url: https://store-1.example.com
//	    signing_key: key-1
//	    secret_file: /run/secrets/store-1
//	    timeout: 5s
func Load(path string) (*Registry, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("yaml")

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("read destinations %s: %w", path, err)
	}

	var fc fileConfig
	if err := v.Unmarshal(&fc); err != nil {
		return nil, fmt.Errorf("decode destinations %s: %w", path, err)
	}

	for i := range fc.Destinations {
		d := &fc.Destinations[i]
		if d.Secret == "" && d.SecretFile != "" {
			d.Secret = config.GetSecretFile(d.SecretFile)
		}
	}
	return NewRegistry(fc.Destinations...)
}
