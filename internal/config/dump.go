package config

import (
	"io"

	"gopkg.in/yaml.v3"
)

// Dump writes the effective configuration as YAML under the `satcat5:` key.
func Dump(w io.Writer, cfg *GlobalConfig) error {
	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	defer enc.Close()
	return enc.Encode(map[string]*GlobalConfig{"satcat5": cfg})
}
