package router

import (
	"fmt"

	"firestige.xyz/satcat5/internal/core"
	"firestige.xyz/satcat5/internal/ethsw"
	"firestige.xyz/satcat5/internal/ip"
)

type natOptions struct {
	Port     string `mapstructure:"port"`
	External string `mapstructure:"external"`
	Internal string `mapstructure:"internal"`
}

func newNatPlugin(sw *ethsw.SwitchCore, opts map[string]interface{}) (any, error) {
	var o natOptions
	if err := ethsw.DecodeOptions(opts, &o); err != nil {
		return nil, err
	}
	port := sw.PortByName(o.Port)
	if port == nil {
		return nil, fmt.Errorf("unknown port '%s': %w", o.Port, core.ErrConfigInvalid)
	}
	ext, err := ip.ParseSubnet(o.External)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", core.ErrConfigInvalid, err)
	}
	in, err := ip.ParseSubnet(o.Internal)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", core.ErrConfigInvalid, err)
	}
	nat, err := NewBasicNat(port, ext, in)
	if err != nil {
		return nil, err
	}
	return nat, nil
}

func init() {
	_ = ethsw.DefaultRegistry().Register("nat", nil, newNatPlugin)
}
