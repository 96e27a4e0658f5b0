package transport

import (
	"fmt"

	"github.com/David-ssnd/rayz-web-sub000/config"
	errs "github.com/David-ssnd/rayz-web-sub000/errors"
)

// DeviceManager is implemented by transports whose device set is managed by
// the caller rather than discovered
type DeviceManager interface {
	AddDevice(id string) error
	RemoveDevice(id string) bool
}

// New builds the transport selected by cfg.Mode. In direct mode the devices
// listed in cfg are added, and so start connecting, before New returns. In
// relay mode deps.Channel must be set; nothing connects until Connect.
func New(cfg *config.Config, deps Dependencies) (Transport, error) {
	if cfg == nil {
		return nil, errs.WrapFatal(fmt.Errorf("%w: config", errs.ErrMissingConfig), "transport", "New", "check config")
	}

	switch cfg.Mode {
	case config.ModeDirect, "":
		direct := NewDirect(cfg.DeviceOptions(), deps)
		for _, id := range cfg.Devices {
			if err := direct.AddDevice(id); err != nil {
				direct.Close()
				return nil, err
			}
		}
		return direct, nil

	case config.ModeRelay:
		relay, err := NewRelay(RelayOptions{ConnectTimeout: cfg.Relay.ConnectTimeout.Std()}, deps)
		if err != nil {
			return nil, err
		}
		return relay, nil

	default:
		return nil, errs.WrapInvalid(
			fmt.Errorf("%w: unknown transport mode %q", errs.ErrInvalidConfig, cfg.Mode),
			"transport", "New", "select transport")
	}
}
