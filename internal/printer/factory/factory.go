// Package factory builds a concrete printer.Adapter from a durable
// storage.Printer record and its resolved credential, so the registry
// and the CLI's `connect` verb share one place that knows how to turn
// a backend enum value into a live adapter instance.
package factory

import (
	"strings"
	"time"

	"github.com/kilnfleet/kiln/internal/kerrors"
	"github.com/kilnfleet/kiln/internal/printer"
	"github.com/kilnfleet/kiln/internal/printer/bambu"
	"github.com/kilnfleet/kiln/internal/printer/moonraker"
	"github.com/kilnfleet/kiln/internal/printer/octoprint"
	"github.com/kilnfleet/kiln/internal/printer/prusaconnect"
	"github.com/kilnfleet/kiln/internal/printer/prusalink"
	"github.com/kilnfleet/kiln/internal/storage"
)

// Build constructs the adapter matching record.Backend. apiKey is the
// plaintext secret already resolved from the credential store (or the
// access code, for Bambu); it is never logged or echoed back.
func Build(record *storage.Printer, apiKey string, timeout time.Duration) (printer.Adapter, error) {
	switch record.Backend {
	case storage.BackendOctoPrint:
		return octoprint.New(record.Name, record.Host, apiKey, timeout), nil
	case storage.BackendMoonraker:
		return moonraker.New(record.Name, record.Host, timeout), nil
	case storage.BackendPrusaLink:
		return prusalink.New(record.Name, record.Host, apiKey, timeout), nil
	case storage.BackendBambu:
		return bambu.New(record.Name, record.Host, apiKey, timeout), nil
	case storage.BackendPrusaConnect:
		team, printerUUID, ok := splitConnectHost(record.Host)
		if !ok {
			return nil, kerrors.Validation("host", "prusaconnect host must be \"team_id/printer_uuid[@base_url]\"")
		}
		baseURL := "https://connect.prusa3d.com"
		if i := strings.Index(record.Host, "@"); i >= 0 {
			baseURL = record.Host[i+1:]
		}
		return prusaconnect.New(record.Name, baseURL, apiKey, team, printerUUID, timeout), nil
	default:
		return nil, kerrors.Validation("backend", "unsupported printer backend: "+string(record.Backend))
	}
}

// splitConnectHost parses "team_id/printer_uuid" out of a Host field
// that may also carry an "@base_url" override for self-hosted Connect.
func splitConnectHost(host string) (team, printerUUID string, ok bool) {
	h := host
	if i := strings.Index(h, "@"); i >= 0 {
		h = h[:i]
	}
	parts := strings.SplitN(h, "/", 2)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", false
	}
	return parts[0], parts[1], true
}
