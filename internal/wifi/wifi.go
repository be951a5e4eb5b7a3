// Package wifi is the station side of the device's connectivity: joining
// a network with stored or configured credentials, and the one-shot
// provisioning portal that collects new credentials from a phone.
//
// The radio itself is driven through a [Station]; [NMCLI] implements it
// on top of NetworkManager. Credentials never leave this package as
// passphrases: they are reduced to the WPA2 pre-shared key on entry.
package wifi

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"errors"
	"fmt"

	"golang.org/x/crypto/pbkdf2"
)

// Station controls the wireless interface.
type Station interface {
	// SetStationMode switches the radio to client (station) operation.
	SetStationMode(ctx context.Context) error
	// SetHostname sets the name the device announces on the network.
	SetHostname(ctx context.Context, name string) error
	// Connect associates with the network described by c.
	Connect(ctx context.Context, c Credentials) error
	// StartAccessPoint brings up a WPA2 access point.
	StartAccessPoint(ctx context.Context, ssid, password string) error
	// StopAccessPoint tears the access point down.
	StopAccessPoint(ctx context.Context) error
	// Address returns the station's current IPv4 address.
	Address() (string, error)
}

// Credentials identify a network to join. PSK is the hex-encoded 256-bit
// WPA2 pre-shared key, or empty for an open network.
type Credentials struct {
	SSID string
	PSK  string
}

// Open reports whether c describes an open network.
func (c Credentials) Open() bool {
	return c.PSK == ""
}

// Passphrase limits from IEEE 802.11i.
const (
	minPassphrase = 8
	maxPassphrase = 63
	maxSSID       = 32
)

var (
	ErrInvalidSSID       = errors.New("ssid must be 1 to 32 bytes")
	ErrInvalidPassphrase = errors.New("passphrase must be 8 to 63 characters")
)

// NewCredentials validates ssid and passphrase and derives the PSK. An
// empty passphrase describes an open network.
func NewCredentials(ssid, passphrase string) (Credentials, error) {
	if len(ssid) == 0 || len(ssid) > maxSSID {
		return Credentials{}, ErrInvalidSSID
	}
	if passphrase == "" {
		return Credentials{SSID: ssid}, nil
	}
	if n := len(passphrase); n < minPassphrase || n > maxPassphrase {
		return Credentials{}, fmt.Errorf("%w (got %d)", ErrInvalidPassphrase, n)
	}
	return Credentials{SSID: ssid, PSK: DerivePSK(ssid, passphrase)}, nil
}

// DerivePSK computes the WPA2 pre-shared key for a passphrase:
// PBKDF2-HMAC-SHA1 with the SSID as salt, 4096 rounds, 32 bytes.
func DerivePSK(ssid, passphrase string) string {
	key := pbkdf2.Key([]byte(passphrase), []byte(ssid), 4096, 32, sha1.New)
	return hex.EncodeToString(key)
}
