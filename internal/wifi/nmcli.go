package wifi

import (
	"bytes"
	"context"
	"fmt"
	"net"
	"os/exec"
	"strconv"
	"strings"
	"time"

	psnet "github.com/shirou/gopsutil/v3/net"
)

// Runner executes a command and returns its combined output.
type Runner func(ctx context.Context, name string, args ...string) ([]byte, error)

// ExecRunner runs commands with os/exec.
func ExecRunner(ctx context.Context, name string, args ...string) ([]byte, error) {
	return exec.CommandContext(ctx, name, args...).CombinedOutput()
}

// hotspotConnection is the NetworkManager connection profile name used
// for the provisioning access point.
const hotspotConnection = "airsensor-portal"

// NMCLI drives the wireless interface through NetworkManager's nmcli.
type NMCLI struct {
	iface          string
	connectTimeout time.Duration
	run            Runner
	interfaces     func() (psnet.InterfaceStatList, error)
}

// NewNMCLI creates a station for iface. A nil run uses [ExecRunner].
func NewNMCLI(iface string, connectTimeout time.Duration, run Runner) *NMCLI {
	if run == nil {
		run = ExecRunner
	}
	if connectTimeout <= 0 {
		connectTimeout = 30 * time.Second
	}
	return &NMCLI{
		iface:          iface,
		connectTimeout: connectTimeout,
		run:            run,
		interfaces:     psnet.Interfaces,
	}
}

func (n *NMCLI) nmcli(ctx context.Context, args ...string) error {
	out, err := n.run(ctx, "nmcli", args...)
	if err != nil {
		msg := strings.TrimSpace(string(bytes.TrimPrefix(out, []byte("Error: "))))
		if msg == "" {
			return fmt.Errorf("nmcli %s: %w", args[0], err)
		}
		return fmt.Errorf("nmcli %s: %s: %w", args[0], msg, err)
	}
	return nil
}

// SetStationMode turns the WiFi radio on. NetworkManager runs managed
// interfaces in station mode unless a hotspot profile is active.
func (n *NMCLI) SetStationMode(ctx context.Context) error {
	return n.nmcli(ctx, "radio", "wifi", "on")
}

// SetHostname sets the system hostname through NetworkManager, which also
// sends it in DHCP requests.
func (n *NMCLI) SetHostname(ctx context.Context, name string) error {
	return n.nmcli(ctx, "general", "hostname", name)
}

// Connect associates with c, waiting up to the connect timeout.
func (n *NMCLI) Connect(ctx context.Context, c Credentials) error {
	wait := strconv.Itoa(int(n.connectTimeout / time.Second))
	args := []string{"--wait", wait, "device", "wifi", "connect", c.SSID}
	if !c.Open() {
		// NetworkManager accepts the 64-digit hex PSK in place of a passphrase.
		args = append(args, "password", c.PSK)
	}
	args = append(args, "ifname", n.iface)

	ctx, cancel := context.WithTimeout(ctx, n.connectTimeout+5*time.Second)
	defer cancel()
	return n.nmcli(ctx, args...)
}

// StartAccessPoint brings up a WPA2 hotspot on the interface.
func (n *NMCLI) StartAccessPoint(ctx context.Context, ssid, password string) error {
	return n.nmcli(ctx, "device", "wifi", "hotspot",
		"ifname", n.iface,
		"con-name", hotspotConnection,
		"ssid", ssid,
		"password", password,
	)
}

// StopAccessPoint deactivates the hotspot profile.
func (n *NMCLI) StopAccessPoint(ctx context.Context) error {
	return n.nmcli(ctx, "connection", "down", hotspotConnection)
}

// Address returns the first IPv4 address bound to the interface.
func (n *NMCLI) Address() (string, error) {
	ifaces, err := n.interfaces()
	if err != nil {
		return "", fmt.Errorf("list interfaces: %w", err)
	}
	for _, ifc := range ifaces {
		if ifc.Name != n.iface {
			continue
		}
		for _, a := range ifc.Addrs {
			ip, _, err := net.ParseCIDR(a.Addr)
			if err != nil {
				ip = net.ParseIP(a.Addr)
			}
			if ip != nil && ip.To4() != nil {
				return ip.String(), nil
			}
		}
		return "", fmt.Errorf("interface %s has no IPv4 address", n.iface)
	}
	return "", fmt.Errorf("interface %s not found", n.iface)
}
