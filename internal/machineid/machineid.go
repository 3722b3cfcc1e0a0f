// Package machineid derives a stable, anonymous identifier for the host.
package machineid

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"net"
	"sync"

	"github.com/google/uuid"
)

var (
	once sync.Once
	id   string

	// interfaces is swapped in tests.
	interfaces = net.Interfaces
)

// Get returns the machine id, resolving it on first use.
// The id is the hex sha256 of the first usable MAC address, or a random UUID if there is none.
func Get() string {
	once.Do(func() {
		id = resolve()
	})
	return id
}

func resolve() string {
	mac, err := firstMAC()
	if err != nil {
		return uuid.NewString()
	}
	sum := sha256.Sum256([]byte(mac))
	return hex.EncodeToString(sum[:])
}

var errNoMAC = errors.New("no usable MAC address")

func firstMAC() (string, error) {
	ifaces, err := interfaces()
	if err != nil {
		return "", err
	}
	for _, iface := range ifaces {
		if iface.Flags&net.FlagLoopback != 0 || len(iface.HardwareAddr) == 0 {
			continue
		}
		mac := iface.HardwareAddr.String()
		if mac == "00:00:00:00:00:00" || mac == "ff:ff:ff:ff:ff:ff" {
			continue
		}
		return mac, nil
	}
	return "", errNoMAC
}
