package util

import (
	"net"
	"os"
)

const (
	SdNotifyReady    = "READY=1"
	SdNotifyWatchdog = "WATCHDOG=1"
	SdNotifyStopping = "STOPPING=1"
)

// SdNotify sends a message to the init daemon. It is common to ignore the
// error. If unsetEnvironment is true, the NOTIFY_SOCKET environment variable
// will be unconditionally unset.
func SdNotify(unsetEnvironment bool, state string) error {
	addr := &net.UnixAddr{
		Name: os.Getenv("NOTIFY_SOCKET"),
		Net:  "unixgram",
	}
	if addr.Name == "" {
		// not running under systemd
		return nil
	}
	if unsetEnvironment {
		os.Unsetenv("NOTIFY_SOCKET")
	}

	conn, err := net.DialUnix(addr.Net, nil, addr)
	if err != nil {
		return err
	}
	defer conn.Close()

	_, err = conn.Write([]byte(state))
	return err
}
