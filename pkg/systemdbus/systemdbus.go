// Package systemdbus is a minimal client for systemd's unit registry on the
// system D-Bus. It exposes the two calls a state poller needs: resolving a
// unit name to an object handle (Manager.GetUnit) and reading a string
// property from that handle (Properties.Get).
package systemdbus

import (
	"context"
	"errors"

	"github.com/godbus/dbus/v5"
)

const (
	Destination      = "org.freedesktop.systemd1"
	ManagerPath      = dbus.ObjectPath("/org/freedesktop/systemd1")
	ManagerInterface = "org.freedesktop.systemd1.Manager"
	UnitInterface    = "org.freedesktop.systemd1.Unit"

	PropertyActiveState = "ActiveState"

	propertiesGet = "org.freedesktop.DBus.Properties.Get"

	// ErrNameNoSuchUnit is returned by Manager.GetUnit for units that are not loaded.
	ErrNameNoSuchUnit = "org.freedesktop.systemd1.NoSuchUnit"
)

var (
	ErrUnsupported = errors.New("systemdbus: unsupported OS (linux only)")
	ErrClosed      = errors.New("systemdbus: connection is closed")
)

// Bus resolves unit names to queryable handles.
type Bus interface {
	ResolveUnit(ctx context.Context, name string) (Unit, error)
}

// Unit is a resolved handle for one unit object.
type Unit interface {
	Name() string
	Property(ctx context.Context, iface, name string) (string, error)
}

// ErrorName returns the D-Bus error name carried by err, or "".
func ErrorName(err error) string {
	var de dbus.Error
	if errors.As(err, &de) {
		return de.Name
	}
	var dep *dbus.Error
	if errors.As(err, &dep) && dep != nil {
		return dep.Name
	}
	return ""
}

// IsNoSuchUnit reports whether err says the unit is not loaded.
func IsNoSuchUnit(err error) bool { return ErrorName(err) == ErrNameNoSuchUnit }
