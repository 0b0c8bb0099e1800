//go:build linux

package systemdbus

import (
	"context"
	"fmt"
	"sync"

	"github.com/godbus/dbus/v5"
)

// Conn is a system bus connection bound to systemd's manager object.
type Conn struct {
	mu   sync.RWMutex
	conn *dbus.Conn
}

// Connect opens the system bus. ctx bounds the handshake only; the
// connection itself lives until Close.
func Connect(ctx context.Context) (*Conn, error) {
	return connect(ctx, func() (*dbus.Conn, error) {
		// godbus closes a connection once its context is done.
		return dbus.ConnectSystemBus(dbus.WithContext(context.Background()))
	})
}

func connect(ctx context.Context, dial func() (*dbus.Conn, error)) (*Conn, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	type result struct {
		conn *dbus.Conn
		err  error
	}
	ch := make(chan result, 1)
	go func() {
		conn, err := dial()
		ch <- result{conn, err}
	}()

	select {
	case r := <-ch:
		if r.err != nil {
			return nil, fmt.Errorf("failed to connect to system bus: %w", r.err)
		}
		return &Conn{conn: r.conn}, nil
	case <-ctx.Done():
		go func() {
			if r := <-ch; r.conn != nil {
				_ = r.conn.Close()
			}
		}()
		return nil, fmt.Errorf("failed to connect to system bus: %w", ctx.Err())
	}
}

// Close closes the bus connection. Handles resolved from it stop working.
func (c *Conn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		return nil
	}
	err := c.conn.Close()
	c.conn = nil
	return err
}

// ResolveUnit calls Manager.GetUnit, which fails for units systemd has not
// loaded (NoSuchUnit), unlike LoadUnit.
func (c *Conn) ResolveUnit(ctx context.Context, name string) (Unit, error) {
	c.mu.RLock()
	conn := c.conn
	c.mu.RUnlock()
	if conn == nil {
		return nil, ErrClosed
	}

	var path dbus.ObjectPath
	call := conn.Object(Destination, ManagerPath).CallWithContext(ctx, ManagerInterface+".GetUnit", 0, name)
	if err := call.Store(&path); err != nil {
		return nil, fmt.Errorf("GetUnit %s: %w", name, err)
	}
	return &unit{name: name, path: path, obj: conn.Object(Destination, path)}, nil
}

type unit struct {
	name string
	path dbus.ObjectPath
	obj  dbus.BusObject
}

func (u *unit) Name() string { return u.name }

func (u *unit) Property(ctx context.Context, iface, name string) (string, error) {
	var v dbus.Variant
	if err := u.obj.CallWithContext(ctx, propertiesGet, 0, iface, name).Store(&v); err != nil {
		return "", fmt.Errorf("get %s.%s on %s: %w", iface, name, u.path, err)
	}
	s, ok := v.Value().(string)
	if !ok {
		return "", fmt.Errorf("property %s.%s on %s is %s, not a string", iface, name, u.path, v.Signature())
	}
	return s, nil
}
