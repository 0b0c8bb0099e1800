//go:build !linux

package systemdbus

import "context"

type Conn struct{}

func Connect(ctx context.Context) (*Conn, error) { return nil, ErrUnsupported }

func (c *Conn) Close() error { return nil }

func (c *Conn) ResolveUnit(ctx context.Context, name string) (Unit, error) {
	return nil, ErrUnsupported
}
