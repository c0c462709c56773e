package remote

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/godbus/dbus/v5"
)

// busConn is the part of *dbus.Conn the channel uses.
type busConn interface {
	Object(dest string, path dbus.ObjectPath) dbus.BusObject
	BusObject() dbus.BusObject
	Close() error
}

// DBusConfig configures a D-Bus channel.
type DBusConfig struct {
	// Bus is "session" (default) or "system".
	Bus string

	Endpoint Endpoint

	// Logger is the structured logger for channel diagnostics.
	Logger *slog.Logger
}

// DBus calls a method on a remote object over D-Bus. For darktable the
// object is /darktable on org.darktable.service and the method is
// org.darktable.service.Remote.Lua, which takes a Lua script and returns
// the script's result as a string.
type DBus struct {
	config DBusConfig
	logger *slog.Logger
	dial   func() (busConn, error)

	conn busConn
	obj  dbus.BusObject
}

// NewDBus creates a D-Bus channel. No connection is made until Connect.
func NewDBus(cfg DBusConfig) *DBus {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	d := &DBus{config: cfg, logger: logger}
	d.dial = func() (busConn, error) {
		if cfg.Bus == "system" {
			return dbus.ConnectSystemBus()
		}
		return dbus.ConnectSessionBus()
	}
	return d
}

func (d *DBus) busName() string {
	if d.config.Bus == "" {
		return "session"
	}
	return d.config.Bus
}

// Connect opens the bus and verifies that the endpoint's service name
// has an owner, i.e. that darktable is running with its D-Bus service.
func (d *DBus) Connect(ctx context.Context) error {
	ep := d.config.Endpoint
	if !dbus.ObjectPath(ep.Path).IsValid() {
		return fmt.Errorf("%w: invalid object path %q", ErrChannelUnavailable, ep.Path)
	}

	conn, err := d.dial()
	if err != nil {
		return fmt.Errorf("%w: connect to %s bus: %w", ErrChannelUnavailable, d.busName(), err)
	}

	if err := nameHasOwner(ctx, conn, ep.Service); err != nil {
		conn.Close()
		return fmt.Errorf("%w: %w", ErrChannelUnavailable, err)
	}

	d.conn = conn
	d.obj = conn.Object(ep.Service, dbus.ObjectPath(ep.Path))

	d.logger.Info("connected to remote endpoint",
		"bus", d.busName(),
		"service", ep.Service,
		"path", ep.Path,
		"interface", ep.Interface,
	)
	return nil
}

// Invoke calls Interface.method with argument and stores the single
// string reply. The call is abandoned when ctx is done.
func (d *DBus) Invoke(ctx context.Context, method, argument string) (string, error) {
	member := d.config.Endpoint.Interface + "." + method
	if d.obj == nil {
		return "", &CallError{Method: member, Err: errNotConnected}
	}

	var result string
	call := d.obj.CallWithContext(ctx, member, 0, argument)
	if err := call.Store(&result); err != nil {
		return "", &CallError{Method: member, Err: err}
	}
	return result, nil
}

// Ping reports whether the endpoint's service name still has an owner.
func (d *DBus) Ping(ctx context.Context) error {
	if d.conn == nil {
		return errNotConnected
	}
	return nameHasOwner(ctx, d.conn, d.config.Endpoint.Service)
}

// Close closes the bus connection.
func (d *DBus) Close() error {
	if d.conn == nil {
		return nil
	}
	err := d.conn.Close()
	d.conn = nil
	d.obj = nil
	return err
}

// nameHasOwner asks the bus daemon whether service is currently owned.
func nameHasOwner(ctx context.Context, conn busConn, service string) error {
	var owned bool
	call := conn.BusObject().CallWithContext(ctx, "org.freedesktop.DBus.NameHasOwner", 0, service)
	if err := call.Store(&owned); err != nil {
		return fmt.Errorf("query owner of %s: %w", service, err)
	}
	if !owned {
		return errors.New(service + " is not running")
	}
	return nil
}
