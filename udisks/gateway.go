package udisks

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/JingOS-team/storaged/interfaces"

	"github.com/godbus/dbus/v5"
)

// Gateway issues asynchronous UDisks2 operations on the system bus.
type Gateway struct {
	conn *dbus.Conn
	log  *slog.Logger
}

// NewGateway creates a gateway on an established system bus connection.
func NewGateway(conn *dbus.Conn, log *slog.Logger) *Gateway {
	if log == nil {
		log = slog.Default()
	}
	return &Gateway{conn: conn, log: log}
}

// Call implements interfaces.Gateway. The call runs in its own goroutine
// bounded by the request timeout; structured D-Bus failures resolve as
// *interfaces.ServiceError.
func (g *Gateway) Call(ctx context.Context, req interfaces.Request) <-chan error {
	results := make(chan error, 1)

	method, ok := methodFor(req.Op)
	if !ok {
		results <- fmt.Errorf("unknown operation %q", req.Op)
		return results
	}

	timeout := req.Timeout
	if timeout <= 0 {
		timeout = interfaces.DefaultCallTimeout
	}

	go func() {
		callCtx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()

		obj := g.conn.Object(Service, dbus.ObjectPath(req.Target))
		call := obj.CallWithContext(callCtx, method, 0, argsFor(req)...)
		results <- convertCallError(callCtx, call.Err)
	}()
	return results
}

// convertCallError maps a godbus call error to the gateway error contract.
func convertCallError(ctx context.Context, err error) error {
	if err == nil {
		return nil
	}

	var dbErr dbus.Error
	if errors.As(err, &dbErr) {
		return &interfaces.ServiceError{
			Name:    dbErr.Name,
			Message: errorBody(dbErr),
		}
	}

	// godbus reports a cancelled call as a plain error; surface the
	// deadline when it was ours.
	if ctx.Err() != nil {
		return ctx.Err()
	}
	return err
}

func errorBody(err dbus.Error) string {
	if len(err.Body) == 0 {
		return ""
	}
	if msg, ok := err.Body[0].(string); ok {
		return msg
	}
	return fmt.Sprint(err.Body[0])
}
