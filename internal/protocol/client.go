package protocol

import (
	"bufio"
	"context"
	"net"

	"github.com/pkg/errors"
)

// Sends one command to the daemon listening on socket and decodes the
// result into a T.
//
// An error response is returned as an [*ErrorResult], which matches
// [ErrRemote]. Canceling ctx closes the connection, which the daemon
// treats as a request to abort the command.
func Call[T any](ctx context.Context, socket string, cmd Command, req any) (*T, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "unix", socket)
	if err != nil {
		return nil, errors.Wrapf(err, "connecting to %s", socket)
	}
	defer conn.Close()

	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()

	data, err := Encode(cmd, req)
	if err != nil {
		return nil, err
	}
	if _, err := conn.Write(append(data, '\n')); err != nil {
		return nil, errors.Wrap(err, "sending request")
	}

	line, err := bufio.NewReader(conn).ReadBytes('\n')
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, errors.Wrap(err, "reading response")
	}

	env, payload, err := Decode(line)
	if err != nil {
		return nil, err
	}

	switch env.Command {
	case CmdOK:
		return DecodePayload[T](payload)
	case CmdError:
		res, err := DecodePayload[ErrorResult](payload)
		if err != nil {
			return nil, err
		}
		return nil, res
	default:
		return nil, errors.Wrapf(ErrMalformed, "unexpected response %q", env.Command)
	}
}
