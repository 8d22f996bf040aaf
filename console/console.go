// Package console attaches the user's terminal to a device agent's console
// socket: raw mode in, bidirectional relay, ctrl+] escape sequences out.
package console

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/term"
)

const escapeChar = 0x1D // ctrl+]

const dialTimeout = 3 * time.Second

// escapeState tracks the two-state escape detection machine.
type escapeState int

const (
	stateNormal  escapeState = iota
	stateEscaped             // ctrl+] received, waiting for command char
)

// Attach connects stdin/stdout to the console socket at socketPath and
// relays until the agent hangs up or the user sends the disconnect escape.
// name is only used in the connect/disconnect banner.
func Attach(ctx context.Context, socketPath, name string) error {
	conn, err := net.DialTimeout("unix", socketPath, dialTimeout)
	if err != nil {
		return fmt.Errorf("connect console %s: %w", socketPath, err)
	}
	defer conn.Close() //nolint:errcheck

	fd := int(os.Stdin.Fd())
	if !term.IsTerminal(fd) {
		return fmt.Errorf("stdin is not a terminal")
	}

	oldState, err := term.MakeRaw(fd)
	if err != nil {
		return fmt.Errorf("set raw mode: %w", err)
	}
	defer func() {
		_ = term.Restore(fd, oldState)
		fmt.Fprintf(os.Stderr, "\r\nDisconnected from %s.\r\n", name)
	}()

	// Absorb SIGINT/SIGTERM so ctrl+C goes to the agent and the deferred
	// terminal restore always runs.
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)
	go func() {
		for range sigCh {
		}
	}()

	fmt.Fprintf(os.Stderr, "Connected to %s (escape: ^]).\r\n", name)
	return relay(ctx, conn)
}

// relay runs bidirectional I/O between the user terminal and the console
// connection.
func relay(ctx context.Context, conn net.Conn) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	errCh := make(chan error, 2) //nolint:mnd

	// console → stdout
	go func() {
		_, err := io.Copy(os.Stdout, conn)
		errCh <- err
		cancel()
	}()

	// stdin → console (with escape detection)
	go func() {
		err := relayStdin(ctx, os.Stdin, conn)
		errCh <- err
		cancel()
	}()

	select {
	case <-ctx.Done():
		select {
		case err := <-errCh:
			if err != nil && !isCleanExit(err) {
				return err
			}
		default:
		}
		return nil
	case err := <-errCh:
		if err == nil || isCleanExit(err) {
			select {
			case err2 := <-errCh:
				if err2 != nil && !isCleanExit(err2) {
					return err2
				}
			default:
			}
			return nil
		}
		return err
	}
}

// relayStdin reads from stdin and writes to the console with escape
// detection.
func relayStdin(ctx context.Context, stdin io.Reader, console io.Writer) error {
	state := stateNormal
	buf := make([]byte, 1)

	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}

		n, err := stdin.Read(buf)
		if n == 0 || err != nil {
			return err
		}
		b := buf[0]

		switch state {
		case stateNormal:
			if b == escapeChar {
				state = stateEscaped
				continue
			}
			if _, werr := console.Write(buf[:1]); werr != nil {
				return werr
			}

		case stateEscaped:
			state = stateNormal
			switch b {
			case '.':
				return nil // disconnect
			case '?':
				helpMsg := "\r\nSupported escape sequences:\r\n" +
					"  ^].  Disconnect\r\n" +
					"  ^]?  This help\r\n" +
					"  ^]^] Send ^]\r\n"
				_, _ = os.Stdout.Write([]byte(helpMsg))
			case escapeChar:
				if _, werr := console.Write([]byte{escapeChar}); werr != nil {
					return werr
				}
			default:
				// Unrecognized: forward both bytes.
				if _, werr := console.Write([]byte{escapeChar, b}); werr != nil {
					return werr
				}
			}
		}
	}
}

// isCleanExit reports errors that indicate a normal console disconnect.
func isCleanExit(err error) bool {
	return errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) || errors.Is(err, syscall.EIO)
}
