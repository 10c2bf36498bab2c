package bridge

import (
	"context"
	"errors"
	"io"
	"os"

	"github.com/danmuck/kernelbridge/internal/sidecar"
	"github.com/rs/zerolog/log"
)

// Attach relays in to the session and the session to out, one envelope line
// at a time. It returns when the router closes its outbound pipe or ctx is
// done. End of in closes toSession, which ends the session.
func Attach(ctx context.Context, fromSession io.ReadCloser, toSession io.WriteCloser, in io.Reader, out io.Writer) error {
	logger := log.With().Str("component", "attach").Logger()

	go func() {
		_, err := io.Copy(toSession, in)
		if err != nil && !errors.Is(err, os.ErrClosed) {
			logger.Debug().Err(err).Msg("host input ended")
		}
		_ = toSession.Close()
	}()

	done := make(chan error, 1)
	go func() {
		done <- relayLines(fromSession, out)
	}()

	select {
	case <-ctx.Done():
		_ = fromSession.Close()
		_ = toSession.Close()
		return ctx.Err()
	case err := <-done:
		return err
	}
}

// relayLines copies whole lines so a consumer never sees a partial envelope.
func relayLines(src io.ReadCloser, dst io.Writer) error {
	reader := sidecar.NewLineReader(src, sidecar.DefaultMaxLine)
	for {
		line, err := reader.ReadLine()
		if err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, os.ErrClosed) {
				return nil
			}
			return err
		}
		if _, err := dst.Write(append(line, '\n')); err != nil {
			return err
		}
	}
}
