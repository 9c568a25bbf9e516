package runtime

import (
	"bufio"
	"context"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog"
)

// WatchOperator returns a channel that is closed the first time the operator
// asks to stop: SIGINT, SIGTERM or a newline on in. A closed or absent in
// (nil, /dev/null under a supervisor) never counts as a request. The watch
// ends when ctx is done.
func WatchOperator(ctx context.Context, in io.Reader, logger zerolog.Logger) <-chan struct{} {
	stop := make(chan struct{})

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	lineCh := make(chan struct{}, 1)
	if in != nil {
		go readLine(in, lineCh, logger)
	}

	go func() {
		defer signal.Stop(sigCh)
		select {
		case s := <-sigCh:
			logger.Info().Str("signal", s.String()).Msg("received signal, stopping")
			close(stop)
		case <-lineCh:
			logger.Info().Msg("operator pressed enter, stopping")
			close(stop)
		case <-ctx.Done():
		}
	}()
	return stop
}

func readLine(in io.Reader, out chan<- struct{}, logger zerolog.Logger) {
	r := bufio.NewReader(in)
	if _, err := r.ReadString('\n'); err != nil {
		logger.Debug().Err(err).Msg("stdin closed, enter-to-stop disabled")
		return
	}
	out <- struct{}{}
}
