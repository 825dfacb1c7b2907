package kubeexec

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"golang.org/x/sync/errgroup"
)

// Output runs the command described by spec to completion, optionally
// feeding stdin, and returns the remote stdout. The session is always torn
// down before returning.
func Output(ctx context.Context, tr Transport, spec ExecSpec, stdin io.Reader) (string, error) {
	spec.Stdin = stdin != nil

	sess, err := tr.OpenExec(ctx, spec)
	if err != nil {
		return "", err
	}
	defer sess.Close()

	var g errgroup.Group
	if stdin != nil {
		w := sess.Stdin()
		g.Go(func() error {
			// Close after the payload so the remote pipeline sees EOF.
			defer w.Close()
			_, err := io.Copy(w, stdin)
			if err != nil && !errors.Is(err, io.ErrClosedPipe) {
				// A closed pipe just means the remote process exited
				// without draining stdin; its exit status decides.
				return fmt.Errorf("writing exec stdin: %w", err)
			}
			return nil
		})
	}

	var out strings.Builder
	g.Go(func() error {
		if _, err := io.Copy(&out, sess.Stdout()); err != nil {
			return fmt.Errorf("reading exec stdout: %w", err)
		}
		return nil
	})

	if err := g.Wait(); err != nil {
		return "", err
	}
	if err := sess.Wait(); err != nil {
		return "", err
	}
	return out.String(), nil
}
