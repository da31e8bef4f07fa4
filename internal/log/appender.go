package log

import (
	"io"

	"go.uber.org/multierr"
)

// outputs fans each formatted line out to stdout and the optional file.
// logrus serializes writes, so no extra locking is needed. A failing
// output does not stop the others.
type outputs []io.Writer

func (o outputs) Write(p []byte) (int, error) {
	var err error
	for _, w := range o {
		if _, e := w.Write(p); e != nil {
			err = multierr.Append(err, e)
		}
	}
	return len(p), err
}

// Close closes every output that owns a resource.
func (o outputs) Close() error {
	var err error
	for _, w := range o {
		if c, ok := w.(io.Closer); ok && w != io.Writer(stdout) {
			err = multierr.Append(err, c.Close())
		}
	}
	return err
}
