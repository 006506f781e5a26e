// Package common provides the shared logging infrastructure and domain types
// used across all lirevox services and workers.
//
// The logging system is built on logrus for structured logging with custom
// output handling: error-level messages are directed to stderr while info,
// debug, and warning messages go to stdout, so containerized deployments can
// route the two streams independently.
package common

import (
	"bytes"
	"os"

	"github.com/sirupsen/logrus"
)

// OutputSplitter routes formatted log lines to stdout or stderr based on
// their severity level. Error-level lines (containing "level=error") go to
// stderr; everything else goes to stdout.
type OutputSplitter struct{}

// Write implements io.Writer for the OutputSplitter.
func (splitter *OutputSplitter) Write(p []byte) (n int, err error) {
	if bytes.Contains(p, []byte("level=error")) {
		return os.Stderr.Write(p)
	}
	return os.Stdout.Write(p)
}

// Logger is the global logger instance shared by all packages. Services may
// replace it at startup with a logger built by NewLogger.
var Logger = logrus.New()

func init() {
	Logger.SetOutput(&OutputSplitter{})
	Logger.SetFormatter(&logrus.TextFormatter{
		FullTimestamp: true,
	})
}
