package config

import (
	"io"
	"os"

	"github.com/rs/zerolog"
)

// NewLogger builds the process logger. With a file path it appends JSON
// lines there instead of stderr; the returned closer releases that file.
func NewLogger(level, file, service string) (zerolog.Logger, io.Closer, error) {
	lvl, err := zerolog.ParseLevel(level)
	if err != nil {
		return zerolog.Nop(), nil, err
	}
	var (
		out    io.Writer = os.Stderr
		closer io.Closer = io.NopCloser(nil)
	)
	if file != "" {
		f, err := os.OpenFile(file, os.O_RDWR|os.O_CREATE|os.O_APPEND, 0o666)
		if err != nil {
			return zerolog.Nop(), nil, err
		}
		out, closer = f, f
	}
	logger := zerolog.New(out).Level(lvl).With().Timestamp().Str("service", service).Logger()
	return logger, closer, nil
}
