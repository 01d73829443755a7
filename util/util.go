package util

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/rs/zerolog"
)

// Debug is the active trace level; messages above it are dropped.
// Overridden with the ZIL_DEBUG environment variable.
var Debug uint64 = 1

var logger = zerolog.New(os.Stderr).With().Timestamp().Logger()

func init() {
	if s := os.Getenv("ZIL_DEBUG"); s != "" {
		if lvl, err := strconv.ParseUint(s, 10, 64); err == nil {
			Debug = lvl
		}
	}
}

// Logger returns a component-scoped structured logger for lifecycle
// events and warnings that stay visible regardless of the trace level.
func Logger(component string) zerolog.Logger {
	return logger.With().Str("component", component).Logger()
}

func DPrintf(level uint64, format string, a ...interface{}) {
	if level <= Debug {
		msg := strings.TrimSuffix(fmt.Sprintf(format, a...), "\n")
		logger.Debug().Uint64("level", level).Msg(msg)
	}
}

func CeilDiv(n uint64, sz uint64) uint64 {
	return (n + sz - 1) / sz
}

// RoundUp rounds n up to a multiple of sz.
func RoundUp(n uint64, sz uint64) uint64 {
	return CeilDiv(n, sz) * sz
}

func Min(n uint64, m uint64) uint64 {
	if n < m {
		return n
	} else {
		return m
	}
}

func Max(n uint64, m uint64) uint64 {
	if n > m {
		return n
	} else {
		return m
	}
}

func SumOverflows(n uint64, m uint64) bool {
	return n+m < n
}

func CloneByteSlice(s []byte) []byte {
	s2 := make([]byte, len(s))
	copy(s2, s)
	return s2
}
