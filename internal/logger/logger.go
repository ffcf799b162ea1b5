package logger

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"sort"
	"time"

	"github.com/mattn/go-isatty"
	"github.com/sirupsen/logrus"
)

const (
	colorReset  = "\033[0m"
	colorRed    = "\033[31m"
	colorGreen  = "\033[32m"
	colorYellow = "\033[33m"
	colorBlue   = "\033[34m"
	colorGray   = "\033[37m"
)

// PrettyFormatter renders one compact line per entry: time, level,
// message, then sorted key=value fields.
type PrettyFormatter struct {
	Colors bool
}

func NewPrettyFormatter(colors bool) *PrettyFormatter {
	return &PrettyFormatter{Colors: colors}
}

func (f *PrettyFormatter) Format(entry *logrus.Entry) ([]byte, error) {
	b := entry.Buffer
	if b == nil {
		b = &bytes.Buffer{}
	}

	fmt.Fprintf(b, "%s %s %s", entry.Time.Format(time.TimeOnly), f.colorizeLevel(entry.Level), entry.Message)

	keys := make([]string, 0, len(entry.Data))
	for k := range entry.Data {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for _, k := range keys {
		if f.Colors {
			fmt.Fprintf(b, " %s%s%s=%v", colorGray, k, colorReset, entry.Data[k])
		} else {
			fmt.Fprintf(b, " %s=%v", k, entry.Data[k])
		}
	}

	b.WriteByte('\n')
	return b.Bytes(), nil
}

func (f *PrettyFormatter) colorizeLevel(level logrus.Level) string {
	var color string
	var name string

	switch level {
	case logrus.TraceLevel, logrus.DebugLevel:
		color = colorBlue
		name = "DEBUG"
	case logrus.InfoLevel:
		color = colorGreen
		name = "INFO"
	case logrus.WarnLevel:
		color = colorYellow
		name = "WARN"
	case logrus.ErrorLevel, logrus.FatalLevel, logrus.PanicLevel:
		color = colorRed
		name = "ERROR"
	default:
		color = colorGray
		name = level.String()
	}

	if !f.Colors {
		return fmt.Sprintf("%-5s", name)
	}
	return fmt.Sprintf("%s%-5s%s", color, name, colorReset)
}

// NewLogger builds a logger writing to out at the given level. An
// unparsable level falls back to info.
func NewLogger(level string, out io.Writer) *logrus.Logger {
	if out == nil {
		out = os.Stderr
	}

	lvl, err := logrus.ParseLevel(level)
	if err != nil {
		lvl = logrus.InfoLevel
	}

	log := logrus.New()
	log.SetOutput(out)
	log.SetLevel(lvl)
	log.SetFormatter(NewPrettyFormatter(isTerminal(out)))
	return log
}

// NewNopLogger discards everything; used where a caller passes no logger.
func NewNopLogger() *logrus.Logger {
	log := logrus.New()
	log.SetOutput(io.Discard)
	return log
}

func isTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	if !ok {
		return false
	}
	return isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd())
}
