package qlogging

import (
	"fmt"

	"github.com/sirupsen/logrus"
)

// Configure applies level, formatter, and static fields to logrus's
// standard logger, returning a root Logger carrying those fields.
func Configure(level, formatter string, fields map[string]interface{}, reportCaller bool) (Logger, error) {
	lvl, err := logrus.ParseLevel(orDefault(level, "info"))
	if err != nil {
		return nil, fmt.Errorf("qlogging: %w", err)
	}
	logrus.SetLevel(lvl)
	logrus.SetReportCaller(reportCaller)

	switch formatter {
	case "", "text":
		logrus.SetFormatter(&logrus.TextFormatter{})
	case "json":
		logrus.SetFormatter(&logrus.JSONFormatter{})
	default:
		return nil, fmt.Errorf("qlogging: unknown formatter %q", formatter)
	}

	e := logrus.NewEntry(logrus.StandardLogger())
	if len(fields) > 0 {
		e = e.WithFields(logrus.Fields(fields))
	}
	return &entry{e}, nil
}

func orDefault(v, def string) string {
	if v == "" {
		return def
	}
	return v
}
