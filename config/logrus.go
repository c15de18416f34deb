package config

import (
	"os"
	"strings"

	"github.com/sirupsen/logrus"
)

var (
	logg *logrus.Logger
)

func GetLogger() *logrus.Logger {
	return logg
}

func init() {
	logg = logrus.New()
	logg.SetFormatter(&logrus.JSONFormatter{})
	logg.SetLevel(logLevelFromEnv())
	logg.SetOutput(os.Stdout)
}

// LOG_LEVEL accepts any logrus level name; default is warn so propagation
// warnings are visible.
func logLevelFromEnv() logrus.Level {
	v := strings.TrimSpace(os.Getenv("LOG_LEVEL"))
	if v == "" {
		return logrus.WarnLevel
	}
	lvl, err := logrus.ParseLevel(v)
	if err != nil {
		return logrus.WarnLevel
	}
	return lvl
}

func LogError(logger *logrus.Logger, moduleName string, funcName string, context string, data any, err error) {
	if logger == nil || err == nil {
		return
	}
	fields := logrus.Fields{
		"module":   moduleName,
		"funcName": funcName,
		"context":  context,
	}
	if data != nil {
		fields["data"] = data
	}
	logger.WithFields(fields).Error(err.Error())
}

// LogWarning is LogError's counterpart for recoverable failures.
func LogWarning(logger *logrus.Logger, moduleName string, funcName string, context string, data any, err error) {
	if logger == nil || err == nil {
		return
	}
	fields := logrus.Fields{
		"module":   moduleName,
		"funcName": funcName,
		"context":  context,
	}
	if data != nil {
		fields["data"] = data
	}
	logger.WithFields(fields).Warn(err.Error())
}
