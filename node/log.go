package node

import "github.com/sirupsen/logrus"

var log = logrus.New()

func init() {
	log.SetLevel(logrus.InfoLevel)
	log.SetFormatter(&logrus.TextFormatter{
		FullTimestamp: true,
		FieldMap: logrus.FieldMap{
			logrus.FieldKeyTime:  "@timestamp",
			logrus.FieldKeyLevel: "@level",
			logrus.FieldKeyMsg:   "@message",
		},
	})
}

func SetLogLevel(level logrus.Level) {
	log.SetLevel(level)
}

// Logger exposes the package logger so commands share its format.
func Logger() *logrus.Logger {
	return log
}
