package mainboilerplate

import (
	log "github.com/sirupsen/logrus"
)

// LogConfig configures handling of application log events.
type LogConfig struct {
	Level  string `long:"level" env:"LEVEL" default:"info" choice:"trace" choice:"debug" choice:"info" choice:"warn" choice:"error" choice:"fatal" description:"Logging level"`
	Format string `long:"format" env:"FORMAT" default:"text" choice:"json" choice:"text" choice:"color" description:"Logging output format"`
	Caller bool   `long:"caller" env:"CALLER" description:"Report the calling function of each log event"`
}

var logFormatters = map[string]func() log.Formatter{
	"json":  func() log.Formatter { return &log.JSONFormatter{} },
	"text":  func() log.Formatter { return &log.TextFormatter{FullTimestamp: true} },
	"color": func() log.Formatter { return &log.TextFormatter{FullTimestamp: true, ForceColors: true} },
}

// InitLog configures the standard logger.
func InitLog(cfg LogConfig) {
	if fn, ok := logFormatters[cfg.Format]; ok {
		log.SetFormatter(fn())
	}
	log.SetReportCaller(cfg.Caller)

	var lvl, err = log.ParseLevel(cfg.Level)
	if err != nil {
		log.WithField("err", err).Fatal("unrecognized log level")
	}
	log.SetLevel(lvl)
}
