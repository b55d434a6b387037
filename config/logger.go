package config

import (
	"io"
	"log"
	"os"
)

func (c *Config) setLogger() error {
	flags := log.Ldate | log.Ltime | log.LUTC
	switch c.LogTimezone {
	case "local":
		flags = log.Ldate | log.Ltime
	case "none":
		flags = 0
	}

	c.AccessLogger = log.New(os.Stdout, "", flags)
	c.ErrorLogger = log.New(os.Stderr, "", flags)

	if c.AccessLogLevel == "none" {
		c.AccessLogger.SetOutput(io.Discard)
	}

	return nil
}
