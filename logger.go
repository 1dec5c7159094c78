package nrf24

import (
	"io"

	"github.com/sirupsen/logrus"
)

var globalLogger logrus.FieldLogger = logrus.StandardLogger()

// SetLogger sets the logger used by the driver.
// Passing nil silences the driver.
func SetLogger(l logrus.FieldLogger) {
	if l == nil {
		nop := logrus.New()
		nop.Out = io.Discard
		globalLogger = nop
		return
	}
	globalLogger = l
}
