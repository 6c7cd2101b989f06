package logging

import (
	"fmt"
	"strings"

	"github.com/sirupsen/logrus"
)

// CommandLineFormatter prints the bare message for a user to read. Warnings and errors are prefixed with their
// level; fields are dropped.
type CommandLineFormatter struct{}

func (f *CommandLineFormatter) Format(entry *logrus.Entry) ([]byte, error) {
	if entry.Level <= logrus.WarnLevel {
		return []byte(fmt.Sprintf("%s: %s\n", strings.ToUpper(entry.Level.String()), entry.Message)), nil
	}
	return []byte(entry.Message + "\n"), nil
}
