//go:build !windows

package logx

import (
	"log/syslog"

	lsyslog "github.com/sirupsen/logrus/hooks/syslog"
)

// initSyslog attaches a syslog hook (RutOS/OpenWrt logread)
func (l *Logger) initSyslog(tag string) error {
	hook, err := lsyslog.NewSyslogHook("", "", syslog.LOG_DAEMON|syslog.LOG_INFO, tag)
	if err != nil {
		return err
	}
	l.entry.Logger.AddHook(hook)
	return nil
}
