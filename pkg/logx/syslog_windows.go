//go:build windows

package logx

import "errors"

// initSyslog is not supported on Windows
func (l *Logger) initSyslog(tag string) error {
	return errors.New("syslog not supported on windows")
}
