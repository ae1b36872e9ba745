package replication

import (
	"fmt"
	"log/slog"
	"os"
)

// raftLogger routes the consensus engine's own logging through slog, tagged
// with the owning group.
type raftLogger struct {
	l *slog.Logger
}

func newRaftLogger(group string) *raftLogger {
	return &raftLogger{
		l: slog.Default().WithGroup("raft").With("group", group),
	}
}

func (l *raftLogger) Debug(v ...interface{}) {
	l.l.Debug(fmt.Sprint(v...))
}

func (l *raftLogger) Info(v ...interface{}) {
	l.l.Info(fmt.Sprint(v...))
}

func (l *raftLogger) Warning(v ...interface{}) {
	l.l.Warn(fmt.Sprint(v...))
}

func (l *raftLogger) Error(v ...interface{}) {
	l.l.Error(fmt.Sprint(v...))
}

func (l *raftLogger) Fatal(v ...interface{}) {
	l.l.Error(fmt.Sprint(v...))
	os.Exit(1)
}

func (l *raftLogger) Panic(v ...interface{}) {
	l.l.Error(fmt.Sprint(v...))
	panic(fmt.Sprint(v...))
}

func (l *raftLogger) Debugf(format string, v ...interface{}) {
	l.l.Debug(fmt.Sprintf(format, v...))
}

func (l *raftLogger) Infof(format string, v ...interface{}) {
	l.l.Info(fmt.Sprintf(format, v...))
}

func (l *raftLogger) Warningf(format string, v ...interface{}) {
	l.l.Warn(fmt.Sprintf(format, v...))
}

func (l *raftLogger) Errorf(format string, v ...interface{}) {
	l.l.Error(fmt.Sprintf(format, v...))
}

func (l *raftLogger) Fatalf(format string, v ...interface{}) {
	l.l.Error(fmt.Sprintf(format, v...))
	os.Exit(1)
}

func (l *raftLogger) Panicf(format string, v ...interface{}) {
	msg := fmt.Sprintf(format, v...)
	l.l.Error(msg)
	panic(msg)
}
