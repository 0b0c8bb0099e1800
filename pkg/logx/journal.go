package logx

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/coreos/go-systemd/v22/journal"
	"github.com/rs/zerolog"
)

type journalSender func(msg string, pri journal.Priority, vars map[string]string) error

func sendJournal(msg string, pri journal.Priority, vars map[string]string) error {
	return journal.Send(msg, pri, vars)
}

// journalAvailable is a var so tests can force the sink on hosts without journald.
var journalAvailable = journal.Enabled

// ---- journald writer (zerolog sink) ----

type journalWriter struct{ svc *Service }

func (w *journalWriter) Write(p []byte) (int, error) {
	// Default to info when WriteLevel isn't used.
	return w.WriteLevel(zerolog.InfoLevel, p)
}

func (w *journalWriter) WriteLevel(level zerolog.Level, p []byte) (int, error) {
	s := w.svc
	if s == nil {
		return len(p), nil
	}

	s.mu.Lock()
	send := s.journal
	lim := s.limiter
	min := s.minLevel
	s.mu.Unlock()

	if send == nil || lim == nil {
		return len(p), nil
	}
	if level < min {
		return len(p), nil
	}
	if !lim.Allow() {
		return len(p), nil
	}

	msg, vars := journalEntry(p)
	if msg == "" {
		return len(p), nil
	}
	// Never fail the primary log write because journald is unhappy.
	_ = send(msg, journalPriority(level), vars)
	return len(p), nil
}

func journalPriority(level zerolog.Level) journal.Priority {
	switch level {
	case zerolog.TraceLevel, zerolog.DebugLevel:
		return journal.PriDebug
	case zerolog.InfoLevel:
		return journal.PriInfo
	case zerolog.WarnLevel:
		return journal.PriWarning
	case zerolog.ErrorLevel:
		return journal.PriErr
	case zerolog.FatalLevel:
		return journal.PriCrit
	case zerolog.PanicLevel:
		return journal.PriEmerg
	default:
		return journal.PriNotice
	}
}

// journalEntry decodes a zerolog JSON line into a journald message plus
// structured fields. Field names are upper-cased to satisfy journald's
// [A-Z0-9_] naming rule.
func journalEntry(p []byte) (string, map[string]string) {
	var m map[string]any
	if err := json.Unmarshal(p, &m); err != nil {
		return strings.TrimSpace(string(p)), nil
	}

	msg, _ := m[zerolog.MessageFieldName].(string)

	keys := make([]string, 0, len(m))
	for k := range m {
		if k == zerolog.MessageFieldName || k == zerolog.TimestampFieldName || k == zerolog.LevelFieldName {
			continue
		}
		keys = append(keys, k)
	}
	sort.Strings(keys)

	vars := make(map[string]string, len(keys))
	for _, k := range keys {
		name := journalFieldName(k)
		if name == "" {
			continue
		}
		vars[name] = fmt.Sprint(m[k])
	}
	return msg, vars
}

func journalFieldName(k string) string {
	var b strings.Builder
	for _, r := range strings.ToUpper(k) {
		switch {
		case r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '_':
			b.WriteRune(r)
		default:
			b.WriteByte('_')
		}
	}
	// Leading underscores are reserved for trusted fields.
	return strings.TrimLeft(b.String(), "_")
}
