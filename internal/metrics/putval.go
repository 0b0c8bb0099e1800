package metrics

import (
	"context"
	"fmt"
	"io"
	"math"
	"strconv"
	"strings"
	"sync"
)

// PutvalSink writes collectd's plain-text protocol, one line per value
// list, so the daemon can run under collectd's exec plugin:
//
//	PUTVAL "node-1/systemd-sshd.service/gauge-active" interval=30.000 1700000000:1
type PutvalSink struct {
	mu sync.Mutex
	w  io.Writer
}

func NewPutvalSink(w io.Writer) *PutvalSink { return &PutvalSink{w: w} }

func (p *PutvalSink) Name() string { return "putval" }

func (p *PutvalSink) Write(ctx context.Context, vl ValueList) error {
	line := FormatPutval(vl)
	p.mu.Lock()
	defer p.mu.Unlock()
	_, err := io.WriteString(p.w, line)
	return err
}

// FormatPutval renders vl as a newline-terminated PUTVAL command.
func FormatPutval(vl ValueList) string {
	var b strings.Builder
	b.WriteString("PUTVAL ")
	b.WriteString(quoteIdentifier(vl.Identifier()))
	if vl.Interval > 0 {
		fmt.Fprintf(&b, " interval=%.3f", vl.Interval.Seconds())
	}
	b.WriteByte(' ')
	if vl.Time.IsZero() {
		b.WriteString("N")
	} else {
		b.WriteString(strconv.FormatInt(vl.Time.Unix(), 10))
	}
	for _, v := range vl.Values {
		b.WriteByte(':')
		if math.IsNaN(v) {
			b.WriteString("U")
			continue
		}
		b.WriteString(strconv.FormatFloat(v, 'g', -1, 64))
	}
	b.WriteByte('\n')
	return b.String()
}

var identifierEscaper = strings.NewReplacer(`\`, `\\`, `"`, `\"`)

// quoteIdentifier double-quotes s, escaping only backslash and quote: the
// collectd text protocol knows no other escapes.
func quoteIdentifier(s string) string {
	return `"` + identifierEscaper.Replace(s) + `"`
}
