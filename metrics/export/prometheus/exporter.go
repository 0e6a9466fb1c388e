package prometheus

import (
	"bufio"
	"bytes"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/johnnydxm/dwayauth"
	"github.com/johnnydxm/dwayauth/metrics/export/internaldefs"
)

// ContentType is the text exposition format version written by Handler.
const ContentType = "text/plain; version=0.0.4; charset=utf-8"

type metricsSource interface {
	MetricsSnapshot() dwayauth.MetricsSnapshot
	AuditDropped() uint64
}

// PrometheusExporter renders engine metrics in the Prometheus text
// exposition format.
type PrometheusExporter struct {
	source metricsSource
}

// NewPrometheusExporter reads from engine on every scrape.
func NewPrometheusExporter(engine *dwayauth.Engine) *PrometheusExporter {
	return &PrometheusExporter{source: engine}
}

// NewPrometheusExporterFromSource reads from any snapshot source.
func NewPrometheusExporterFromSource(source metricsSource) *PrometheusExporter {
	return &PrometheusExporter{source: source}
}

// Handler serves the current metrics on every request.
func (p *PrometheusExporter) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", ContentType)
		_, _ = p.WriteTo(w)
	})
}

// Render returns the current metrics, or "" while the engine has metrics
// disabled.
func (p *PrometheusExporter) Render() string {
	var buf bytes.Buffer
	_, _ = p.WriteTo(&buf)
	return buf.String()
}

// WriteTo writes the exposition to w.
func (p *PrometheusExporter) WriteTo(w io.Writer) (int64, error) {
	if p == nil || p.source == nil {
		return 0, nil
	}
	snap := p.source.MetricsSnapshot()
	dropped := p.source.AuditDropped()
	if len(snap.Counters) == 0 && len(snap.Histograms) == 0 && dropped == 0 {
		return 0, nil
	}

	tw := &textWriter{w: bufio.NewWriter(w)}
	for _, def := range internaldefs.CounterDefs {
		tw.family(def.Name, "counter", def.Help)
		tw.sample(def.Name, "", snap.Counters[def.ID])
	}
	for _, def := range internaldefs.HistogramDefs {
		cum := internaldefs.CumulativeBuckets(internaldefs.NormalizeBuckets(snap.Histograms[def.ID]))
		tw.family(def.Name, "histogram", def.Help)
		for i, le := range internaldefs.HistogramBounds {
			tw.sample(def.Name+"_bucket", le, cum[i])
		}
		tw.sample(def.Name+"_count", "", cum[len(cum)-1])
		tw.write(def.Name, "_sum ", strconv.FormatFloat(snap.LatencySums[def.ID].Seconds(), 'g', -1, 64), "\n")
	}
	tw.family(internaldefs.AuditDroppedName, "counter", "Audit events dropped on a full buffer.")
	tw.sample(internaldefs.AuditDroppedName, "", dropped)

	return tw.flush()
}

// textWriter keeps the first write error and the byte count.
type textWriter struct {
	w   *bufio.Writer
	n   int64
	err error
}

func (t *textWriter) write(parts ...string) {
	for _, s := range parts {
		if t.err != nil {
			return
		}
		n, err := t.w.WriteString(s)
		t.n += int64(n)
		t.err = err
	}
}

func (t *textWriter) family(name, typ, help string) {
	t.write("# HELP ", name, " ", escapeHelp(help), "\n")
	t.write("# TYPE ", name, " ", typ, "\n")
}

func (t *textWriter) sample(name, le string, v uint64) {
	if le != "" {
		name += `{le="` + le + `"}`
	}
	t.write(name, " ", strconv.FormatUint(v, 10), "\n")
}

func (t *textWriter) flush() (int64, error) {
	if t.err != nil {
		return t.n, t.err
	}
	return t.n, t.w.Flush()
}

var helpEscaper = strings.NewReplacer(`\`, `\\`, "\n", `\n`)

func escapeHelp(help string) string {
	return helpEscaper.Replace(help)
}
