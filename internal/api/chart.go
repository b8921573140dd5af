package api

import (
	"bytes"
	"fmt"
	"net/http"
	"time"

	"github.com/go-echarts/go-echarts/v2/charts"
	"github.com/go-echarts/go-echarts/v2/components"
	"github.com/go-echarts/go-echarts/v2/opts"

	"github.com/banshee-data/hdmi-cec/internal/httputil"
)

// echartsAssetsHost serves the echarts javascript.
const echartsAssetsHost = "https://go-echarts.github.io/go-echarts-assets/assets/"

// handleOpcodeChart renders a bar chart of journaled frames per opcode.
func (s *Server) handleOpcodeChart(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httputil.MethodNotAllowed(w)
		return
	}
	counts, err := s.opcodeCounts()
	if err != nil {
		httputil.WriteError(w, err, httputil.StatusRule{Err: errNoJournal, Status: http.StatusNotFound})
		return
	}

	x := make([]string, len(counts))
	y := make([]opts.BarData, len(counts))
	total := 0
	for i, c := range counts {
		x[i] = fmt.Sprintf("0x%02X %s", c.Opcode, c.Name)
		y[i] = opts.BarData{Name: c.Name, Value: c.Count}
		total += c.Count
	}

	bar := charts.NewBar()
	bar.SetGlobalOptions(
		charts.WithInitializationOpts(opts.Initialization{PageTitle: "CEC Opcodes", Width: "100%", Height: "720px", AssetsHost: echartsAssetsHost}),
		charts.WithTitleOpts(opts.Title{Title: "CEC Opcodes", Subtitle: fmt.Sprintf("frames=%d at %s", total, time.Now().Format(time.RFC3339))}),
		charts.WithTooltipOpts(opts.Tooltip{Show: opts.Bool(true)}),
		charts.WithXAxisOpts(opts.XAxis{Name: "opcode"}),
		charts.WithYAxisOpts(opts.YAxis{Name: "frames"}),
	)
	bar.SetXAxis(x).
		AddSeries("frames", y,
			charts.WithLabelOpts(opts.Label{Show: opts.Bool(true), Position: "top"}),
		)

	page := components.NewPage()
	page.SetAssetsHost(echartsAssetsHost)
	page.AddCharts(bar)

	var buf bytes.Buffer
	if err := page.Render(&buf); err != nil {
		httputil.InternalServerError(w, fmt.Sprintf("render error: %v", err))
		return
	}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	_, _ = w.Write(buf.Bytes())
}
