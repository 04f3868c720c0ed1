package viz

import (
	"fmt"
	"io"
	"math"
	"text/tabwriter"

	"github.com/guptarohit/asciigraph"

	"github.com/san-kum/treegrav/internal/storage"
)

const (
	PlotWidth  = 80
	PlotHeight = 12
)

// EnergyPlot draws the relative energy error of a run against iteration.
// With logScale the plot shows log10|de|, floored at 1e-16.
func EnergyPlot(rows []storage.EnergyRow, logScale bool) string {
	if len(rows) == 0 {
		return ""
	}
	data := make([]float64, len(rows))
	for i, r := range rows {
		data[i] = r.DE
		if logScale {
			data[i] = math.Log10(math.Max(math.Abs(r.DE), 1e-16))
		}
	}
	caption := "de vs iteration"
	if logScale {
		caption = "log10|de| vs iteration"
	}
	return asciigraph.Plot(data,
		asciigraph.Height(PlotHeight),
		asciigraph.Width(min(PlotWidth, max(len(data), 2))),
		asciigraph.Caption(caption),
	)
}

// ProfilePlot draws a density column of a profile CSV as read back from a
// run's stats directory.
func ProfilePlot(density []float64, caption string) string {
	if len(density) == 0 {
		return ""
	}
	data := make([]float64, len(density))
	for i, d := range density {
		data[i] = math.Log10(math.Max(d, 1e-12))
	}
	return asciigraph.Plot(data,
		asciigraph.Height(PlotHeight),
		asciigraph.Caption(caption),
	)
}

// RunTable lists runs, oldest first.
func RunTable(w io.Writer, runs []storage.RunMetadata) error {
	fmt.Fprintln(w, HeaderStyle.Render(fmt.Sprintf("%d runs", len(runs))))
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tMODEL\tTIME\tN\tRANKS\tSTEP\tFORCE\tITERS\tT")
	for _, r := range runs {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%d\t%s\t%s\t%d\t%g\n",
			r.ID,
			r.Model,
			r.Timestamp.Format("2006-01-02 15:04:05"),
			r.Bodies,
			r.Ranks,
			r.Timestep,
			r.Force,
			r.Iterations,
			r.FinalTime,
		)
	}
	return tw.Flush()
}
