package viz

import (
	"bytes"
	"strings"
	"testing"
	"time"

	"github.com/charmbracelet/lipgloss"
	. "github.com/onsi/gomega"

	"github.com/san-kum/treegrav/internal/storage"
)

func TestEnergyPlot(t *testing.T) {
	g := NewWithT(t)
	g.Expect(EnergyPlot(nil, false)).To(BeEmpty())

	rows := make([]storage.EnergyRow, 200)
	for i := range rows {
		rows[i] = storage.EnergyRow{Iter: i, DE: 1e-8 * float64(i)}
	}
	g.Expect(EnergyPlot(rows, false)).To(ContainSubstring("de vs iteration"))
	g.Expect(EnergyPlot(rows, true)).To(ContainSubstring("log10|de|"))
}

func TestDriftStyle(t *testing.T) {
	tests := []struct {
		de   float64
		want string
	}{
		{0, "good"},
		{-5e-5, "good"},
		{1e-3, "fair"},
		{0.5, "bad"},
	}
	styles := map[string]lipgloss.Style{"good": Good, "fair": Fair, "bad": Bad}
	for _, tt := range tests {
		if got := DriftStyle(tt.de).GetForeground(); got != styles[tt.want].GetForeground() {
			t.Errorf("DriftStyle(%g) = %v, want %s", tt.de, got, tt.want)
		}
	}
}

func TestMetricsPadsLabels(t *testing.T) {
	g := NewWithT(t)
	out := Metrics([][2]string{{"n", "2"}, {"iterations", "1000"}})
	lines := strings.Split(strings.TrimSuffix(out, "\n"), "\n")
	g.Expect(lines).To(HaveLen(2))
	g.Expect(lines[0]).To(ContainSubstring("n:"))
	g.Expect(lines[1]).To(ContainSubstring("1000"))
}

func TestRunTable(t *testing.T) {
	g := NewWithT(t)
	var buf bytes.Buffer
	err := RunTable(&buf, []storage.RunMetadata{{
		ID: "kepler_1", Model: "kepler", Timestamp: time.Unix(0, 0).UTC(),
		Bodies: 2, Ranks: 1, Timestep: "shared", Force: "direct", Iterations: 1000, FinalTime: 1,
	}})
	g.Expect(err).NotTo(HaveOccurred())
	g.Expect(buf.String()).To(ContainSubstring("1 runs"))
	g.Expect(buf.String()).To(MatchRegexp(`kepler_1\s+kepler\s+1970-01-01 00:00:00\s+2\s+1\s+shared\s+direct\s+1000\s+1`))
}
