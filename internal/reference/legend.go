package reference

// LegendEntry names and colours one class for display.
type LegendEntry struct {
	ID          int    `json:"id"`
	Color       string `json:"color"`
	Description string `json:"description"`
}

var legends = map[string][]LegendEntry{
	"Spyrakos2018": {
		{1, "olivedrab", "Hypereutrophic waters"},
		{2, "black", "Common case waters"},
		{3, "cadetblue", "Clear waters"},
		{4, "tan", "Turbid waters with organic content"},
		{5, "chocolate", "Sediment-laden waters"},
		{6, "teal", "Balanced optical effects at shorter wavelengths"},
		{7, "blueviolet", "Highly productive cyanobacteria-dominated waters"},
		{8, "plum", "Productive with cyanobacteria waters"},
		{9, "red", "OWT2 with higher Rrs at shorter wavelengths"},
		{10, "orange", "CDOM-rich waters"},
		{11, "gold", "CDOM-rich with cyanobacteria waters"},
		{12, "firebrick", "Turbid waters with cyanobacteria"},
		{13, "mediumblue", "Very clear blue waters"},
	},
	"Bi2023": {
		{1, "navy", "Very clear blue oligotrophic waters"},
		{2, "royalblue", "Clear blue waters"},
		{3, "steelblue", "Blue-green waters with moderate pigment"},
		{4, "seagreen", "Green common case waters"},
		{5, "yellowgreen", "Productive waters with a red-edge peak"},
		{6, "darkkhaki", "Turbid waters"},
		{7, "sienna", "Very turbid sediment-dominated waters"},
		{8, "saddlebrown", "CDOM-dominated waters"},
		{9, "limegreen", "Cyanobacteria bloom waters"},
		{10, "darkolivegreen", "Scum-like waters with elevated NIR"},
	},
}

// Legend returns a copy of a database's legend.
func Legend(database string) ([]LegendEntry, bool) {
	l, ok := legends[database]
	if !ok {
		return nil, false
	}
	out := make([]LegendEntry, len(l))
	copy(out, l)
	return out, true
}

// Colors returns the legend colour names ordered by class id.
func Colors(legend []LegendEntry) []string {
	out := make([]string, len(legend))
	for i, e := range legend {
		out[i] = e.Color
	}
	return out
}
