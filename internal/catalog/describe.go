package catalog

import (
	"fmt"
	"path/filepath"
	"strings"

	geoscale "github.com/ZanzyTHEbar/geoscale-genkit"
)

// BoundariesCategory holds administrative areas used for filtering by place name.
const BoundariesCategory = "boundaries"

// categoryKeywords are appended to descriptions so short queries ("cheap
// flats", "metro") land on the right dataset.
var categoryKeywords = map[string]string{
	"tourism":                 "restaurants, food, dining, hotels, accommodation, nightlife, bars, clubs",
	"services":                "shops, stores, markets, pharmacies, police, schools, universities, malls",
	"transport":               "metro, subway, train, bus, tram, stops, stations, streets, roads",
	"culture":                 "museums, theaters, monuments, art, history, cinemas, galleries, auditoriums, residencies",
	"environment":             "parks, gardens, trees, green spaces, nature, noise, air quality, pollution, sound",
	"population":              "census, demographics, inhabitants, residents, population density",
	"remarkable_architecture": "architecture, buildings, palaces, churches, religious, noble, monuments, heritage",
	"housing":                 "houses, property, real estate, prices, cost, cheap, expensive, rent, buy, apartments, residential, home",
}

// InferCategory derives a category from a dataset's path: the parent directory
// name, or a guess from the file name when the directory is the generic data root.
func InferCategory(path, dataRoot string) string {
	dir := filepath.Dir(path)
	category := strings.ToLower(filepath.Base(dir))
	generic := category == "data" || category == "." || (dataRoot != "" && filepath.Clean(dir) == filepath.Clean(dataRoot))
	if !generic {
		return category
	}

	name := strings.ToLower(filepath.Base(path))
	switch {
	case strings.Contains(name, "house"), strings.Contains(name, "property"), strings.Contains(name, "apartment"):
		return "housing"
	case strings.Contains(name, "street"), strings.Contains(name, "metro"), strings.Contains(name, "station"):
		return "transport"
	case strings.Contains(name, "freguesia"), strings.Contains(name, "boundar"), strings.Contains(name, "district"):
		return BoundariesCategory
	}
	return ""
}

// Describe builds the descriptive text of a dataset from its metadata, adding
// category keywords. An explicit description is kept and enriched.
func Describe(d geoscale.DatasetDescriptor) string {
	var b strings.Builder
	if d.Description != "" {
		b.WriteString(d.Description)
		b.WriteString("\n")
	}
	fmt.Fprintf(&b, "Dataset: %s\n", d.Title)
	if d.Category != "" {
		fmt.Fprintf(&b, "Category: %s\n", d.Category)
	}
	fmt.Fprintf(&b, "Columns: %s\n", strings.Join(d.AttributeNames(), ", "))
	fmt.Fprintf(&b, "Geometry: %s\n", d.Kind)
	fmt.Fprintf(&b, "CRS: %s", d.CRS)

	if d.Category == BoundariesCategory || strings.Contains(strings.ToLower(d.ID), "freguesia") {
		b.WriteString("\nAdministrative boundaries, neighbourhoods, districts and parishes. Use for filtering by location name.")
	}
	if kw, ok := categoryKeywords[d.Category]; ok {
		fmt.Fprintf(&b, "\nKeywords: %s", kw)
	}
	return b.String()
}

// Keywords returns the enrichment keywords for a category.
func Keywords(category string) (string, bool) {
	kw, ok := categoryKeywords[category]
	return kw, ok
}
