package tools

import (
	"context"
	"fmt"

	geoscale "github.com/ZanzyTHEbar/geoscale-genkit"
	"github.com/ZanzyTHEbar/geoscale-genkit/internal/geo"
)

// DescribeDataset reports a loaded layer's size, schema and reference system.
type DescribeDataset struct {
	base
	store *geo.Store
}

// NewDescribeDataset creates the describe_dataset tool over store.
func NewDescribeDataset(store *geo.Store) *DescribeDataset {
	return &DescribeDataset{
		store: store,
		base: base{spec: geoscale.ToolSpec{
			Name:        "describe_dataset",
			Description: "Describe a loaded dataset: record count, geometry kind, reference system and each attribute with its type, non-null count and an example value.",
			Args: []geoscale.ArgSpec{
				{Name: "dataset", Type: geoscale.ArgString, Required: true},
			},
			Returns:    "table attribute, type, non_null, example; scalars records, kind, crs",
			Idempotent: true,
			Category:   "catalog",
		}},
	}
}

func (t *DescribeDataset) Execute(ctx context.Context, args map[string]interface{}) (*geoscale.Payload, error) {
	id := stringArg(args, "dataset", "")
	layer, err := t.store.Get(id)
	if err != nil {
		return nil, err
	}

	table := &geoscale.Table{Columns: []geoscale.Column{
		{Name: "attribute", Type: geoscale.AttrString},
		{Name: "type", Type: geoscale.AttrString},
		{Name: "non_null", Type: geoscale.AttrNumber},
		{Name: "example", Type: geoscale.AttrString},
	}}
	for _, col := range attributeColumns(layer) {
		nonNull := 0
		var example interface{}
		for _, rec := range layer.Records {
			if v, ok := rec.Properties[col.Name]; ok && v != nil {
				nonNull++
				if example == nil {
					example = fmt.Sprint(cellValue(v))
				}
			}
		}
		table.Rows = append(table.Rows, []interface{}{col.Name, string(col.Type), float64(nonNull), example})
	}

	bound := layer.Bound()
	return &geoscale.Payload{
		Table: table,
		Scalars: map[string]interface{}{
			"dataset": id,
			"title":   layer.Descriptor.Title,
			"records": float64(len(layer.Records)),
			"kind":    string(layer.Descriptor.Kind),
			"crs":     layer.CRS(),
			"version": float64(layer.Version),
			"bbox":    []float64{bound.Min.X(), bound.Min.Y(), bound.Max.X(), bound.Max.Y()},
		},
	}, nil
}
