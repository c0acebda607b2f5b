package geo

import (
	"encoding/json"
	"fmt"

	geoscale "github.com/ZanzyTHEbar/geoscale-genkit"
	"github.com/paulmach/orb/geojson"
)

// legacyCRS is the pre-RFC 7946 "crs" member some exporters still write.
type legacyCRS struct {
	CRS *struct {
		Type       string `json:"type"`
		Properties struct {
			Name string `json:"name"`
		} `json:"properties"`
	} `json:"crs"`
}

// DetectCRS returns the reference system declared by a FeatureCollection, or
// DefaultCRS when none is declared.
func DetectCRS(data []byte) string {
	var c legacyCRS
	if err := json.Unmarshal(data, &c); err != nil || c.CRS == nil || c.CRS.Properties.Name == "" {
		return DefaultCRS
	}
	return NormalizeCRS(c.CRS.Properties.Name)
}

// DecodeLayer parses a GeoJSON FeatureCollection into a layer. Descriptor
// fields left empty (kind, schema, CRS) are inferred from the data.
func DecodeLayer(desc geoscale.DatasetDescriptor, data []byte) (*Layer, error) {
	fc, err := geojson.UnmarshalFeatureCollection(data)
	if err != nil {
		return nil, fmt.Errorf("dataset '%s': invalid GeoJSON: %w", desc.ID, err)
	}

	records := make([]Record, 0, len(fc.Features))
	for _, f := range fc.Features {
		if f.Geometry == nil {
			continue
		}
		props := make(map[string]interface{}, len(f.Properties))
		for k, v := range f.Properties {
			props[k] = v
		}
		records = append(records, Record{Geometry: f.Geometry, Properties: props})
	}

	if desc.CRS == "" {
		desc.CRS = DetectCRS(data)
	}
	desc.CRS = NormalizeCRS(desc.CRS)
	if desc.Kind == "" {
		kind, err := InferKind(records)
		if err != nil {
			return nil, fmt.Errorf("dataset '%s': %w", desc.ID, err)
		}
		desc.Kind = kind
	}
	if len(desc.Schema) == 0 {
		desc.Schema = InferSchema(records)
	}

	layer := &Layer{Descriptor: desc, Records: records}
	if err := layer.Validate(); err != nil {
		return nil, err
	}
	return layer, nil
}

// ShadowedName renames an attribute whose name a computed value takes. The
// "attr_" prefix is repeated until taken reports the name free.
func ShadowedName(name string, taken func(string) bool) string {
	out := "attr_" + name
	for taken(out) {
		out = "attr_" + out
	}
	return out
}

// FeatureCollection converts the selected records (all when idx is nil) into a
// GeoJSON FeatureCollection. extra adds per-feature properties by position; a
// record property it would overwrite moves to its ShadowedName.
func (l *Layer) FeatureCollection(idx []int, extra func(pos int) map[string]interface{}) *geojson.FeatureCollection {
	fc := geojson.NewFeatureCollection()
	if idx == nil {
		idx = make([]int, len(l.Records))
		for i := range idx {
			idx[i] = i
		}
	}
	for pos, i := range idx {
		rec := l.Records[i]
		f := geojson.NewFeature(rec.Geometry)
		for k, v := range rec.Properties {
			f.Properties[k] = v
		}
		if extra != nil {
			added := extra(pos)
			for k, v := range added {
				if orig, ok := rec.Properties[k]; ok {
					f.Properties[ShadowedName(k, func(n string) bool {
						_, inRec := rec.Properties[n]
						_, inExtra := added[n]
						return inRec || inExtra
					})] = orig
				}
				f.Properties[k] = v
			}
		}
		fc.Append(f)
	}
	return fc
}
