// SPDX-License-Identifier: MIT

package covariate

import (
	"fmt"

	"github.com/katalvlaran/canopy/tabular"
)

// StandRecord is a plain in-memory Stand.
type StandRecord struct {
	ID          string
	Realization int
	BasalArea   float64 // m²/ha
	Density     float64 // stems/ha
	MeanTemp    float64 // °C
	Precip      float64 // mm/yr
	Elevation   float64 // m
	Slope       float64 // %
	Region      string
	Disturbance string
	Origin      string
}

var _ Stand = (*StandRecord)(nil)

func (s *StandRecord) SubjectID() string         { return s.ID }
func (s *StandRecord) Level() Level              { return PlotLevel }
func (s *StandRecord) RealizationID() int        { return s.Realization }
func (s *StandRecord) BasalAreaM2Ha() float64    { return s.BasalArea }
func (s *StandRecord) StemDensityHa() float64    { return s.Density }
func (s *StandRecord) MeanAnnualTempC() float64  { return s.MeanTemp }
func (s *StandRecord) AnnualPrecipMm() float64   { return s.Precip }
func (s *StandRecord) ElevationM() float64       { return s.Elevation }
func (s *StandRecord) SlopePct() float64         { return s.Slope }
func (s *StandRecord) EcoRegion() string         { return s.Region }
func (s *StandRecord) DisturbanceCode() string   { return s.Disturbance }
func (s *StandRecord) OriginCode() string        { return s.Origin }

// InRealization returns a copy of the stand tagged with realization r.
func (s *StandRecord) InRealization(r int) *StandRecord {
	cp := *s
	cp.Realization = r

	return &cp
}

// TreeRecord is a plain in-memory Tree.
type TreeRecord struct {
	ID          string
	StandID     string
	Realization int
	Species     string
	Dbh         float64 // cm
	Height      float64 // m; <= 0 when not measured
	BAL         float64 // m²/ha
}

var _ Tree = (*TreeRecord)(nil)

// SubjectID is unique within the stand: "<stand>/<tree>".
func (t *TreeRecord) SubjectID() string            { return t.StandID + "/" + t.ID }
func (t *TreeRecord) Level() Level                 { return TreeLevel }
func (t *TreeRecord) RealizationID() int           { return t.Realization }
func (t *TreeRecord) SpeciesCode() string          { return t.Species }
func (t *TreeRecord) DbhCm() float64               { return t.Dbh }
func (t *TreeRecord) HeightM() float64             { return t.Height }
func (t *TreeRecord) BasalAreaLargerM2Ha() float64 { return t.BAL }

// InRealization returns a copy of the tree tagged with realization r.
func (t *TreeRecord) InRealization(r int) *TreeRecord {
	cp := *t
	cp.Realization = r

	return &cp
}

// Inventory is a set of stands and their trees, in file order.
type Inventory struct {
	Stands []*StandRecord
	Trees  map[string][]*TreeRecord // keyed by stand id
}

// Column names of an inventory file; stand columns repeat on every tree row.
const (
	ColPlot        = "plot"
	ColTree        = "tree"
	ColSpecies     = "species"
	ColDbh         = "dbh"
	ColHeight      = "height"
	ColBAL         = "bal"
	ColBasalArea   = "basal_area"
	ColDensity     = "density"
	ColMeanTemp    = "mean_temp"
	ColPrecip      = "precip"
	ColElevation   = "elevation"
	ColSlope       = "slope"
	ColRegion      = "region"
	ColDisturbance = "disturbance"
	ColOrigin      = "origin"
)

// InventoryFromTable builds stands and trees from a denormalized tree list.
// plot, tree, species and dbh are mandatory; every other column is optional.
func InventoryFromTable(t *tabular.Table) (*Inventory, error) {
	if err := t.Require(ColPlot, ColTree, ColSpecies, ColDbh); err != nil {
		return nil, fmt.Errorf("covariate: inventory: %w", err)
	}
	inv := &Inventory{Trees: make(map[string][]*TreeRecord)}
	for _, rec := range t.Records() {
		plot := rec.String(ColPlot)
		dbh, err := rec.RequireFloat(ColDbh)
		if err != nil {
			return nil, fmt.Errorf("covariate: inventory: %w", err)
		}
		if _, ok := inv.Trees[plot]; !ok {
			inv.Stands = append(inv.Stands, &StandRecord{
				ID:          plot,
				BasalArea:   rec.Float(ColBasalArea),
				Density:     rec.Float(ColDensity),
				MeanTemp:    rec.Float(ColMeanTemp),
				Precip:      rec.Float(ColPrecip),
				Elevation:   rec.Float(ColElevation),
				Slope:       rec.Float(ColSlope),
				Region:      rec.String(ColRegion),
				Disturbance: rec.String(ColDisturbance),
				Origin:      rec.String(ColOrigin),
			})
		}
		inv.Trees[plot] = append(inv.Trees[plot], &TreeRecord{
			ID:      rec.String(ColTree),
			StandID: plot,
			Species: rec.String(ColSpecies),
			Dbh:     dbh,
			Height:  rec.Float(ColHeight),
			BAL:     rec.Float(ColBAL),
		})
	}

	return inv, nil
}
