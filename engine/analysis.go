package engine

import (
	"github.com/tmerz/assetcalc/hierarchy"
)

// AttributeReport summarises the evaluation plan of one transformed
// attribute for configuration checks.
type AttributeReport struct {
	NodeID      string
	AttributeID string
	Name        string
	Expression  string
	Inputs      []string
	Errors      []string
}

// AnalyzeModel builds the evaluation plan for every attribute carrying a
// transformation and reports unresolved references, cycles and parse
// failures without running any job.
func AnalyzeModel(store *hierarchy.Store) []AttributeReport {
	var reports []AttributeReport
	for _, nodeID := range store.NodeIDs() {
		info, err := store.GetNode(nodeID)
		if err != nil {
			continue
		}
		for _, attr := range info.Attributes {
			if attr.Transformation == "" {
				continue
			}
			report := AttributeReport{
				NodeID:      nodeID,
				AttributeID: attr.ID,
				Name:        attr.Name,
				Expression:  attr.Transformation,
			}
			snapshot, err := store.AttributeSnapshot(nodeID, attr.ID)
			if err != nil {
				report.Errors = append(report.Errors, err.Error())
				reports = append(reports, report)
				continue
			}
			plan, err := buildPlan(snapshot)
			if err != nil {
				report.Errors = append(report.Errors, err.Error())
				reports = append(reports, report)
				continue
			}
			for _, step := range plan.steps {
				if step.attr.ID != attr.ID {
					continue
				}
				for _, input := range step.inputs {
					report.Inputs = append(report.Inputs, input.name)
				}
			}
			reports = append(reports, report)
		}
	}
	return reports
}
