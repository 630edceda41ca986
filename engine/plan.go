package engine

import (
	"fmt"
	"sort"
	"time"

	"github.com/tmerz/assetcalc/eval"
	"github.com/tmerz/assetcalc/hierarchy"
	"github.com/tmerz/assetcalc/series"
)

// selfBinding is the identifier bound to an attribute's own source tag
// inside its transformation expression.
const selfBinding = "val"

type tagFetch struct {
	key      string
	provider string
	tag      string
}

type stepInput struct {
	name   string
	tagKey string
	depID  string
}

type planStep struct {
	attr    hierarchy.Attribute
	order   int
	program *eval.Program
	inputs  []stepInput
}

// evalPlan is the ordered evaluation plan for one target attribute. The
// plan is computed once per job from the submission-time snapshot and
// reused for every timestamp of the requested range.
type evalPlan struct {
	snapshot hierarchy.Snapshot
	steps    []*planStep
	target   string
	tags     []tagFetch
}

func buildPlan(snap hierarchy.Snapshot) (*evalPlan, error) {
	plan := &evalPlan{snapshot: snap, target: snap.Target.ID}
	builder := &planBuilder{
		snap:  snap,
		steps: make(map[string]*planStep),
		tags:  make(map[string]tagFetch),
	}
	if err := builder.addAttribute(snap.Target); err != nil {
		return nil, err
	}
	ordered, err := builder.topoSort()
	if err != nil {
		return nil, err
	}
	plan.steps = ordered
	keys := make([]string, 0, len(builder.tags))
	for key := range builder.tags {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	for _, key := range keys {
		plan.tags = append(plan.tags, builder.tags[key])
	}
	return plan, nil
}

type planBuilder struct {
	snap  hierarchy.Snapshot
	steps map[string]*planStep
	tags  map[string]tagFetch
}

func (b *planBuilder) addAttribute(attr hierarchy.Attribute) error {
	if _, exists := b.steps[attr.ID]; exists {
		return nil
	}
	if attr.Inert() {
		return &InertAttributeError{Attribute: attr.ID}
	}
	step := &planStep{attr: attr, order: b.declarationOrder(attr.ID)}
	b.steps[attr.ID] = step

	if attr.Transformation == "" {
		step.inputs = append(step.inputs, stepInput{
			name:   attr.SourceTag,
			tagKey: b.registerTag(b.snap.DataSource, attr.SourceTag),
		})
		return nil
	}

	program, err := eval.Compile(attr.Transformation)
	if err != nil {
		return err
	}
	step.program = program

	for _, name := range program.Identifiers() {
		input, err := b.resolveIdentifier(attr, name)
		if err != nil {
			return err
		}
		step.inputs = append(step.inputs, input)
		if input.depID != "" {
			dep, ok := b.sibling(input.depID)
			if !ok {
				return &UnresolvedReferenceError{Identifier: name, Attribute: attr.ID}
			}
			if err := b.addAttribute(dep); err != nil {
				return err
			}
		}
	}
	for _, ref := range program.Qualified() {
		input, err := b.resolveQualified(attr, ref)
		if err != nil {
			return err
		}
		step.inputs = append(step.inputs, input)
	}
	return nil
}

func (b *planBuilder) resolveIdentifier(attr hierarchy.Attribute, name string) (stepInput, error) {
	if name == selfBinding {
		if attr.SourceTag == "" {
			return stepInput{}, &UnresolvedReferenceError{Identifier: name, Attribute: attr.ID}
		}
		return stepInput{name: name, tagKey: b.registerTag(b.snap.DataSource, attr.SourceTag)}, nil
	}
	for _, sibling := range b.snap.Siblings {
		if sibling.Name == name {
			return stepInput{name: name, depID: sibling.ID}, nil
		}
	}
	for _, sibling := range b.snap.Siblings {
		if sibling.SourceTag != "" && sibling.SourceTag == name {
			return stepInput{name: name, tagKey: b.registerTag(b.snap.DataSource, sibling.SourceTag)}, nil
		}
	}
	return stepInput{}, &UnresolvedReferenceError{Identifier: name, Attribute: attr.ID}
}

func (b *planBuilder) resolveQualified(attr hierarchy.Attribute, ref eval.QualifiedRef) (stepInput, error) {
	for _, ancestor := range b.snap.Ancestors {
		if ancestor.NodeName != ref.Base && ancestor.NodeID != ref.Base {
			continue
		}
		for _, candidate := range ancestor.Attributes {
			if candidate.Name != ref.Property {
				continue
			}
			if candidate.SourceTag == "" {
				return stepInput{}, &UnresolvedReferenceError{Identifier: ref.String(), Attribute: attr.ID}
			}
			return stepInput{
				name:   ref.String(),
				tagKey: b.registerTag(ancestor.DataSource, candidate.SourceTag),
			}, nil
		}
		return stepInput{}, &UnresolvedReferenceError{Identifier: ref.String(), Attribute: attr.ID}
	}
	return stepInput{}, &UnresolvedReferenceError{Identifier: ref.String(), Attribute: attr.ID}
}

func (b *planBuilder) sibling(id string) (hierarchy.Attribute, bool) {
	for _, sibling := range b.snap.Siblings {
		if sibling.ID == id {
			return sibling, true
		}
	}
	return hierarchy.Attribute{}, false
}

func (b *planBuilder) declarationOrder(id string) int {
	for i, sibling := range b.snap.Siblings {
		if sibling.ID == id {
			return i
		}
	}
	return len(b.snap.Siblings)
}

func (b *planBuilder) registerTag(providerID, tag string) string {
	key := providerID + "|" + tag
	if _, exists := b.tags[key]; !exists {
		b.tags[key] = tagFetch{key: key, provider: providerID, tag: tag}
	}
	return key
}

// topoSort orders the collected steps so each attribute's dependencies are
// evaluated first. Ties are broken by attribute declaration order.
func (b *planBuilder) topoSort() ([]*planStep, error) {
	inDegree := make(map[*planStep]int, len(b.steps))
	edges := make(map[*planStep][]*planStep, len(b.steps))
	for _, step := range b.steps {
		for _, input := range step.inputs {
			if input.depID == "" {
				continue
			}
			dep := b.steps[input.depID]
			if dep == nil || dep == step {
				if dep == step {
					return nil, &CycleError{Attributes: []string{step.attr.ID}}
				}
				continue
			}
			edges[dep] = append(edges[dep], step)
			inDegree[step]++
		}
	}

	queue := make([]*planStep, 0, len(b.steps))
	for _, step := range b.steps {
		if inDegree[step] == 0 {
			queue = append(queue, step)
		}
	}
	sort.Slice(queue, func(i, j int) bool { return queue[i].order < queue[j].order })

	ordered := make([]*planStep, 0, len(b.steps))
	for len(queue) > 0 {
		step := queue[0]
		queue = queue[1:]
		ordered = append(ordered, step)
		for _, succ := range edges[step] {
			inDegree[succ]--
			if inDegree[succ] == 0 {
				queue = append(queue, succ)
			}
		}
		sort.Slice(queue, func(i, j int) bool { return queue[i].order < queue[j].order })
	}

	if len(ordered) != len(b.steps) {
		remaining := make([]string, 0)
		for _, step := range b.steps {
			if inDegree[step] > 0 {
				remaining = append(remaining, step.attr.ID)
			}
		}
		sort.Strings(remaining)
		return nil, &CycleError{Attributes: remaining}
	}
	return ordered, nil
}

type stepResult struct {
	value   interface{}
	quality series.Quality
	valid   bool
	detail  string
}

// evaluate computes the target attribute for a single timestamp. Raw
// samples are supplied via lookup keyed by the plan's tag keys. Per-sample
// failures downgrade quality to bad and are recorded in the provenance;
// they never abort the surrounding job.
func (p *evalPlan) evaluate(ts time.Time, lookup func(key string) (series.RawSample, bool)) series.ComputedSample {
	results := make(map[string]stepResult, len(p.steps))
	for _, step := range p.steps {
		results[step.attr.ID] = p.evaluateStep(step, lookup, results)
	}
	target := results[p.target]
	sample := series.ComputedSample{Timestamp: ts, Quality: target.quality}
	if target.valid {
		sample.Value = target.value
		for _, input := range p.stepByID(p.target).inputs {
			sample.Provenance = append(sample.Provenance, input.name)
		}
	} else {
		sample.Provenance = append(sample.Provenance, target.detail)
	}
	return sample
}

func (p *evalPlan) stepByID(id string) *planStep {
	for _, step := range p.steps {
		if step.attr.ID == id {
			return step
		}
	}
	return nil
}

func (p *evalPlan) evaluateStep(step *planStep, lookup func(key string) (series.RawSample, bool), results map[string]stepResult) stepResult {
	if step.program == nil {
		input := step.inputs[0]
		raw, ok := lookup(input.tagKey)
		if !ok || raw.Value == nil {
			return stepResult{quality: series.QualityBad, detail: fmt.Sprintf("tag %s: no data", step.attr.SourceTag)}
		}
		converted, err := hierarchy.ConvertValue(step.attr.DataType, raw.Value)
		if err != nil {
			return stepResult{quality: series.QualityBad, detail: fmt.Sprintf("tag %s: %v", step.attr.SourceTag, err)}
		}
		return stepResult{value: converted, quality: raw.Quality, valid: true}
	}

	bindings := make(map[string]eval.Binding, len(step.inputs))
	for _, input := range step.inputs {
		if input.depID != "" {
			dep := results[input.depID]
			if !dep.valid {
				return stepResult{quality: series.QualityBad, detail: fmt.Sprintf("dependency %s: %s", input.name, dep.detail)}
			}
			bindings[input.name] = eval.Binding{Value: dep.value, Quality: dep.quality}
			continue
		}
		raw, ok := lookup(input.tagKey)
		if !ok || raw.Value == nil {
			continue // surfaces as a missing binding below
		}
		bindings[input.name] = eval.Binding{Value: raw.Value, Quality: raw.Quality}
	}

	value, quality, err := step.program.Evaluate(bindings)
	if err != nil {
		return stepResult{quality: series.QualityBad, detail: fmt.Sprintf("attribute %s: %v", step.attr.ID, err)}
	}
	converted, err := hierarchy.ConvertValue(step.attr.DataType, value)
	if err != nil {
		return stepResult{quality: series.QualityBad, detail: fmt.Sprintf("attribute %s: %v", step.attr.ID, err)}
	}
	return stepResult{value: converted, quality: quality, valid: true}
}
