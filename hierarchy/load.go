package hierarchy

import (
	"fmt"

	"github.com/tmerz/assetcalc/config"
)

// Load builds a store from the inline model configuration. Node types and
// attribute data types are validated against the known enumerations.
func Load(nodes []config.ModelNodeConfig) (*Store, error) {
	store := NewStore()
	for i := range nodes {
		if err := loadNode(store, "", &nodes[i]); err != nil {
			return nil, err
		}
	}
	return store, nil
}

// Replace rebuilds the store content from a fresh model configuration. The
// previous tree is discarded wholesale; jobs already running keep their
// submission-time snapshots.
func (s *Store) Replace(nodes []config.ModelNodeConfig) error {
	fresh, err := Load(nodes)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nodes = fresh.nodes
	s.roots = fresh.roots
	s.unsIndex = fresh.unsIndex
	s.revision++
	return nil
}

func loadNode(store *Store, parentID string, node *config.ModelNodeConfig) error {
	spec := NodeSpec{
		ID:         node.ID,
		Name:       node.Name,
		Type:       NodeType(node.Type),
		UnsPath:    node.UnsPath,
		DataSource: node.DataSource,
	}
	for _, attr := range node.Attributes {
		spec.Attributes = append(spec.Attributes, Attribute{
			ID:             attr.ID,
			Name:           attr.Name,
			DataType:       DataType(attr.DataType),
			SourceTag:      attr.SourceTag,
			Transformation: attr.Transformation,
			IsKPI:          attr.KPI,
			Description:    attr.Description,
		})
	}
	if err := store.AddNode(parentID, spec); err != nil {
		return fmt.Errorf("load model: %w", err)
	}
	for i := range node.Children {
		if err := loadNode(store, node.ID, &node.Children[i]); err != nil {
			return err
		}
	}
	return nil
}
