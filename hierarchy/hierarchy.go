package hierarchy

import (
	"fmt"
	"sort"
	"sync"
)

// NodeType labels a level of the asset hierarchy. Levels are depth ordered;
// a node must sit at the same depth as its parent or deeper.
type NodeType string

const (
	NodeTypeEnterprise NodeType = "enterprise"
	NodeTypeSite       NodeType = "site"
	NodeTypeArea       NodeType = "area"
	NodeTypeLine       NodeType = "line"
	NodeTypeAsset      NodeType = "asset"
)

var nodeDepth = map[NodeType]int{
	NodeTypeEnterprise: 0,
	NodeTypeSite:       1,
	NodeTypeArea:       2,
	NodeTypeLine:       3,
	NodeTypeAsset:      4,
}

// Depth returns the ordinal of the node type within the fixed hierarchy
// ordering, or -1 for unknown types.
func (t NodeType) Depth() int {
	depth, ok := nodeDepth[t]
	if !ok {
		return -1
	}
	return depth
}

// DataType is the primitive type of an attribute value.
type DataType string

const (
	DataTypeFloat   DataType = "float"
	DataTypeInteger DataType = "integer"
	DataTypeDecimal DataType = "decimal"
	DataTypeBool    DataType = "bool"
	DataTypeString  DataType = "string"
)

// KnownDataType reports whether the data type is supported.
func KnownDataType(t DataType) bool {
	switch t {
	case DataTypeFloat, DataTypeInteger, DataTypeDecimal, DataTypeBool, DataTypeString:
		return true
	default:
		return false
	}
}

// Attribute describes one named, typed value of an asset node. An attribute
// is evaluated from its raw source tag, from a transformation expression
// over sibling values, or both. An attribute with neither is inert and
// cannot be evaluated.
type Attribute struct {
	ID             string   `json:"id"`
	Name           string   `json:"name"`
	DataType       DataType `json:"data_type"`
	SourceTag      string   `json:"source_tag,omitempty"`
	Transformation string   `json:"transformation,omitempty"`
	IsKPI          bool     `json:"kpi,omitempty"`
	Description    string   `json:"description,omitempty"`
}

// Inert reports whether the attribute has no source binding at all.
func (a Attribute) Inert() bool {
	return a.SourceTag == "" && a.Transformation == ""
}

type node struct {
	id         string
	name       string
	typ        NodeType
	unsPath    string
	dataSource string
	parent     *node
	children   []*node
	attrs      map[string]*Attribute
	attrOrder  []string
}

// NodeInfo is a copied-out view of a single node.
type NodeInfo struct {
	ID         string
	Name       string
	Type       NodeType
	UnsPath    string
	DataSource string
	ParentID   string
	ChildIDs   []string
	Attributes []Attribute
}

// NodeSpec describes a node for insertion.
type NodeSpec struct {
	ID         string
	Name       string
	Type       NodeType
	UnsPath    string
	DataSource string
	Attributes []Attribute
}

// Store is the canonical asset tree. All lookups return copies; mutation
// happens through explicit edit operations and bumps the revision counter.
// Running jobs never see edits because they operate on snapshots.
type Store struct {
	mu       sync.RWMutex
	nodes    map[string]*node
	roots    []*node
	unsIndex map[string]*node
	revision uint64
}

// NewStore creates an empty hierarchy store.
func NewStore() *Store {
	return &Store{
		nodes:    make(map[string]*node),
		unsIndex: make(map[string]*node),
	}
}

// Revision returns the monotonically increasing edit counter.
func (s *Store) Revision() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.revision
}

// AddNode inserts a node under the given parent; an empty parent id inserts
// a root. The type-depth invariant and uns path uniqueness are enforced.
func (s *Store) AddNode(parentID string, spec NodeSpec) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.addNodeLocked(parentID, spec)
}

func (s *Store) addNodeLocked(parentID string, spec NodeSpec) error {
	if spec.ID == "" {
		return fmt.Errorf("node id must not be empty")
	}
	if _, exists := s.nodes[spec.ID]; exists {
		return fmt.Errorf("duplicate node id %q", spec.ID)
	}
	if spec.Type.Depth() < 0 {
		return fmt.Errorf("node %s: unknown type %q", spec.ID, spec.Type)
	}
	var parent *node
	if parentID != "" {
		var ok bool
		parent, ok = s.nodes[parentID]
		if !ok {
			return fmt.Errorf("node %s: unknown parent %q", spec.ID, parentID)
		}
		if spec.Type.Depth() < parent.typ.Depth() {
			return fmt.Errorf("node %s: type %s cannot sit below %s", spec.ID, spec.Type, parent.typ)
		}
	}
	if spec.UnsPath != "" {
		if _, exists := s.unsIndex[spec.UnsPath]; exists {
			return fmt.Errorf("node %s: uns path %q already taken", spec.ID, spec.UnsPath)
		}
	}
	n := &node{
		id:         spec.ID,
		name:       spec.Name,
		typ:        spec.Type,
		unsPath:    spec.UnsPath,
		dataSource: spec.DataSource,
		parent:     parent,
		attrs:      make(map[string]*Attribute, len(spec.Attributes)),
	}
	for _, attr := range spec.Attributes {
		if err := validateAttribute(attr); err != nil {
			return fmt.Errorf("node %s: %w", spec.ID, err)
		}
		if _, dup := n.attrs[attr.ID]; dup {
			return fmt.Errorf("node %s: duplicate attribute id %q", spec.ID, attr.ID)
		}
		copied := attr
		n.attrs[attr.ID] = &copied
		n.attrOrder = append(n.attrOrder, attr.ID)
	}
	s.nodes[spec.ID] = n
	if parent != nil {
		parent.children = append(parent.children, n)
	} else {
		s.roots = append(s.roots, n)
	}
	if spec.UnsPath != "" {
		s.unsIndex[spec.UnsPath] = n
	}
	s.revision++
	return nil
}

func validateAttribute(attr Attribute) error {
	if attr.ID == "" {
		return fmt.Errorf("attribute id must not be empty")
	}
	if attr.Name == "" {
		return fmt.Errorf("attribute %s missing name", attr.ID)
	}
	if !KnownDataType(attr.DataType) {
		return fmt.Errorf("attribute %s: unknown data type %q", attr.ID, attr.DataType)
	}
	return nil
}

// Rename changes the display name of a node.
func (s *Store) Rename(id, name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	n, ok := s.nodes[id]
	if !ok {
		return fmt.Errorf("unknown node %q", id)
	}
	n.name = name
	s.revision++
	return nil
}

// Reparent moves a node under a new parent, revalidating the type-depth
// invariant for the node itself. Moving a node under one of its own
// descendants is rejected.
func (s *Store) Reparent(id, newParentID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	n, ok := s.nodes[id]
	if !ok {
		return fmt.Errorf("unknown node %q", id)
	}
	var parent *node
	if newParentID != "" {
		parent, ok = s.nodes[newParentID]
		if !ok {
			return fmt.Errorf("unknown parent %q", newParentID)
		}
		for cursor := parent; cursor != nil; cursor = cursor.parent {
			if cursor == n {
				return fmt.Errorf("cannot reparent %s under its own descendant %s", id, newParentID)
			}
		}
		if n.typ.Depth() < parent.typ.Depth() {
			return fmt.Errorf("node %s: type %s cannot sit below %s", id, n.typ, parent.typ)
		}
	}
	s.detachLocked(n)
	n.parent = parent
	if parent != nil {
		parent.children = append(parent.children, n)
	} else {
		s.roots = append(s.roots, n)
	}
	s.revision++
	return nil
}

// RemoveNode deletes a node and all of its descendants.
func (s *Store) RemoveNode(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	n, ok := s.nodes[id]
	if !ok {
		return fmt.Errorf("unknown node %q", id)
	}
	s.detachLocked(n)
	s.dropSubtreeLocked(n)
	s.revision++
	return nil
}

func (s *Store) detachLocked(n *node) {
	siblings := s.roots
	if n.parent != nil {
		siblings = n.parent.children
	}
	for i, sibling := range siblings {
		if sibling == n {
			siblings = append(siblings[:i], siblings[i+1:]...)
			break
		}
	}
	if n.parent != nil {
		n.parent.children = siblings
	} else {
		s.roots = siblings
	}
}

func (s *Store) dropSubtreeLocked(n *node) {
	for _, child := range n.children {
		s.dropSubtreeLocked(child)
	}
	if n.unsPath != "" {
		delete(s.unsIndex, n.unsPath)
	}
	delete(s.nodes, n.id)
}

// SetAttribute adds or replaces an attribute on a node.
func (s *Store) SetAttribute(nodeID string, attr Attribute) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	n, ok := s.nodes[nodeID]
	if !ok {
		return fmt.Errorf("unknown node %q", nodeID)
	}
	if err := validateAttribute(attr); err != nil {
		return fmt.Errorf("node %s: %w", nodeID, err)
	}
	copied := attr
	if _, exists := n.attrs[attr.ID]; !exists {
		n.attrOrder = append(n.attrOrder, attr.ID)
	}
	n.attrs[attr.ID] = &copied
	s.revision++
	return nil
}

// RemoveAttribute deletes an attribute from a node.
func (s *Store) RemoveAttribute(nodeID, attrID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	n, ok := s.nodes[nodeID]
	if !ok {
		return fmt.Errorf("unknown node %q", nodeID)
	}
	if _, exists := n.attrs[attrID]; !exists {
		return fmt.Errorf("node %s: unknown attribute %q", nodeID, attrID)
	}
	delete(n.attrs, attrID)
	for i, id := range n.attrOrder {
		if id == attrID {
			n.attrOrder = append(n.attrOrder[:i], n.attrOrder[i+1:]...)
			break
		}
	}
	s.revision++
	return nil
}

// GetNode returns a copied view of a node.
func (s *Store) GetNode(id string) (NodeInfo, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n, ok := s.nodes[id]
	if !ok {
		return NodeInfo{}, fmt.Errorf("unknown node %q", id)
	}
	return n.info(), nil
}

// GetAttribute returns a copy of a single attribute definition.
func (s *Store) GetAttribute(nodeID, attrID string) (Attribute, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n, ok := s.nodes[nodeID]
	if !ok {
		return Attribute{}, fmt.Errorf("unknown node %q", nodeID)
	}
	attr, ok := n.attrs[attrID]
	if !ok {
		return Attribute{}, fmt.Errorf("node %s: unknown attribute %q", nodeID, attrID)
	}
	return *attr, nil
}

// FindByUnsPath resolves a node by its namespace publish path.
func (s *Store) FindByUnsPath(path string) (NodeInfo, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n, ok := s.unsIndex[path]
	if !ok {
		return NodeInfo{}, fmt.Errorf("unknown uns path %q", path)
	}
	return n.info(), nil
}

// Roots returns the root node views in insertion order.
func (s *Store) Roots() []NodeInfo {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]NodeInfo, 0, len(s.roots))
	for _, n := range s.roots {
		out = append(out, n.info())
	}
	return out
}

// NodeIDs returns all node ids in lexical order.
func (s *Store) NodeIDs() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, 0, len(s.nodes))
	for id := range s.nodes {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

func (n *node) info() NodeInfo {
	info := NodeInfo{
		ID:         n.id,
		Name:       n.name,
		Type:       n.typ,
		UnsPath:    n.unsPath,
		DataSource: n.dataSource,
	}
	if n.parent != nil {
		info.ParentID = n.parent.id
	}
	for _, child := range n.children {
		info.ChildIDs = append(info.ChildIDs, child.id)
	}
	for _, id := range n.attrOrder {
		info.Attributes = append(info.Attributes, *n.attrs[id])
	}
	return info
}

// Snapshot is the immutable view of an attribute definition and its
// evaluation context, taken at job submission time. Subsequent hierarchy
// edits never affect a snapshot.
type Snapshot struct {
	NodeID     string
	NodeName   string
	DataSource string
	Target     Attribute
	Siblings   []Attribute
	Ancestors  []AncestorAttributes
}

// AncestorAttributes lists the directly sourced attributes of one ancestor
// node, keyed for qualified references.
type AncestorAttributes struct {
	NodeID     string
	NodeName   string
	DataSource string
	Attributes []Attribute
}

// AttributeSnapshot captures the target attribute plus the definitions a
// transformation may reference: siblings in declaration order and the
// ancestor chain bottom-up.
func (s *Store) AttributeSnapshot(nodeID, attrID string) (Snapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n, ok := s.nodes[nodeID]
	if !ok {
		return Snapshot{}, fmt.Errorf("unknown node %q", nodeID)
	}
	target, ok := n.attrs[attrID]
	if !ok {
		return Snapshot{}, fmt.Errorf("node %s: unknown attribute %q", nodeID, attrID)
	}
	snap := Snapshot{
		NodeID:     n.id,
		NodeName:   n.name,
		DataSource: n.dataSource,
		Target:     *target,
	}
	for _, id := range n.attrOrder {
		snap.Siblings = append(snap.Siblings, *n.attrs[id])
	}
	for ancestor := n.parent; ancestor != nil; ancestor = ancestor.parent {
		entry := AncestorAttributes{
			NodeID:     ancestor.id,
			NodeName:   ancestor.name,
			DataSource: ancestor.dataSource,
		}
		for _, id := range ancestor.attrOrder {
			entry.Attributes = append(entry.Attributes, *ancestor.attrs[id])
		}
		snap.Ancestors = append(snap.Ancestors, entry)
	}
	return snap, nil
}
