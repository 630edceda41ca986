package hierarchy

import (
	"strings"
	"testing"
)

func testStore(t *testing.T) *Store {
	t.Helper()
	s := NewStore()
	nodes := []struct {
		parent string
		spec   NodeSpec
	}{
		{"", NodeSpec{ID: "ent", Name: "Acme", Type: NodeTypeEnterprise, UnsPath: "acme"}},
		{"ent", NodeSpec{ID: "site", Name: "Plant1", Type: NodeTypeSite, UnsPath: "acme/plant1"}},
		{"site", NodeSpec{ID: "area", Name: "Packaging", Type: NodeTypeArea}},
		{"area", NodeSpec{ID: "line", Name: "Line1", Type: NodeTypeLine, Attributes: []Attribute{
			{ID: "tp", Name: "Throughput", DataType: DataTypeFloat, SourceTag: "line1.throughput"},
		}}},
		{"line", NodeSpec{ID: "asset", Name: "Filler", Type: NodeTypeAsset, DataSource: "hist", Attributes: []Attribute{
			{ID: "pin", Name: "PowerIn", DataType: DataTypeFloat, SourceTag: "filler.power_in"},
			{ID: "pout", Name: "PowerOut", DataType: DataTypeFloat, SourceTag: "filler.power_out"},
			{ID: "eff", Name: "Efficiency", DataType: DataTypeFloat, Transformation: "PowerOut / PowerIn * 100"},
		}}},
	}
	for _, n := range nodes {
		if err := s.AddNode(n.parent, n.spec); err != nil {
			t.Fatalf("add node %s: %v", n.spec.ID, err)
		}
	}
	return s
}

func TestAddNodeEnforcesTypeDepth(t *testing.T) {
	s := testStore(t)
	err := s.AddNode("asset", NodeSpec{ID: "bad", Name: "Bad", Type: NodeTypeSite})
	if err == nil || !strings.Contains(err.Error(), "cannot sit below") {
		t.Fatalf("expected depth violation, got %v", err)
	}
	// Same type below same type is allowed, e.g. nested areas.
	if err := s.AddNode("area", NodeSpec{ID: "subarea", Name: "Sub", Type: NodeTypeArea}); err != nil {
		t.Fatalf("same-type nesting rejected: %v", err)
	}
}

func TestAddNodeRejectsDuplicateUnsPath(t *testing.T) {
	s := testStore(t)
	err := s.AddNode("site", NodeSpec{ID: "dup", Name: "Dup", Type: NodeTypeArea, UnsPath: "acme/plant1"})
	if err == nil || !strings.Contains(err.Error(), "already taken") {
		t.Fatalf("expected uns path conflict, got %v", err)
	}
}

func TestFindByUnsPath(t *testing.T) {
	s := testStore(t)
	info, err := s.FindByUnsPath("acme/plant1")
	if err != nil {
		t.Fatalf("lookup failed: %v", err)
	}
	if info.ID != "site" {
		t.Fatalf("unexpected node %s", info.ID)
	}
	if _, err := s.FindByUnsPath("acme/nowhere"); err == nil {
		t.Fatal("expected error for unknown path")
	}
}

func TestReparentRejectsDescendant(t *testing.T) {
	s := testStore(t)
	if err := s.Reparent("site", "asset"); err == nil {
		t.Fatal("expected descendant reparent to fail")
	}
	if err := s.Reparent("asset", "area"); err != nil {
		t.Fatalf("valid reparent failed: %v", err)
	}
	info, err := s.GetNode("asset")
	if err != nil {
		t.Fatalf("get node: %v", err)
	}
	if info.ParentID != "area" {
		t.Fatalf("unexpected parent %s", info.ParentID)
	}
}

func TestRemoveNodeCascades(t *testing.T) {
	s := testStore(t)
	if err := s.RemoveNode("area"); err != nil {
		t.Fatalf("remove failed: %v", err)
	}
	for _, id := range []string{"area", "line", "asset"} {
		if _, err := s.GetNode(id); err == nil {
			t.Fatalf("node %s still present after cascade", id)
		}
	}
	if _, err := s.GetNode("site"); err != nil {
		t.Fatalf("sibling subtree lost: %v", err)
	}
	// Cascaded uns paths become available again.
	if err := s.AddNode("site", NodeSpec{ID: "area2", Name: "New", Type: NodeTypeArea}); err != nil {
		t.Fatalf("re-add failed: %v", err)
	}
}

func TestSetAttributeValidates(t *testing.T) {
	s := testStore(t)
	err := s.SetAttribute("asset", Attribute{ID: "x", Name: "X", DataType: "imaginary"})
	if err == nil {
		t.Fatal("expected unknown data type to be rejected")
	}
	if err := s.SetAttribute("asset", Attribute{ID: "temp", Name: "Temperature", DataType: DataTypeFloat, SourceTag: "filler.temp"}); err != nil {
		t.Fatalf("set attribute failed: %v", err)
	}
	attr, err := s.GetAttribute("asset", "temp")
	if err != nil {
		t.Fatalf("get attribute: %v", err)
	}
	if attr.SourceTag != "filler.temp" {
		t.Fatalf("unexpected attribute %+v", attr)
	}
}

func TestRevisionBumpsOnEveryEdit(t *testing.T) {
	s := testStore(t)
	before := s.Revision()
	if err := s.Rename("asset", "Filler2"); err != nil {
		t.Fatalf("rename: %v", err)
	}
	if s.Revision() != before+1 {
		t.Fatalf("revision not bumped: %d -> %d", before, s.Revision())
	}
}

func TestSnapshotIsImmutable(t *testing.T) {
	s := testStore(t)
	snap, err := s.AttributeSnapshot("asset", "eff")
	if err != nil {
		t.Fatalf("snapshot failed: %v", err)
	}
	if snap.Target.Transformation == "" {
		t.Fatal("target transformation missing")
	}
	if len(snap.Siblings) != 3 {
		t.Fatalf("expected 3 siblings, got %d", len(snap.Siblings))
	}
	if len(snap.Ancestors) != 4 || snap.Ancestors[0].NodeID != "line" {
		t.Fatalf("unexpected ancestor chain %+v", snap.Ancestors)
	}

	// Edits after the snapshot must not leak into it.
	if err := s.RemoveAttribute("asset", "pin"); err != nil {
		t.Fatalf("remove attribute: %v", err)
	}
	if err := s.RemoveNode("asset"); err != nil {
		t.Fatalf("remove node: %v", err)
	}
	if len(snap.Siblings) != 3 {
		t.Fatal("snapshot siblings mutated by store edit")
	}
	found := false
	for _, sibling := range snap.Siblings {
		if sibling.ID == "pin" {
			found = true
		}
	}
	if !found {
		t.Fatal("snapshot lost removed sibling")
	}
}

func TestAttributeInert(t *testing.T) {
	inert := Attribute{ID: "a", Name: "A", DataType: DataTypeFloat}
	if !inert.Inert() {
		t.Fatal("attribute without source or transformation should be inert")
	}
	sourced := Attribute{ID: "b", Name: "B", DataType: DataTypeFloat, SourceTag: "t"}
	if sourced.Inert() {
		t.Fatal("sourced attribute reported inert")
	}
}
