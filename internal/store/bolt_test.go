package store

import (
	"errors"
	"path/filepath"
	"strings"
	"testing"
)

func newTestStore(t *testing.T) *BoltStore {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	s, err := NewBoltStore(path)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestTagsRoundTrip(t *testing.T) {
	s := newTestStore(t)

	got, err := s.SetTags("d1", []string{" lab ", "berlin", "lab", ""})
	if err != nil {
		t.Fatal(err)
	}
	if strings.Join(got, ",") != "berlin,lab" {
		t.Errorf("normalized = %v, want [berlin lab]", got)
	}

	tags, err := s.Tags("d1")
	if err != nil {
		t.Fatal(err)
	}
	if strings.Join(tags, ",") != "berlin,lab" {
		t.Errorf("tags = %v", tags)
	}
}

func TestTagsMissingDeviceIsEmpty(t *testing.T) {
	s := newTestStore(t)
	tags, err := s.Tags("nope")
	if err != nil {
		t.Fatal(err)
	}
	if tags == nil || len(tags) != 0 {
		t.Errorf("tags = %#v, want empty slice", tags)
	}
}

func TestSetEmptyTagsClears(t *testing.T) {
	s := newTestStore(t)
	if _, err := s.SetTags("d1", []string{"a"}); err != nil {
		t.Fatal(err)
	}
	if _, err := s.SetTags("d1", nil); err != nil {
		t.Fatal(err)
	}
	tags, _ := s.Tags("d1")
	if len(tags) != 0 {
		t.Errorf("tags = %v, want none", tags)
	}
}

func TestSetTagsRejectsEmptyDevice(t *testing.T) {
	s := newTestStore(t)
	if _, err := s.SetTags("  ", []string{"a"}); !errors.Is(err, ErrInvalidName) {
		t.Errorf("err = %v, want ErrInvalidName", err)
	}
}

func TestGroupLifecycle(t *testing.T) {
	s := newTestStore(t)

	g, err := s.SetGroup("warehouse", []string{"d2", "d1", "d2", " "})
	if err != nil {
		t.Fatal(err)
	}
	if strings.Join(g.DeviceIDs, ",") != "d2,d1" {
		t.Errorf("ids = %v, want [d2 d1]", g.DeviceIDs)
	}
	if g.UpdatedAt.IsZero() {
		t.Error("updated_at not set")
	}

	got, err := s.Group("warehouse")
	if err != nil {
		t.Fatal(err)
	}
	if got.Name != "warehouse" || len(got.DeviceIDs) != 2 {
		t.Errorf("group = %+v", got)
	}

	if _, err := s.SetGroup("office", []string{"d3"}); err != nil {
		t.Fatal(err)
	}
	groups, err := s.Groups()
	if err != nil {
		t.Fatal(err)
	}
	if len(groups) != 2 || groups[0].Name != "office" {
		t.Errorf("groups = %+v", groups)
	}

	if err := s.DeleteGroup("warehouse"); err != nil {
		t.Fatal(err)
	}
	if _, err := s.Group("warehouse"); !errors.Is(err, ErrNotFound) {
		t.Errorf("after delete err = %v, want ErrNotFound", err)
	}
	if err := s.DeleteGroup("warehouse"); !errors.Is(err, ErrNotFound) {
		t.Errorf("second delete err = %v, want ErrNotFound", err)
	}
}

func TestSetGroupRejectsEmptyName(t *testing.T) {
	s := newTestStore(t)
	if _, err := s.SetGroup("", []string{"d1"}); !errors.Is(err, ErrInvalidName) {
		t.Errorf("err = %v, want ErrInvalidName", err)
	}
}

func TestPersistsAcrossReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.db")
	s, err := NewBoltStore(path)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := s.SetTags("d1", []string{"x"}); err != nil {
		t.Fatal(err)
	}
	if _, err := s.SetGroup("g", []string{"d1"}); err != nil {
		t.Fatal(err)
	}
	s.Close()

	s2, err := NewBoltStore(path)
	if err != nil {
		t.Fatal(err)
	}
	defer s2.Close()

	if tags, _ := s2.Tags("d1"); len(tags) != 1 || tags[0] != "x" {
		t.Errorf("tags = %v", tags)
	}
	if g, err := s2.Group("g"); err != nil || g.DeviceIDs[0] != "d1" {
		t.Errorf("group = %+v, err = %v", g, err)
	}
}

func TestNormalizeTags(t *testing.T) {
	tests := []struct {
		in   []string
		want string
	}{
		{nil, ""},
		{[]string{"b", "a"}, "a,b"},
		{[]string{" a", "a ", "\t"}, "a"},
	}
	for _, tt := range tests {
		if got := strings.Join(NormalizeTags(tt.in), ","); got != tt.want {
			t.Errorf("NormalizeTags(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}
