package models

import (
	"reflect"
	"testing"
)

func filterFixture() []VideoEntry {
	return []VideoEntry{
		{ID: "1", Tags: StringPtr("20240101_Kitchen_Modern_Pan_Interior_a1b2.mp4")},
		{ID: "2", Tags: nil},
		{ID: "3", Tags: StringPtr("20240102_Pool_Aerial_Drone_Exterior_c3d4.mp4")},
		{ID: "4", Tags: StringPtr("20240103_KITCHEN_Island_Static_Interior_e5f6.mp4")},
	}
}

func ids(entries []VideoEntry) []string {
	out := make([]string, 0, len(entries))
	for _, e := range entries {
		out = append(out, e.ID)
	}
	return out
}

func TestFilterByTags(t *testing.T) {
	tests := []struct {
		name string
		term string
		want []string
	}{
		{"empty term keeps everything in order", "", []string{"1", "2", "3", "4"}},
		{"case insensitive", "kitchen", []string{"1", "4"}},
		{"upper case term", "POOL", []string{"3"}},
		{"shared attribute", "interior", []string{"1", "4"}},
		{"no match", "garage", []string{}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := ids(FilterByTags(filterFixture(), tt.term))
			if !reflect.DeepEqual(got, tt.want) {
				t.Errorf("FilterByTags(%q) = %v, want %v", tt.term, got, tt.want)
			}
		})
	}
}

func TestFilterByTags_Idempotent(t *testing.T) {
	for _, term := range []string{"", "kitchen", "exterior", "zzz"} {
		once := FilterByTags(filterFixture(), term)
		twice := FilterByTags(once, term)
		if !reflect.DeepEqual(ids(once), ids(twice)) {
			t.Errorf("term %q: once = %v, twice = %v", term, ids(once), ids(twice))
		}
	}
}

func TestFilterByTags_DoesNotAliasInput(t *testing.T) {
	in := filterFixture()
	out := FilterByTags(in, "")
	out[0].ID = "changed"
	if in[0].ID != "1" {
		t.Error("FilterByTags should not share the backing array with its input")
	}
}
