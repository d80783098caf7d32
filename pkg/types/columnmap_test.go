package types

import (
	"errors"
	"testing"
)

func TestColumnMap_Validate(t *testing.T) {
	tests := []struct {
		name    string
		cmap    ColumnMap
		wantErr bool
	}{
		{
			name: "complete",
			cmap: ColumnMap{Table: "fs_atlas", Columns: map[Role]string{
				RoleName: "candidateID", RoleRADeg: "ra_deg", RoleDecDeg: "dec_deg",
			}},
		},
		{
			name: "name only",
			cmap: ColumnMap{Table: "fs_tns_spectra", Columns: map[Role]string{RoleName: "TNSName"}},
		},
		{
			name:    "missing name",
			cmap:    ColumnMap{Table: "fs_atlas", Columns: map[Role]string{RoleRADeg: "ra"}},
			wantErr: true,
		},
		{
			name:    "injection in column",
			cmap:    ColumnMap{Table: "fs_atlas", Columns: map[Role]string{RoleName: "name; DROP TABLE x"}},
			wantErr: true,
		},
		{
			name:    "injection in table",
			cmap:    ColumnMap{Table: "fs`atlas", Columns: map[Role]string{RoleName: "name"}},
			wantErr: true,
		},
		{
			name:    "reserved column",
			cmap:    ColumnMap{Table: "fs_atlas", Columns: map[Role]string{RoleName: "shared_id"}},
			wantErr: true,
		},
		{
			name:    "unknown role",
			cmap:    ColumnMap{Table: "fs_atlas", Columns: map[Role]string{RoleName: "n", Role("colour"): "c"}},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.cmap.Validate()
			if (err != nil) != tt.wantErr {
				t.Fatalf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestColumnMap_HasCoordinates(t *testing.T) {
	m := ColumnMap{Table: "fs_ztf", Columns: map[Role]string{RoleName: "objectId", RoleRADeg: "raDeg"}}
	if m.HasCoordinates() {
		t.Error("a map with only raDeg should not report coordinates")
	}
	m.Columns[RoleDecDeg] = "decDeg"
	if !m.HasCoordinates() {
		t.Error("expected coordinates once decDeg is mapped")
	}
}

func TestValidateIdentifier(t *testing.T) {
	if err := ValidateIdentifier("fs_panstarrs"); err != nil {
		t.Errorf("unexpected error: %v", err)
	}
	err := ValidateIdentifier("1table")
	if !errors.Is(err, ErrInvalidIdentifier) {
		t.Errorf("expected ErrInvalidIdentifier, got %v", err)
	}
}

func TestStagedDetection_Validate(t *testing.T) {
	f := func(v float64) *float64 { return &v }

	ok := StagedDetection{RowID: 1, Name: "SN2024aa", RADeg: f(10), DecDeg: f(20)}
	if err := ok.Validate(); err != nil {
		t.Errorf("unexpected error: %v", err)
	}

	nameOnly := StagedDetection{RowID: 2, Name: "AT2024abc"}
	if err := nameOnly.Validate(); err != nil {
		t.Errorf("name-only detection should validate: %v", err)
	}

	bad := []StagedDetection{
		{RowID: 3, Name: "x", RADeg: f(360), DecDeg: f(0)},
		{RowID: 4, Name: "x", RADeg: f(10), DecDeg: f(-91)},
		{RowID: 5, Name: "x", RADeg: f(10)},
	}
	for _, d := range bad {
		if err := d.Validate(); !errors.Is(err, ErrMalformedCoordinates) {
			t.Errorf("row %d: expected ErrMalformedCoordinates, got %v", d.RowID, err)
		}
	}

	empty := StagedDetection{RowID: 6}
	if err := empty.Validate(); !errors.Is(err, ErrMalformedRow) {
		t.Errorf("expected ErrMalformedRow, got %v", err)
	}
}

func TestCanTransition(t *testing.T) {
	allowed := [][2]UpdateState{
		{UpdateNew, UpdateClean},
		{UpdateStale, UpdateClean},
		{UpdateClean, UpdateStale},
	}
	for _, tr := range allowed {
		if !CanTransition(tr[0], tr[1]) {
			t.Errorf("%s -> %s should be allowed", tr[0], tr[1])
		}
	}
	forbidden := [][2]UpdateState{
		{UpdateStale, UpdateNew},
		{UpdateClean, UpdateNew},
		{UpdateNew, UpdateStale},
	}
	for _, tr := range forbidden {
		if CanTransition(tr[0], tr[1]) {
			t.Errorf("%s -> %s should not be allowed", tr[0], tr[1])
		}
	}
}
