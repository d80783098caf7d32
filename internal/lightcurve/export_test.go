package lightcurve

import (
	"bytes"
	"context"
	"encoding/json"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/marshallengine/marshall/internal/bucket/buckettest"
	mErrors "github.com/marshallengine/marshall/internal/errors"
)

func seed(t *testing.T) *Exporter {
	t.Helper()
	s := buckettest.Open(t)
	buckettest.Seed(t, s,
		buckettest.Master{SharedID: 42, Name: "SN2024xyz", RA: 10, Dec: 10, MJD: 60305, Mag: 18.25},
		buckettest.Master{SharedID: 42, Name: "ATLAS24abc", RA: 10, Dec: 10, MJD: 60300, Mag: 19.5, NotMaster: true},
		buckettest.Master{SharedID: 42, Name: "ATLAS24abc", RA: 10, Dec: 10, MJD: 60310, Mag: 20.1, Limit: true, NotMaster: true},
		buckettest.Master{SharedID: 43, Name: "SN2024other", RA: 50, Dec: 10, MJD: 60300, Mag: 17},
	)
	return NewExporter(s)
}

func TestExport_CSV(t *testing.T) {
	e := seed(t)
	var buf bytes.Buffer
	require.NoError(t, e.Export(context.Background(), 42, &buf, FormatCSV))

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 4)
	assert.Equal(t, "mjd,mag,mag_err,filter,limiting_mag,survey,name", lines[0])
	assert.Equal(t, "60300,19.5,,,0,seed,ATLAS24abc", lines[1])
	assert.Equal(t, "60305,18.25,,,0,seed,SN2024xyz", lines[2])
	assert.Equal(t, "60310,20.1,,,1,seed,ATLAS24abc", lines[3])
}

func TestExport_JSON(t *testing.T) {
	e := seed(t)
	var buf bytes.Buffer
	require.NoError(t, e.Export(context.Background(), 42, &buf, FormatJSON))

	var lc Lightcurve
	require.NoError(t, json.Unmarshal(buf.Bytes(), &lc))
	assert.Equal(t, "SN2024xyz", lc.Name)
	require.Len(t, lc.Points, 3)
	assert.True(t, lc.Points[2].LimitingMag)
	assert.Equal(t, 60300.0, *lc.Points[0].MJD)
}

func TestExport_UnknownObject(t *testing.T) {
	e := seed(t)
	err := e.Export(context.Background(), 999, &bytes.Buffer{}, FormatCSV)
	require.Error(t, err)
	assert.Equal(t, mErrors.ErrCategoryData, mErrors.GetCategory(err))
}

func TestParseFormat(t *testing.T) {
	f, err := ParseFormat("json")
	require.NoError(t, err)
	assert.Equal(t, FormatJSON, f)

	_, err = ParseFormat("xml")
	assert.Equal(t, mErrors.CodeInvalidSetting, mErrors.GetCode(err))
}
