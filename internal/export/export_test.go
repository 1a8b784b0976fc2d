package export

import (
	"strconv"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"empi/internal/database"
	"empi/internal/model"
)

func TestCSVHeaderLayout(t *testing.T) {
	require.Len(t, csvHeader, 5+len(model.DemographicColumns))
	assert.Equal(t, "match_group_uuid", csvHeader[0])
	assert.Equal(t, "match_probability", csvHeader[4])
	assert.Equal(t, "data_source", csvHeader[5])
	assert.Equal(t, "phone", csvHeader[len(csvHeader)-1])
}

func TestCSVRow(t *testing.T) {
	groupUUID := uuid.New()
	personUUID := uuid.New()
	probability := 0.9321

	row := csvRow(database.PotentialMatchExportRow{
		GroupUUID:        groupUUID,
		GroupVersion:     2,
		PersonUUID:       personUUID,
		RecordID:         17,
		MatchProbability: &probability,
		Demographics: model.Demographics{
			DataSource:     "ehr-a",
			SourcePersonID: "P001",
			FirstName:      "Maria",
			LastName:       "Santos",
			Phone:          "617-555-0101",
		},
	})

	require.Len(t, row, len(csvHeader))
	assert.Equal(t, groupUUID.String(), row[0])
	assert.Equal(t, "2", row[1])
	assert.Equal(t, personUUID.String(), row[2])
	assert.Equal(t, "17", row[3])
	assert.Equal(t, strconv.FormatFloat(probability, 'f', -1, 64), row[4])
	assert.Equal(t, "ehr-a", row[5])
	assert.Equal(t, "617-555-0101", row[len(row)-1])
}

func TestCSVRowWithoutProbability(t *testing.T) {
	// A record the linker never scored exports with a blank probability.
	row := csvRow(database.PotentialMatchExportRow{
		GroupUUID:  uuid.New(),
		PersonUUID: uuid.New(),
		RecordID:   3,
	})
	assert.Equal(t, "", row[4])
}
