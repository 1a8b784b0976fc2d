package loader_test

import (
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"empi/internal/loader"
	"empi/internal/model"
)

const csvHeader = "data_source,source_person_id,first_name,last_name,sex,race,birth_date,death_date,ssn,address,city,state,zip_code,phone"

func TestParseRecordsCSV(t *testing.T) {
	input := csvHeader + "\n" +
		"ehr-a,P001,Maria,Santos,F,,1984-03-12,,123-45-6789,12 Main St,Cambridge,MA,02139,617-555-0101\n" +
		"ehr-b,P002,Jorge,Santos,M,,1961-11-02,,,,,,,\n"

	records, err := loader.ParseRecordsCSV(strings.NewReader(input))
	require.NoError(t, err)
	require.Len(t, records, 2)

	assert.Equal(t, "ehr-a", records[0].DataSource)
	assert.Equal(t, "P001", records[0].SourcePersonID)
	assert.Equal(t, "Maria", records[0].FirstName)
	assert.Equal(t, "02139", records[0].ZipCode)

	assert.Equal(t, "ehr-b", records[1].DataSource)
	assert.Equal(t, "", records[1].SSN)
	assert.Equal(t, "", records[1].Phone)
}

func TestParseRecordsCSVFormatErrors(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		wantErr string
	}{
		{
			name:    "empty file",
			input:   "",
			wantErr: "file is empty",
		},
		{
			name:    "wrong column name",
			input:   strings.Replace(csvHeader, "first_name", "given_name", 1) + "\n",
			wantErr: `column 3 is "given_name"`,
		},
		{
			name:    "header only",
			input:   csvHeader + "\n",
			wantErr: "no rows",
		},
		{
			name:    "short row",
			input:   csvHeader + "\nehr-a,P001\n",
			wantErr: "row 2",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := loader.ParseRecordsCSV(strings.NewReader(tt.input))
			require.Error(t, err)

			var formatErr *model.InvalidPersonRecordFileFormatError
			require.True(t, errors.As(err, &formatErr))
			assert.Contains(t, formatErr.Message, tt.wantErr)
		})
	}
}
