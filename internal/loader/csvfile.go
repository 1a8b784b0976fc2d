package loader

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"

	"empi/internal/model"
)

// ParseRecordsCSV reads an import file into demographic rows. The
// header must name exactly the canonical demographic columns, in order;
// anything else is a format error, not a best-effort guess.
func ParseRecordsCSV(r io.Reader) ([]model.Demographics, error) {
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = len(model.DemographicColumns)

	header, err := cr.Read()
	if errors.Is(err, io.EOF) {
		return nil, &model.InvalidPersonRecordFileFormatError{Message: "file is empty"}
	}
	if err != nil {
		return nil, fmt.Errorf("read csv header: %w", err)
	}
	for i, col := range model.DemographicColumns {
		if header[i] != col {
			return nil, &model.InvalidPersonRecordFileFormatError{
				Message: fmt.Sprintf("column %d is %q, expected %q", i+1, header[i], col),
			}
		}
	}

	var records []model.Demographics
	for {
		row, err := cr.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, &model.InvalidPersonRecordFileFormatError{
				Message: fmt.Sprintf("row %d: %v", len(records)+2, err),
			}
		}
		records = append(records, model.Demographics{
			DataSource:     row[0],
			SourcePersonID: row[1],
			FirstName:      row[2],
			LastName:       row[3],
			Sex:            row[4],
			Race:           row[5],
			BirthDate:      row[6],
			DeathDate:      row[7],
			SSN:            row[8],
			Address:        row[9],
			City:           row[10],
			State:          row[11],
			ZipCode:        row[12],
			Phone:          row[13],
		})
	}
	if len(records) == 0 {
		return nil, &model.InvalidPersonRecordFileFormatError{Message: "file has a header but no rows"}
	}
	return records, nil
}
