package export

import (
	"context"
	"encoding/csv"
	"fmt"
	"io"
	"strconv"
	"time"

	"github.com/rs/zerolog/log"

	"empi/internal/database"
	"empi/internal/model"
)

// csvHeader is the reviewer worklist layout: group identity first, then
// the person and record keys, then the demographic columns in their
// canonical order.
var csvHeader = append([]string{
	"match_group_uuid", "match_group_version", "person_uuid",
	"person_record_id", "match_probability",
}, model.DemographicColumns...)

// Exporter writes the open potential-match worklist as a CSV and hands
// it to the sink.
type Exporter struct {
	store *database.Store
	sink  Sink
}

// NewExporter wires the export pipeline.
func NewExporter(store *database.Store, sink Sink) *Exporter {
	return &Exporter{store: store, sink: sink}
}

// Run streams the worklist straight into the sink and returns the
// location of the uploaded file. An empty worklist still produces a
// header-only file so downstream consumers can tell "ran and found
// nothing" from "never ran".
func (e *Exporter) Run(ctx context.Context) (string, error) {
	key := fmt.Sprintf("potential-matches/potential_matches_%s.csv",
		time.Now().UTC().Format("20060102T150405Z"))

	pr, pw := io.Pipe()
	var rowCount int64

	go func() {
		w := csv.NewWriter(pw)
		if err := w.Write(csvHeader); err != nil {
			pw.CloseWithError(err)
			return
		}
		err := e.store.StreamPotentialMatches(ctx, func(row database.PotentialMatchExportRow) error {
			rowCount++
			return w.Write(csvRow(row))
		})
		if err != nil {
			pw.CloseWithError(err)
			return
		}
		w.Flush()
		pw.CloseWithError(w.Error())
	}()

	url, err := e.sink.Upload(ctx, key, pr)
	if err != nil {
		pr.CloseWithError(err)
		return "", fmt.Errorf("export potential matches: %w", err)
	}

	log.Info().
		Str("key", key).
		Int64("rows", rowCount).
		Msg("Potential match export uploaded")
	return url, nil
}

func csvRow(row database.PotentialMatchExportRow) []string {
	probability := ""
	if row.MatchProbability != nil {
		probability = strconv.FormatFloat(*row.MatchProbability, 'f', -1, 64)
	}
	out := append([]string{
		row.GroupUUID.String(),
		strconv.FormatInt(row.GroupVersion, 10),
		row.PersonUUID.String(),
		strconv.FormatInt(row.RecordID, 10),
		probability,
	}, row.Fields()...)
	return out
}
