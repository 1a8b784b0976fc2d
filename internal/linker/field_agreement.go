package linker

import (
	"context"
	"math"
	"strings"

	"empi/internal/model"
)

// fieldWeight is one Fellegi-Sunter comparison: agreement adds the m/u
// log-odds weight, disagreement subtracts the disagreement weight.
type fieldWeight struct {
	name     string
	value    func(model.Demographics) string
	agree    float64
	disagree float64
}

var defaultWeights = []fieldWeight{
	{"first_name", func(d model.Demographics) string { return d.FirstName }, 4.0, 2.0},
	{"last_name", func(d model.Demographics) string { return d.LastName }, 5.0, 2.5},
	{"birth_date", func(d model.Demographics) string { return d.BirthDate }, 6.0, 3.0},
	{"sex", func(d model.Demographics) string { return d.Sex }, 0.7, 1.5},
	{"ssn", func(d model.Demographics) string { return d.SSN }, 9.0, 2.0},
	{"zip_code", func(d model.Demographics) string { return d.ZipCode }, 2.0, 1.0},
	{"phone", func(d model.Demographics) string { return d.Phone }, 5.0, 1.0},
}

// priorWeight anchors the weight scale so that a pair with no agreeing
// fields sits well below any useful threshold.
const priorWeight = -8.0

// FieldAgreementLinker is a deterministic in-process linker used for
// development and tests. It blocks on exact last name, birth date, ssn,
// or phone, and scores candidates by summed field agreement weights
// squashed through the logistic function.
type FieldAgreementLinker struct {
	weights []fieldWeight
}

// NewFieldAgreementLinker builds the dev linker with default weights.
func NewFieldAgreementLinker() *FieldAgreementLinker {
	return &FieldAgreementLinker{weights: defaultWeights}
}

// Predict implements Linker. Candidate generation honors the job
// blocking constraint: at least one side of every pair belongs to jobID.
func (l *FieldAgreementLinker) Predict(_ context.Context, records []model.PersonRecord, jobID int64) ([]Score, error) {
	blocks := make(map[string][]int)
	addBlock := func(kind, key string, idx int) {
		if strings.TrimSpace(key) == "" {
			return
		}
		blocks[kind+"\x00"+normalize(key)] = append(blocks[kind+"\x00"+normalize(key)], idx)
	}
	for i, r := range records {
		addBlock("ln", r.LastName, i)
		addBlock("bd", r.BirthDate, i)
		addBlock("ssn", r.SSN, i)
		addBlock("ph", r.Phone, i)
	}

	type pairKey struct{ l, r int64 }
	seen := make(map[pairKey]bool)
	var scores []Score

	for _, members := range blocks {
		for i := 0; i < len(members); i++ {
			for j := i + 1; j < len(members); j++ {
				a, b := records[members[i]], records[members[j]]
				if a.JobID != jobID && b.JobID != jobID {
					continue
				}
				lo, hi := a, b
				if lo.ID > hi.ID {
					lo, hi = hi, lo
				}
				key := pairKey{lo.ID, hi.ID}
				if seen[key] {
					continue
				}
				seen[key] = true

				weight := l.score(lo.Demographics, hi.Demographics)
				scores = append(scores, Score{
					MatchWeight:      weight,
					MatchProbability: logistic(weight),
					RecordLID:        lo.ID,
					RecordRID:        hi.ID,
				})
			}
		}
	}
	return scores, nil
}

func (l *FieldAgreementLinker) score(a, b model.Demographics) float64 {
	weight := priorWeight
	for _, fw := range l.weights {
		va, vb := normalize(fw.value(a)), normalize(fw.value(b))
		if va == "" || vb == "" {
			continue
		}
		if va == vb {
			weight += fw.agree
		} else {
			weight -= fw.disagree
		}
	}
	return weight
}

func normalize(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}

func logistic(weight float64) float64 {
	return 1.0 / (1.0 + math.Exp(-weight))
}
