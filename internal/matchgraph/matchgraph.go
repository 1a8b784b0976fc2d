// Package matchgraph turns pairwise linkage results plus the current
// person assignments into match groups, group membership for every
// result, and the person reassignments implied by auto-matches.
//
// The analyzer is pure: it never touches the database. Callers read the
// crosswalk under row locks, run Analyze, and persist the output.
package matchgraph

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Result is one pairwise linkage score between two person records.
// RowNumber is the caller-assigned stable position of the result in the
// combined (current + new) result frame.
type Result struct {
	RowNumber        int64
	MatchProbability float64
	RecordLID        int64
	RecordRID        int64
}

// CrosswalkRow joins a person record to its current owning person. The
// crosswalk must cover exactly the set of records referenced by the
// results under analysis.
type CrosswalkRow struct {
	PersonID      int64
	PersonCreated time.Time
	PersonVersion int64
	RecordCount   int64
	RecordID      int64
}

// Group is a newly proposed match group. Matched is true when every
// record reachable in the group resolves to a single person after
// auto-match reassignment.
type Group struct {
	UUID    uuid.UUID
	Matched bool
}

// PersonAction moves one record from its current person to the
// representative person of its auto-match cluster. Versions are the
// optimistic-concurrency tokens read from the crosswalk.
type PersonAction struct {
	GroupUUID         uuid.UUID
	RecordID          int64
	FromPersonID      int64
	FromPersonVersion int64
	ToPersonID        int64
	ToPersonVersion   int64
}

// Output is the full analyzer result.
type Output struct {
	Groups []Group
	// GroupResults maps each result row number to the uuid of the group
	// the result belongs to.
	GroupResults  map[int64]uuid.UUID
	PersonActions []PersonAction
}

// personNode is the arena entry for a person referenced by the crosswalk.
type personNode struct {
	id          int64
	created     time.Time
	version     int64
	recordCount int64
}

// recordNode is the arena entry for a person record. personIdx is mutated
// in place during auto-match resolution.
type recordNode struct {
	id        int64
	personIdx int
}

// graph is an arena-backed bipartite graph. Node handles are integers:
// persons occupy [0, len(persons)), records occupy
// [len(persons), len(persons)+len(records)).
type graph struct {
	persons []personNode
	records []recordNode

	personIdx map[int64]int
	recordIdx map[int64]int
}

func (g *graph) recordHandle(idx int) int { return len(g.persons) + idx }
func (g *graph) personHandle(idx int) int { return idx }
func (g *graph) nodeCount() int { return len(g.persons) + len(g.records) }

// buildGraph validates the precondition that results and crosswalk
// reference exactly the same record set, then assembles the arena.
func buildGraph(results []Result, crosswalk []CrosswalkRow) (*graph, error) {
	if len(results) == 0 {
		return nil, fmt.Errorf("match graph requires at least one result")
	}
	if len(crosswalk) == 0 {
		return nil, fmt.Errorf("match graph requires a non-empty person crosswalk")
	}

	g := &graph{
		personIdx: make(map[int64]int),
		recordIdx: make(map[int64]int),
	}

	for _, row := range crosswalk {
		pi, ok := g.personIdx[row.PersonID]
		if !ok {
			pi = len(g.persons)
			g.persons = append(g.persons, personNode{
				id:          row.PersonID,
				created:     row.PersonCreated,
				version:     row.PersonVersion,
				recordCount: row.RecordCount,
			})
			g.personIdx[row.PersonID] = pi
		}
		if _, dup := g.recordIdx[row.RecordID]; dup {
			return nil, fmt.Errorf("record %d appears twice in the crosswalk", row.RecordID)
		}
		g.recordIdx[row.RecordID] = len(g.records)
		g.records = append(g.records, recordNode{id: row.RecordID, personIdx: pi})
	}

	referenced := make(map[int64]bool, len(g.records))
	for _, r := range results {
		for _, id := range [2]int64{r.RecordLID, r.RecordRID} {
			if _, ok := g.recordIdx[id]; !ok {
				return nil, fmt.Errorf("result row %d references record %d missing from the crosswalk", r.RowNumber, id)
			}
			referenced[id] = true
		}
	}
	if len(referenced) != len(g.records) {
		for _, rec := range g.records {
			if !referenced[rec.id] {
				return nil, fmt.Errorf("crosswalk record %d is not referenced by any result", rec.id)
			}
		}
	}

	return g, nil
}

// unionFind is a plain path-halving union-find over node handles.
type unionFind struct {
	parent []int
}

func newUnionFind(n int) *unionFind {
	uf := &unionFind{parent: make([]int, n)}
	for i := range uf.parent {
		uf.parent[i] = i
	}
	return uf
}

func (u *unionFind) find(x int) int {
	for u.parent[x] != x {
		u.parent[x] = u.parent[u.parent[x]]
		x = u.parent[x]
	}
	return x
}

func (u *unionFind) union(a, b int) {
	ra, rb := u.find(a), u.find(b)
	if ra != rb {
		u.parent[rb] = ra
	}
}

// Analyze runs the two-pass component analysis described in the package
// comment. autoMatchThreshold gates which result edges participate in
// the reassignment subgraph; membership edges always participate.
func Analyze(results []Result, crosswalk []CrosswalkRow, autoMatchThreshold float64) (*Output, error) {
	g, err := buildGraph(results, crosswalk)
	if err != nil {
		return nil, err
	}

	// Pass 1: weak components over the full graph. Each component becomes
	// a match group.
	full := newUnionFind(g.nodeCount())
	for ri, rec := range g.records {
		full.union(g.personHandle(rec.personIdx), g.recordHandle(ri))
	}
	for _, r := range results {
		full.union(g.recordHandle(g.recordIdx[r.RecordLID]), g.recordHandle(g.recordIdx[r.RecordRID]))
	}

	out := &Output{GroupResults: make(map[int64]uuid.UUID, len(results))}

	groupByRoot := make(map[int]int)
	// personSets tracks, per group, which persons still own a record in
	// it. Auto-match reassignment shrinks these sets in place.
	personSets := make([]map[int64]bool, 0)
	recordGroup := make([]int, len(g.records))

	groupOf := func(root int) int {
		gi, ok := groupByRoot[root]
		if !ok {
			gi = len(out.Groups)
			groupByRoot[root] = gi
			out.Groups = append(out.Groups, Group{UUID: uuid.New()})
			personSets = append(personSets, make(map[int64]bool))
		}
		return gi
	}

	// Discover groups in result order so output ordering is stable.
	for _, r := range results {
		root := full.find(g.recordHandle(g.recordIdx[r.RecordLID]))
		gi := groupOf(root)
		out.GroupResults[r.RowNumber] = out.Groups[gi].UUID
	}
	for ri := range g.records {
		root := full.find(g.recordHandle(ri))
		gi := groupOf(root)
		recordGroup[ri] = gi
		personSets[gi][g.persons[g.records[ri].personIdx].id] = true
	}

	// Pass 2: components over membership edges plus result edges above
	// the auto-match threshold. Each component is an auto-match cluster.
	auto := newUnionFind(g.nodeCount())
	for ri, rec := range g.records {
		auto.union(g.personHandle(rec.personIdx), g.recordHandle(ri))
	}
	for _, r := range results {
		if r.MatchProbability > autoMatchThreshold {
			auto.union(g.recordHandle(g.recordIdx[r.RecordLID]), g.recordHandle(g.recordIdx[r.RecordRID]))
		}
	}

	clusterRecords := make(map[int][]int)
	for ri := range g.records {
		root := auto.find(g.recordHandle(ri))
		clusterRecords[root] = append(clusterRecords[root], ri)
	}

	// Iterate clusters in record-arena order (crosswalk order) so action
	// emission is deterministic.
	seen := make(map[int]bool, len(clusterRecords))
	for ri := range g.records {
		root := auto.find(g.recordHandle(ri))
		if seen[root] {
			continue
		}
		seen[root] = true
		members := clusterRecords[root]

		repIdx := representative(g, members)
		rep := g.persons[repIdx]

		for _, mi := range members {
			rec := &g.records[mi]
			cur := g.persons[rec.personIdx]
			if cur.id == rep.id {
				continue
			}
			gi := recordGroup[mi]
			out.PersonActions = append(out.PersonActions, PersonAction{
				GroupUUID:         out.Groups[gi].UUID,
				RecordID:          rec.id,
				FromPersonID:      cur.id,
				FromPersonVersion: cur.version,
				ToPersonID:        rep.id,
				ToPersonVersion:   rep.version,
			})
			rec.personIdx = repIdx
			delete(personSets[gi], cur.id)
			personSets[gi][rep.id] = true
		}
	}

	for gi := range out.Groups {
		out.Groups[gi].Matched = len(personSets[gi]) == 1
	}

	return out, nil
}

// representative picks the person that absorbs a cluster's records:
// most records, then oldest, then lowest id. Ties are impossible past
// the id comparison, so selection is fully deterministic.
func representative(g *graph, members []int) int {
	best := -1
	for _, mi := range members {
		pi := g.records[mi].personIdx
		if best == -1 || betterRepresentative(g.persons[pi], g.persons[best]) {
			best = pi
		}
	}
	return best
}

func betterRepresentative(a, b personNode) bool {
	if a.id == b.id {
		return false
	}
	if a.recordCount != b.recordCount {
		return a.recordCount > b.recordCount
	}
	if !a.created.Equal(b.created) {
		return a.created.Before(b.created)
	}
	return a.id < b.id
}
