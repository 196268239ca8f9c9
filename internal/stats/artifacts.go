// Package stats writes per-session history artifacts to disk and keeps an
// index of exported sessions.
package stats

import (
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"viralsandbox/internal/model"
)

const sessionIndexFile = "session_index.json"

const (
	snapshotFile    = "snapshot.json"
	historyFile     = "history.json"
	populationsFile = "populations.csv"
	summaryFile     = "summary.json"
)

type SessionArtifacts struct {
	Snapshot model.SessionSnapshot `json:"snapshot"`
	Summary  SessionReport         `json:"summary"`
}

type SessionIndexEntry struct {
	SessionID    string              `json:"session_id"`
	Catalog      string              `json:"catalog"`
	Round        int                 `json:"round"`
	Balance      int64               `json:"balance"`
	Status       model.SessionStatus `json:"status"`
	Genome       string              `json:"genome,omitempty"`
	Genes        []string            `json:"genes,omitempty"`
	CreatedAtUTC string              `json:"created_at_utc"`
}

// NewSessionArtifacts derives the artifact set of snap.
func NewSessionArtifacts(snap model.SessionSnapshot) SessionArtifacts {
	return SessionArtifacts{Snapshot: snap, Summary: BuildSessionReport(snap)}
}

// WriteSessionArtifacts writes the snapshot, its round history, the
// population series and the report under baseDir/<session id>.
func WriteSessionArtifacts(baseDir string, artifacts SessionArtifacts) (string, error) {
	id := artifacts.Snapshot.ID
	if err := checkSessionID(id); err != nil {
		return "", err
	}

	sessionDir := filepath.Join(baseDir, id)
	if err := os.MkdirAll(sessionDir, 0o755); err != nil {
		return "", err
	}

	snap := artifacts.Snapshot
	history := snap.History
	if history == nil {
		history = []model.RoundOutcome{}
	}
	snap.History = nil
	if err := writeJSON(filepath.Join(sessionDir, snapshotFile), snap); err != nil {
		return "", err
	}
	if err := writeJSON(filepath.Join(sessionDir, historyFile), history); err != nil {
		return "", err
	}
	if err := WritePopulationSeries(sessionDir, artifacts.Snapshot); err != nil {
		return "", err
	}
	if err := writeJSON(filepath.Join(sessionDir, summaryFile), artifacts.Summary); err != nil {
		return "", err
	}
	return sessionDir, nil
}

// ReadSessionArtifacts joins snapshot.json and history.json back into one
// snapshot.
func ReadSessionArtifacts(baseDir, sessionID string) (model.SessionSnapshot, bool, error) {
	if err := checkSessionID(sessionID); err != nil {
		return model.SessionSnapshot{}, false, err
	}
	var snap model.SessionSnapshot
	ok, err := readJSON(filepath.Join(baseDir, sessionID, snapshotFile), &snap)
	if err != nil || !ok {
		return model.SessionSnapshot{}, ok, err
	}
	var history []model.RoundOutcome
	if _, err := readJSON(filepath.Join(baseDir, sessionID, historyFile), &history); err != nil {
		return model.SessionSnapshot{}, false, err
	}
	snap.History = history
	return snap, true, nil
}

func ReadSessionReport(baseDir, sessionID string) (SessionReport, bool, error) {
	if err := checkSessionID(sessionID); err != nil {
		return SessionReport{}, false, err
	}
	var report SessionReport
	ok, err := readJSON(filepath.Join(baseDir, sessionID, summaryFile), &report)
	if err != nil || !ok {
		return SessionReport{}, ok, err
	}
	return report, true, nil
}

func AppendSessionIndex(baseDir string, entry SessionIndexEntry) error {
	if err := checkSessionID(entry.SessionID); err != nil {
		return err
	}
	if err := os.MkdirAll(baseDir, 0o755); err != nil {
		return err
	}

	index, err := ListSessionIndex(baseDir)
	if err != nil {
		return err
	}

	for i := range index {
		if index[i].SessionID == entry.SessionID {
			index[i] = entry
			return writeJSON(filepath.Join(baseDir, sessionIndexFile), index)
		}
	}

	index = append(index, entry)
	return writeJSON(filepath.Join(baseDir, sessionIndexFile), index)
}

// ListSessionIndex returns index entries newest first.
func ListSessionIndex(baseDir string) ([]SessionIndexEntry, error) {
	var entries []SessionIndexEntry
	ok, err := readJSON(filepath.Join(baseDir, sessionIndexFile), &entries)
	if err != nil {
		return nil, err
	}
	if !ok {
		return []SessionIndexEntry{}, nil
	}

	type indexedEntry struct {
		entry SessionIndexEntry
		idx   int
	}
	indexed := make([]indexedEntry, len(entries))
	for i := range entries {
		indexed[i] = indexedEntry{entry: entries[i], idx: i}
	}
	sort.Slice(indexed, func(i, j int) bool {
		if indexed[i].entry.CreatedAtUTC == indexed[j].entry.CreatedAtUTC {
			// Prefer later appended entries for equal timestamps.
			return indexed[i].idx > indexed[j].idx
		}
		return indexed[i].entry.CreatedAtUTC > indexed[j].entry.CreatedAtUTC
	})

	sorted := make([]SessionIndexEntry, 0, len(indexed))
	for _, item := range indexed {
		sorted = append(sorted, item.entry)
	}
	return sorted, nil
}

// IndexEntry builds the index row of snap stamped with createdAt.
func IndexEntry(snap model.SessionSnapshot, createdAt string) SessionIndexEntry {
	return SessionIndexEntry{
		SessionID:    snap.ID,
		Catalog:      snap.Catalog,
		Round:        snap.Round,
		Balance:      snap.Ledger.Balance,
		Status:       snap.Status,
		Genome:       snap.Config.GenomeType,
		Genes:        append([]string(nil), snap.Config.Genes...),
		CreatedAtUTC: createdAt,
	}
}

// ExportSessionArtifacts copies the artifacts of sessionID from baseDir to
// outDir/<session id>.
func ExportSessionArtifacts(baseDir, sessionID, outDir string) (string, error) {
	if err := checkSessionID(sessionID); err != nil {
		return "", err
	}

	src := filepath.Join(baseDir, sessionID)
	if _, err := os.Stat(src); err != nil {
		return "", err
	}

	dst := filepath.Join(outDir, sessionID)
	if err := os.MkdirAll(dst, 0o755); err != nil {
		return "", err
	}

	for _, file := range []string{snapshotFile, historyFile, populationsFile} {
		if err := copyFile(filepath.Join(src, file), filepath.Join(dst, file)); err != nil {
			return "", err
		}
	}
	summaryPath := filepath.Join(src, summaryFile)
	if _, err := os.Stat(summaryPath); err == nil {
		if err := copyFile(summaryPath, filepath.Join(dst, summaryFile)); err != nil {
			return "", err
		}
	} else if !os.IsNotExist(err) {
		return "", err
	}
	return dst, nil
}

// PopulationRow is the population of every entity at the end of a round.
// Round zero is the population before the first recorded round.
type PopulationRow struct {
	Round  int
	Counts map[string]int64
}

// PopulationSeries rebuilds per-round populations by walking the recorded
// deltas back from the current population.
func PopulationSeries(snap model.SessionSnapshot) []PopulationRow {
	rows := make([]PopulationRow, len(snap.History)+1)
	current := make(map[string]int64, len(snap.Population.Counts))
	for id, count := range snap.Population.Counts {
		current[id] = count
	}
	last := len(snap.History)
	rows[last] = PopulationRow{Round: snap.Round, Counts: copyCounts(current)}
	for i := last - 1; i >= 0; i-- {
		for id, delta := range snap.History[i].Deltas {
			current[id] -= delta
		}
		round := snap.History[i].Round - 1
		rows[i] = PopulationRow{Round: round, Counts: copyCounts(current)}
	}
	return rows
}

func WritePopulationSeries(dir string, snap model.SessionSnapshot) error {
	file, err := os.Create(filepath.Join(dir, populationsFile))
	if err != nil {
		return err
	}
	defer file.Close()

	entities := sortedEntities(snap.Population.Counts)
	writer := csv.NewWriter(file)
	if err := writer.Write(append([]string{"round"}, entities...)); err != nil {
		return err
	}
	for _, row := range PopulationSeries(snap) {
		record := make([]string, 0, len(entities)+1)
		record = append(record, strconv.Itoa(row.Round))
		for _, id := range entities {
			record = append(record, strconv.FormatInt(row.Counts[id], 10))
		}
		if err := writer.Write(record); err != nil {
			return err
		}
	}
	writer.Flush()
	return writer.Error()
}

// ReadPopulationSeries parses populations.csv of sessionID.
func ReadPopulationSeries(baseDir, sessionID string) ([]PopulationRow, bool, error) {
	file, err := os.Open(filepath.Join(baseDir, sessionID, populationsFile))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, false, nil
		}
		return nil, false, err
	}
	defer file.Close()

	reader := csv.NewReader(file)
	header, err := reader.Read()
	if err != nil {
		if err == io.EOF {
			return []PopulationRow{}, true, nil
		}
		return nil, false, err
	}
	if len(header) < 1 || header[0] != "round" {
		return nil, false, fmt.Errorf("population series header must start with round")
	}

	rows := make([]PopulationRow, 0, 64)
	for {
		record, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, false, err
		}
		round, err := strconv.Atoi(record[0])
		if err != nil {
			return nil, false, err
		}
		row := PopulationRow{Round: round, Counts: make(map[string]int64, len(header)-1)}
		for i, id := range header[1:] {
			value, err := strconv.ParseInt(record[i+1], 10, 64)
			if err != nil {
				return nil, false, err
			}
			row.Counts[id] = value
		}
		rows = append(rows, row)
	}
	return rows, true, nil
}

func checkSessionID(id string) error {
	if strings.TrimSpace(id) == "" {
		return fmt.Errorf("session id is required")
	}
	if strings.ContainsAny(id, `/\`) || id == "." || id == ".." {
		return fmt.Errorf("invalid session id: %q", id)
	}
	return nil
}

func sortedEntities(counts map[string]int64) []string {
	ids := make([]string, 0, len(counts))
	for id := range counts {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func copyCounts(counts map[string]int64) map[string]int64 {
	out := make(map[string]int64, len(counts))
	for id, count := range counts {
		out[id] = count
	}
	return out
}

func writeJSON(path string, value any) error {
	data, err := json.MarshalIndent(value, "", "  ")
	if err != nil {
		return err
	}
	data = append(data, '\n')
	return os.WriteFile(path, data, 0o644)
}

func readJSON(path string, value any) (bool, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, err
	}
	if err := json.Unmarshal(data, value); err != nil {
		return false, err
	}
	return true, nil
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	defer out.Close()

	if _, err := io.Copy(out, in); err != nil {
		return err
	}
	return out.Sync()
}
