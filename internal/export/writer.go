package export

import (
	"bytes"
	"crypto/sha256"
	"encoding/csv"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/gowebpki/jcs"

	"github.com/lamim/sftcurator/pkg/models"
)

// TimestampFormat qualifies export filenames
const TimestampFormat = "2006-01-02T15-04-05.000"

// Columns of the tabular export, in order
var Columns = []string{"record_id", "display_name", "system_instruction", "serialized_payload", "output_text"}

// Artifacts lists the files produced by one export
type Artifacts struct {
	Tabular    string
	Transcript string
	Manifest   string
	Rows       int
}

// Manifest describes one export. Digests are taken over the RFC 8785 canonical
// JSON of the rows and entries, so they identify content independent of file encoding.
type Manifest struct {
	ExportID         string             `json:"export_id"`
	Dataset          models.DatasetKind `json:"dataset"`
	Scope            Scope              `json:"scope"`
	CreatedAt        time.Time          `json:"created_at"`
	SnapshotAt       time.Time          `json:"snapshot_at"`
	Records          int                `json:"records"`
	Rows             int                `json:"rows"`
	TabularFile      string             `json:"tabular_file"`
	TranscriptFile   string             `json:"transcript_file"`
	RowsSHA256       string             `json:"rows_sha256"`
	TranscriptSHA256 string             `json:"transcript_sha256"`
}

// Write exports a snapshot into dir as <kind>_<ts>.csv, <kind>_<ts>.jsonl and
// <kind>_<ts>.manifest.json. Files are created exclusively and never appended to;
// on failure the files created by this call are removed.
func Write(dir string, snap models.SessionSnapshot, scope Scope, now time.Time) (Artifacts, error) {
	rows, entries := Export(snap, scope)

	tabular, err := encodeTabular(rows)
	if err != nil {
		return Artifacts{}, err
	}
	transcript, err := encodeTranscript(entries)
	if err != nil {
		return Artifacts{}, err
	}

	rowsDigest, err := digest(rows)
	if err != nil {
		return Artifacts{}, fmt.Errorf("digest rows: %w", err)
	}
	entriesDigest, err := digest(entries)
	if err != nil {
		return Artifacts{}, fmt.Errorf("digest transcript: %w", err)
	}

	if err := os.MkdirAll(dir, 0755); err != nil {
		return Artifacts{}, fmt.Errorf("failed to create export directory: %w", err)
	}

	base := fmt.Sprintf("%s_%s", snap.Kind, now.Format(TimestampFormat))
	art := Artifacts{
		Tabular:    filepath.Join(dir, base+".csv"),
		Transcript: filepath.Join(dir, base+".jsonl"),
		Manifest:   filepath.Join(dir, base+".manifest.json"),
		Rows:       len(rows),
	}

	manifest, err := json.MarshalIndent(Manifest{
		ExportID:         uuid.New().String(),
		Dataset:          snap.Kind,
		Scope:            scope,
		CreatedAt:        now,
		SnapshotAt:       snap.TakenAt,
		Records:          len(snap.Records),
		Rows:             len(rows),
		TabularFile:      filepath.Base(art.Tabular),
		TranscriptFile:   filepath.Base(art.Transcript),
		RowsSHA256:       rowsDigest,
		TranscriptSHA256: entriesDigest,
	}, "", "  ")
	if err != nil {
		return Artifacts{}, fmt.Errorf("failed to marshal manifest: %w", err)
	}

	var created []string
	for _, f := range []struct {
		path string
		data []byte
	}{
		{art.Tabular, tabular},
		{art.Transcript, transcript},
		{art.Manifest, append(manifest, '\n')},
	} {
		if err := writeOnce(f.path, f.data); err != nil {
			for _, p := range created {
				os.Remove(p)
			}
			return Artifacts{}, err
		}
		created = append(created, f.path)
	}

	return art, nil
}

func encodeTabular(rows []models.TabularRow) ([]byte, error) {
	var buf bytes.Buffer
	w := csv.NewWriter(&buf)
	if err := w.Write(Columns); err != nil {
		return nil, fmt.Errorf("failed to write header: %w", err)
	}
	for _, r := range rows {
		if err := w.Write([]string{r.RecordID, r.DisplayName, r.SystemInstruction, r.SerializedPayload, r.OutputText}); err != nil {
			return nil, fmt.Errorf("failed to write row %s: %w", r.RecordID, err)
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return nil, fmt.Errorf("failed to flush tabular export: %w", err)
	}
	return buf.Bytes(), nil
}

func encodeTranscript(entries []models.TranscriptEntry) ([]byte, error) {
	var buf bytes.Buffer
	for i, e := range entries {
		data, err := json.Marshal(e)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal transcript entry %d: %w", i, err)
		}
		buf.Write(data)
		buf.WriteByte('\n')
	}
	return buf.Bytes(), nil
}

func digest(v any) (string, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	canonical, err := jcs.Transform(raw)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(canonical)
	return hex.EncodeToString(sum[:]), nil
}

// writeOnce refuses to overwrite an existing file
func writeOnce(path string, data []byte) error {
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0644)
	if err != nil {
		if errors.Is(err, os.ErrExist) {
			return fmt.Errorf("export file already exists: %s", path)
		}
		return fmt.Errorf("failed to create %s: %w", path, err)
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		os.Remove(path)
		return fmt.Errorf("failed to write %s: %w", path, err)
	}
	if err := f.Close(); err != nil {
		os.Remove(path)
		return fmt.Errorf("failed to close %s: %w", path, err)
	}
	return nil
}
