package main

import (
	"archive/zip"
	"bufio"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"go.uber.org/zap"
)

// ===========================================================================
// WHAT'S GOING ON HERE
// ===========================================================================
//
// This file handles the SNLI corpus: downloading the official zip archive,
// extracting it, and parsing the train/dev/test splits into labeled
// sentence pairs.
//
// SNLI (Stanford Natural Language Inference) pairs a premise with a
// hypothesis and labels their relation:
//
//	premise:    "A man inspects the uniform of a figure."
//	hypothesis: "The man is sleeping."
//	label:      contradiction
//
// The corpus ships both TSV and JSONL renditions of each split; we parse
// both. Rows whose gold label is "-" mark examples where the annotators
// could not agree, and the convention (followed by every published SNLI
// result) is to drop them. Malformed rows are skipped silently rather
// than aborting a multi-hundred-thousand-row parse.
//
// ===========================================================================

// Label values for the three-way classification task.
const (
	LabelContradiction = 0
	LabelEntailment    = 1
	LabelNeutral       = 2

	NumLabels = 3
)

// SNLIURL is the official distribution of the SNLI 1.0 corpus.
const SNLIURL = "https://nlp.stanford.edu/projects/snli/snli_1.0.zip"

// labelIDs maps gold label strings to class IDs. Anything not in this
// map (including "-", the no-consensus marker) is filtered out.
var labelIDs = map[string]int{
	"contradiction": LabelContradiction,
	"entailment":    LabelEntailment,
	"neutral":       LabelNeutral,
}

// labelNames is the inverse of labelIDs, for logging and reports.
var labelNames = [NumLabels]string{"contradiction", "entailment", "neutral"}

// LabelName returns the human-readable name for a class ID.
func LabelName(label int) string {
	if label < 0 || label >= NumLabels {
		return fmt.Sprintf("label(%d)", label)
	}
	return labelNames[label]
}

// Example is one labeled premise/hypothesis pair.
type Example struct {
	Premise    string
	Hypothesis string
	Label      int
}

// DownloadSNLI fetches the SNLI zip into destDir and extracts it.
// Both steps are idempotent: an existing archive is not re-downloaded
// and existing extracted files are not re-written, so interrupted runs
// can simply be retried.
func DownloadSNLI(destDir string, logger *zap.Logger) error {
	if err := os.MkdirAll(destDir, 0o755); err != nil {
		return fmt.Errorf("creating dataset directory: %w", err)
	}

	zipPath := filepath.Join(destDir, "snli_1.0.zip")

	if _, err := os.Stat(zipPath); os.IsNotExist(err) {
		logger.Info("downloading SNLI corpus",
			zap.String("url", SNLIURL),
			zap.String("dest", zipPath))

		if err := downloadFile(SNLIURL, zipPath); err != nil {
			return err
		}
	} else if err != nil {
		return fmt.Errorf("checking for existing archive: %w", err)
	} else {
		logger.Info("archive already present, skipping download",
			zap.String("path", zipPath))
	}

	logger.Info("extracting archive", zap.String("path", zipPath))
	extracted, err := extractZip(zipPath, destDir)
	if err != nil {
		return err
	}
	logger.Info("extraction complete", zap.Int("files", extracted))

	return nil
}

// downloadFile streams url into path via a temp file, so a partial
// download never masquerades as a complete archive.
func downloadFile(url, path string) error {
	client := &http.Client{Timeout: 30 * time.Minute}

	resp, err := client.Get(url)
	if err != nil {
		return fmt.Errorf("downloading %s: %w", url, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("downloading %s: unexpected status %s", url, resp.Status)
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), ".download-*")
	if err != nil {
		return fmt.Errorf("creating temp file: %w", err)
	}
	tmpPath := tmp.Name()

	if _, err := io.Copy(tmp, resp.Body); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("writing %s: %w", path, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("closing %s: %w", tmpPath, err)
	}

	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("moving download into place: %w", err)
	}
	return nil
}

// extractZip unpacks archive into destDir, skipping entries that are
// already extracted. Returns the number of files written.
func extractZip(archive, destDir string) (int, error) {
	r, err := zip.OpenReader(archive)
	if err != nil {
		return 0, fmt.Errorf("opening archive %s: %w", archive, err)
	}
	defer r.Close()

	written := 0
	for _, f := range r.File {
		target := filepath.Join(destDir, f.Name)

		// Reject entries that would escape destDir ("zip slip")
		if !strings.HasPrefix(target, filepath.Clean(destDir)+string(os.PathSeparator)) {
			return written, fmt.Errorf("archive entry %q escapes destination directory", f.Name)
		}

		if f.FileInfo().IsDir() {
			if err := os.MkdirAll(target, 0o755); err != nil {
				return written, fmt.Errorf("creating directory %s: %w", target, err)
			}
			continue
		}

		if info, err := os.Stat(target); err == nil && info.Size() == int64(f.UncompressedSize64) {
			continue
		}

		if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
			return written, fmt.Errorf("creating directory for %s: %w", target, err)
		}

		if err := extractOne(f, target); err != nil {
			return written, err
		}
		written++
	}

	return written, nil
}

func extractOne(f *zip.File, target string) error {
	src, err := f.Open()
	if err != nil {
		return fmt.Errorf("opening archive entry %s: %w", f.Name, err)
	}
	defer src.Close()

	dst, err := os.Create(target)
	if err != nil {
		return fmt.Errorf("creating %s: %w", target, err)
	}

	if _, err := io.Copy(dst, src); err != nil {
		dst.Close()
		return fmt.Errorf("extracting %s: %w", f.Name, err)
	}
	return dst.Close()
}

// ReadExamplesTSV parses an SNLI tab-separated split file. The first row
// is a header naming the columns; we locate gold_label, sentence1 and
// sentence2 by name rather than by position. Rows with unusable labels
// or empty sentences are dropped.
func ReadExamplesTSV(path string) ([]Example, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening %s: %w", path, err)
	}
	defer f.Close()

	r := csv.NewReader(bufio.NewReader(f))
	r.Comma = '\t'
	r.LazyQuotes = true
	r.FieldsPerRecord = -1 // SNLI rows vary in trailing columns

	header, err := r.Read()
	if err != nil {
		return nil, fmt.Errorf("reading header of %s: %w", path, err)
	}

	labelCol, premiseCol, hypothesisCol := -1, -1, -1
	for i, name := range header {
		switch name {
		case "gold_label":
			labelCol = i
		case "sentence1":
			premiseCol = i
		case "sentence2":
			hypothesisCol = i
		}
	}
	if labelCol < 0 || premiseCol < 0 || hypothesisCol < 0 {
		return nil, fmt.Errorf("%s: header missing gold_label/sentence1/sentence2", path)
	}

	var examples []Example
	for {
		row, err := r.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			// Malformed row; skip it and keep parsing
			continue
		}
		if len(row) <= labelCol || len(row) <= premiseCol || len(row) <= hypothesisCol {
			continue
		}

		ex, ok := makeExample(row[labelCol], row[premiseCol], row[hypothesisCol])
		if !ok {
			continue
		}
		examples = append(examples, ex)
	}

	return examples, nil
}

// snliRow mirrors the fields we use from the JSONL rendition of a split.
type snliRow struct {
	GoldLabel string `json:"gold_label"`
	Sentence1 string `json:"sentence1"`
	Sentence2 string `json:"sentence2"`
}

// ReadExamplesJSONL parses an SNLI JSON-lines split file, one object per
// line. Filtering matches ReadExamplesTSV.
func ReadExamplesJSONL(path string) ([]Example, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening %s: %w", path, err)
	}
	defer f.Close()

	var examples []Example

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 1024*1024), 1024*1024)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}

		var row snliRow
		if err := json.Unmarshal([]byte(line), &row); err != nil {
			continue
		}

		ex, ok := makeExample(row.GoldLabel, row.Sentence1, row.Sentence2)
		if !ok {
			continue
		}
		examples = append(examples, ex)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("reading %s: %w", path, err)
	}

	return examples, nil
}

// makeExample validates one parsed row. Returns ok=false for rows that
// should be dropped: no-consensus or unknown labels and empty sentences.
func makeExample(goldLabel, premise, hypothesis string) (Example, bool) {
	label, ok := labelIDs[strings.TrimSpace(goldLabel)]
	if !ok {
		return Example{}, false
	}

	premise = strings.TrimSpace(premise)
	hypothesis = strings.TrimSpace(hypothesis)
	if premise == "" || hypothesis == "" {
		return Example{}, false
	}

	return Example{Premise: premise, Hypothesis: hypothesis, Label: label}, true
}

// LoadSplit reads one SNLI split ("train", "dev" or "test") from dataDir,
// preferring the TSV rendition and falling back to JSONL.
func LoadSplit(dataDir, split string) ([]Example, error) {
	tsvPath := filepath.Join(dataDir, "snli_1.0", fmt.Sprintf("snli_1.0_%s.txt", split))
	if _, err := os.Stat(tsvPath); err == nil {
		return ReadExamplesTSV(tsvPath)
	}

	jsonlPath := filepath.Join(dataDir, "snli_1.0", fmt.Sprintf("snli_1.0_%s.jsonl", split))
	if _, err := os.Stat(jsonlPath); err == nil {
		return ReadExamplesJSONL(jsonlPath)
	}

	return nil, fmt.Errorf("split %q not found under %s (looked for %s and %s); run the download command first",
		split, dataDir, tsvPath, jsonlPath)
}
